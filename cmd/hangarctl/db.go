package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/0xEthamin/hangar-back/internal/app/hangar"
	"github.com/0xEthamin/hangar-back/internal/domain"
)

func commandDB(ctx context.Context, s *hangar.Stack, args []string) error {
	if len(args) == 0 {
		return usageError("db [provision|deprovision|link|unlink|show|reset-password|list]")
	}
	svc, err := s.Provisioner()
	if err != nil {
		return err
	}
	sub := args[0]
	fs := flag.NewFlagSet("db "+sub, flag.ExitOnError)
	id := fs.Int64("id", 0, "Database identifier")
	owner := fs.String("owner", "", "Owner login")
	projectName := fs.String("project", "", "Project name")
	reveal := fs.Bool("reveal", false, "Print the password even when stdout is not a terminal")
	fs.Parse(args[1:])

	switch sub {
	case "provision":
		var projectID *int64
		if strings.TrimSpace(*projectName) != "" {
			project, err := s.Projects.GetByName(ctx, *projectName)
			if err != nil {
				return err
			}
			projectID = &project.ID
		}
		details, err := svc.Provision(ctx, *owner, projectID)
		if err != nil {
			return err
		}
		printDatabase(details, *reveal)
		return nil
	case "deprovision":
		if *id <= 0 {
			return errors.New("--id is required")
		}
		if err := svc.Deprovision(ctx, *id); err != nil {
			return err
		}
		fmt.Printf("database %d deprovisioned\n", *id)
		return nil
	case "link":
		if *id <= 0 {
			return errors.New("--id is required")
		}
		project, err := s.Projects.GetByName(ctx, *projectName)
		if err != nil {
			return err
		}
		if err := svc.Link(ctx, *id, project.ID, project.Owner); err != nil {
			return err
		}
		fmt.Printf("database %d linked to %s\n", *id, project.Name)
		return nil
	case "unlink":
		details, err := svc.Details(ctx, *id)
		if err != nil {
			return err
		}
		if err := svc.Detach(ctx, details.ID, details.OwnerLogin); err != nil {
			return err
		}
		fmt.Printf("database %d unlinked\n", *id)
		return nil
	case "show":
		var details *domain.DatabaseDetails
		if *id > 0 {
			details, err = svc.Details(ctx, *id)
		} else {
			details, err = svc.DetailsByOwner(ctx, *owner)
		}
		if err != nil {
			return err
		}
		printDatabase(details, *reveal)
		return nil
	case "reset-password":
		details, err := svc.ResetPassword(ctx, *id)
		if err != nil {
			return err
		}
		printDatabase(details, *reveal)
		return nil
	case "list":
		dbs, err := svc.List(ctx)
		if err != nil {
			return err
		}
		for _, db := range dbs {
			linked := "-"
			if db.ProjectID != nil {
				linked = fmt.Sprint(*db.ProjectID)
			}
			fmt.Printf("%d\t%s\t%s\t%s\n", db.ID, db.OwnerLogin, db.DatabaseName, linked)
		}
		return nil
	default:
		return fmt.Errorf("unknown db command: %s", sub)
	}
}

func printDatabase(d *domain.DatabaseDetails, reveal bool) {
	fmt.Printf("id:       %d\n", d.ID)
	fmt.Printf("owner:    %s\n", d.OwnerLogin)
	fmt.Printf("database: %s\n", d.DatabaseName)
	fmt.Printf("username: %s\n", d.Username)
	fmt.Printf("host:     %s:%d\n", d.Host, d.Port)
	if d.ProjectID != nil {
		fmt.Printf("project:  %d\n", *d.ProjectID)
	}
	if revealAllowed(term.IsTerminal(int(os.Stdout.Fd())), reveal) {
		fmt.Printf("password: %s\n", d.Password)
		return
	}
	fmt.Println("password: (hidden, pass --reveal to print it)")
}
