package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/0xEthamin/hangar-back/internal/app/hangar"
	"github.com/0xEthamin/hangar-back/internal/ws"
)

func commandReconcile(ctx context.Context, s *hangar.Stack, args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	fs.Parse(args)

	report := s.Reconciler.RunOnce(ctx)
	for _, a := range report.Applied {
		fmt.Printf("applied\t%s\t%s\t%s\n", a.Kind, a.Project, a.Container)
	}
	for _, a := range report.Skipped {
		fmt.Printf("skipped\t%s\t%s\t%s\n", a.Kind, a.Project, a.Container)
	}
	if report.Swept > 0 {
		fmt.Printf("workspaces removed: %d\n", report.Swept)
	}
	return errors.Join(report.Errors...)
}

func commandVault(ctx context.Context, s *hangar.Stack, args []string) error {
	if len(args) == 0 || args[0] != "rewrap" {
		return usageError("vault rewrap")
	}
	projects, err := s.Projects.RewrapEnv(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("projects rewrapped: %d\n", projects)
	svc, err := s.Provisioner()
	if errors.Is(err, hangar.ErrProvisionerDisabled) {
		return nil
	}
	databases, err := svc.Rewrap(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("database passwords rewrapped: %d\n", databases)
	return nil
}

func commandEvents(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:4100", "Ops server address")
	project := fs.String("project", ws.AllProjects, "Project name, or * for every project")
	fs.Parse(args)

	endpoint, err := eventsURL(*addr, *project)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", endpoint, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Println(string(msg))
	}
}

// eventsURL maps the ops server address onto its websocket event endpoint.
func eventsURL(addr, project string) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(addr), "/"))
	if err != nil {
		return "", fmt.Errorf("invalid --addr: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if strings.TrimSpace(project) == "" {
		return "", errors.New("--project is required")
	}
	u.Path += "/events/" + project
	return u.String(), nil
}
