package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/0xEthamin/hangar-back/internal/app/hangar"
	"github.com/0xEthamin/hangar-back/internal/domain"
	"github.com/0xEthamin/hangar-back/internal/service/deploy"
)

func commandProject(ctx context.Context, s *hangar.Stack, args []string) error {
	if len(args) == 0 {
		return usageError("project [create|redeploy|destroy|list|show|env|participants]")
	}
	switch args[0] {
	case "create":
		return projectCreate(ctx, s, args[1:])
	case "redeploy":
		return projectRedeploy(ctx, s, args[1:])
	case "destroy":
		return projectDestroy(ctx, s, args[1:])
	case "list":
		return projectList(ctx, s, args[1:])
	case "show":
		return projectShow(ctx, s, args[1:])
	case "env":
		return projectEnv(ctx, s, args[1:])
	case "participants":
		return projectParticipants(ctx, s, args[1:])
	default:
		return fmt.Errorf("unknown project command: %s", args[0])
	}
}

func projectCreate(ctx context.Context, s *hangar.Stack, args []string) error {
	fs := flag.NewFlagSet("project create", flag.ExitOnError)
	name := fs.String("name", "", "Project name")
	owner := fs.String("owner", "", "Owner login")
	image := fs.String("image", "", "Prebuilt image reference")
	repo := fs.String("repo", "", "GitHub repository URL")
	branch := fs.String("branch", "", "Branch to build (default branch when empty)")
	rootDir := fs.String("root-dir", "", "Build context inside the repository")
	volumePath := fs.String("volume-path", "", "Mount a persistent volume at this path")
	var env, participants multiFlag
	fs.Var(&env, "env", "Environment variable KEY=VALUE (repeatable)")
	fs.Var(&participants, "participant", "Participant login (repeatable)")
	fs.Parse(args)

	var src domain.Source
	switch {
	case strings.TrimSpace(*image) != "" && strings.TrimSpace(*repo) != "":
		return errors.New("--image and --repo are mutually exclusive")
	case strings.TrimSpace(*image) != "":
		src = domain.DirectSource{ImageRef: *image}
	case strings.TrimSpace(*repo) != "":
		src = domain.GitHubSource{RepoURL: *repo, Branch: *branch, RootDir: *rootDir}
	default:
		return errors.New("--image or --repo is required")
	}
	vars, err := parseAssignments(env)
	if err != nil {
		return err
	}

	project, err := s.Deploy.Create(ctx, deploy.CreateInput{
		Name:         *name,
		Owner:        *owner,
		Participants: participants,
		Source:       src,
		Env:          vars,
		VolumePath:   *volumePath,
	})
	if err != nil {
		return err
	}
	fmt.Printf("project deployed: %d (%s) container=%s digest=%s\n", project.ID, project.Name, project.ContainerName, project.DeployedImageDigest)
	return nil
}

func projectRedeploy(ctx context.Context, s *hangar.Stack, args []string) error {
	fs := flag.NewFlagSet("project redeploy", flag.ExitOnError)
	name := fs.String("name", "", "Project name")
	force := fs.Bool("force", false, "Replace the container even if the image is unchanged")
	fs.Parse(args)

	current, err := lookupProject(ctx, s, *name)
	if err != nil {
		return err
	}
	project, err := s.Deploy.Redeploy(ctx, current.ID, deploy.RedeployOptions{Force: *force})
	if err != nil {
		return err
	}
	if project.DeployedImageDigest == current.DeployedImageDigest && project.ContainerName == current.ContainerName {
		fmt.Printf("project %s unchanged (digest %s)\n", project.Name, project.DeployedImageDigest)
		return nil
	}
	fmt.Printf("project redeployed: %s container=%s digest=%s\n", project.Name, project.ContainerName, project.DeployedImageDigest)
	return nil
}

func projectDestroy(ctx context.Context, s *hangar.Stack, args []string) error {
	fs := flag.NewFlagSet("project destroy", flag.ExitOnError)
	name := fs.String("name", "", "Project name")
	fs.Parse(args)

	project, err := lookupProject(ctx, s, *name)
	if errors.Is(err, domain.ErrNotFound) {
		fmt.Printf("project %s does not exist\n", *name)
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.Deploy.Destroy(ctx, project.ID); err != nil {
		return err
	}
	fmt.Printf("project destroyed: %s\n", project.Name)
	return nil
}

func projectList(ctx context.Context, s *hangar.Stack, args []string) error {
	fs := flag.NewFlagSet("project list", flag.ExitOnError)
	owner := fs.String("owner", "", "Only projects this login owns or participates in")
	fs.Parse(args)

	projects, err := s.Projects.List(ctx, *owner)
	if err != nil {
		return err
	}
	for _, p := range projects {
		fmt.Printf("%d\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Owner, p.State, p.ContainerName, domain.Describe(p.Source))
	}
	return nil
}

func projectShow(ctx context.Context, s *hangar.Stack, args []string) error {
	fs := flag.NewFlagSet("project show", flag.ExitOnError)
	name := fs.String("name", "", "Project name")
	fs.Parse(args)

	p, err := lookupProject(ctx, s, *name)
	if err != nil {
		return err
	}
	fmt.Printf("id:           %d\n", p.ID)
	fmt.Printf("name:         %s\n", p.Name)
	fmt.Printf("owner:        %s\n", p.Owner)
	fmt.Printf("participants: %s\n", strings.Join(p.Participants, ", "))
	fmt.Printf("source:       %s\n", domain.Describe(p.Source))
	fmt.Printf("state:        %s (since %s)\n", p.State, p.StateChangedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("container:    %s\n", p.ContainerName)
	fmt.Printf("image:        %s\n", p.DeployedImageTag)
	fmt.Printf("digest:       %s\n", p.DeployedImageDigest)
	if p.VolumeName != "" {
		fmt.Printf("volume:       %s at %s\n", p.VolumeName, p.PersistentVolumePath)
	}
	fmt.Printf("env vars:     %d\n", len(p.EnvVars))
	return nil
}

func projectEnv(ctx context.Context, s *hangar.Stack, args []string) error {
	if len(args) == 0 {
		return usageError("project env [list|set|unset] --name <name> [--apply] [args]")
	}
	sub := args[0]
	fs := flag.NewFlagSet("project env "+sub, flag.ExitOnError)
	name := fs.String("name", "", "Project name")
	apply := fs.Bool("apply", false, "Redeploy so the running container picks up the change")
	fs.Parse(args[1:])

	project, err := lookupProject(ctx, s, *name)
	if err != nil {
		return err
	}
	switch sub {
	case "list":
		vars, err := s.Projects.ListEnvVars(ctx, project.ID)
		for _, v := range vars {
			fmt.Printf("%s=%s\n", v.Key, v.Value)
		}
		return err
	case "set":
		set, err := parseAssignments(fs.Args())
		if err != nil {
			return err
		}
		if len(set) == 0 {
			return errors.New("no KEY=VALUE given")
		}
		if _, err := s.Deploy.UpdateEnv(ctx, project.ID, set, nil); err != nil {
			return err
		}
	case "unset":
		if fs.NArg() == 0 {
			return errors.New("no KEY given")
		}
		if _, err := s.Deploy.UpdateEnv(ctx, project.ID, nil, fs.Args()); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown env command: %s", sub)
	}
	fmt.Printf("environment of %s updated\n", project.Name)
	if !*apply {
		fmt.Println("run 'hangarctl project redeploy --force' or pass --apply to restart with the new values")
		return nil
	}
	if _, err := s.Deploy.Redeploy(ctx, project.ID, deploy.RedeployOptions{Force: true}); err != nil {
		return err
	}
	fmt.Printf("project %s redeployed\n", project.Name)
	return nil
}

func projectParticipants(ctx context.Context, s *hangar.Stack, args []string) error {
	if len(args) == 0 {
		return usageError("project participants [list|add|remove] --name <name> [login]")
	}
	sub := args[0]
	fs := flag.NewFlagSet("project participants "+sub, flag.ExitOnError)
	name := fs.String("name", "", "Project name")
	fs.Parse(args[1:])

	project, err := lookupProject(ctx, s, *name)
	if err != nil {
		return err
	}
	switch sub {
	case "list":
		logins, err := s.Projects.ListParticipants(ctx, project.ID)
		if err != nil {
			return err
		}
		for _, login := range logins {
			fmt.Println(login)
		}
		return nil
	case "add", "remove":
		if fs.NArg() != 1 {
			return errors.New("exactly one login is required")
		}
		login := fs.Arg(0)
		if sub == "add" {
			err = s.Projects.AddParticipant(ctx, project.ID, login)
		} else {
			err = s.Projects.RemoveParticipant(ctx, project.ID, login)
		}
		if err != nil {
			return err
		}
		fmt.Printf("participants of %s updated\n", project.Name)
		return nil
	default:
		return fmt.Errorf("unknown participants command: %s", sub)
	}
}

func lookupProject(ctx context.Context, s *hangar.Stack, name string) (*domain.Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("--name is required")
	}
	return s.Projects.GetByName(ctx, name)
}
