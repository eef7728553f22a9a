package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/0xEthamin/hangar-back/internal/app/hangar"
	"github.com/0xEthamin/hangar-back/pkg/config"
	"github.com/0xEthamin/hangar-back/pkg/logger"
)

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "project":
		err = withStack(ctx, func(s *hangar.Stack) error { return commandProject(ctx, s, args) })
	case "db":
		err = withStack(ctx, func(s *hangar.Stack) error { return commandDB(ctx, s, args) })
	case "reconcile":
		err = withStack(ctx, func(s *hangar.Stack) error { return commandReconcile(ctx, s, args) })
	case "vault":
		err = withStack(ctx, func(s *hangar.Stack) error { return commandVault(ctx, s, args) })
	case "events":
		err = commandEvents(ctx, args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// withStack opens the same collaborators the daemon uses. Logs go to stderr
// at warn level so command output stays readable.
func withStack(ctx context.Context, fn func(*hangar.Stack) error) error {
	cfg := config.LoadHangarConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}
	level := logger.ParseLevel(cfg.LogLevel)
	if level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With("service", "hangarctl")
	stack, err := hangar.Open(ctx, cfg, log, hangar.Options{})
	if err != nil {
		return err
	}
	defer stack.Close()
	return fn(stack)
}

func printUsage() {
	fmt.Printf("hangarctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	hangarctl project create --name <name> --owner <login> (--image <ref> | --repo <url> [--branch b] [--root-dir d]) [--env K=V]... [--volume-path /data] [--participant login]...
	hangarctl project redeploy --name <name> [--force]
	hangarctl project destroy --name <name>
	hangarctl project list [--owner <login>]
	hangarctl project show --name <name>
	hangarctl project env list|set|unset --name <name> [K=V | K]... [--apply]
	hangarctl project participants list|add|remove --name <name> [login]
	hangarctl db provision --owner <login> [--project <name>]
	hangarctl db deprovision --id <id>
	hangarctl db link --id <id> --project <name>
	hangarctl db unlink --id <id>
	hangarctl db show (--id <id> | --owner <login>) [--reveal]
	hangarctl db reset-password --id <id> [--reveal]
	hangarctl db list
	hangarctl reconcile
	hangarctl vault rewrap
	hangarctl events [--addr http://localhost:4100] [--project <name>|*]
	hangarctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}

func usageError(usage string) error {
	return errors.New("usage: hangarctl " + usage)
}
