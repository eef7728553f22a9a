package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/0xEthamin/hangar-back/internal/app/hangar"
	httpx "github.com/0xEthamin/hangar-back/internal/http"
	"github.com/0xEthamin/hangar-back/pkg/config"
	"github.com/0xEthamin/hangar-back/pkg/logger"
)

func main() {
	cfg := config.LoadHangarConfig()
	log := logger.New("hangar", logger.ParseLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := hangar.Open(ctx, cfg, log, hangar.Options{Migrate: true})
	if err != nil {
		log.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer stack.Close()

	reconcileDone := make(chan struct{})
	go func() {
		defer close(reconcileDone)
		if !cfg.ReconcileEnabled {
			log.Warn("reconciliation sweep disabled")
			return
		}
		stack.Reconciler.Run(ctx)
	}()

	router := httpx.New(log, httpx.Options{
		Checks:   stack.Checks(),
		Hub:      stack.Hub,
		Registry: stack.Registry,
	})

	srv := &http.Server{
		Addr:              cfg.OpsAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("ops server starting", "addr", cfg.OpsAddr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		<-reconcileDone
		log.Info("hangar stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
			<-reconcileDone
			stack.Close()
			os.Exit(1)
		}
	}
}
