package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ILLUVRSE/joi/persona-control/internal/app"
	"github.com/ILLUVRSE/joi/persona-control/internal/auth"
	"github.com/ILLUVRSE/joi/persona-control/internal/config"
	"github.com/ILLUVRSE/joi/persona-control/internal/httpserver"
	"github.com/ILLUVRSE/joi/persona-control/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("start persona control: %v", err)
	}
	defer a.Close()

	verifier, err := auth.NewVerifier(cfg.JWTPublicKeyFile, cfg.AllowDevPrincipal)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	if cfg.AllowDevPrincipal {
		log.Printf("WARNING: %s header is trusted; do not run like this in production", auth.DevPrincipalHeader)
	}

	server := httpserver.New(httpserver.Deps{
		Store:      a.Store,
		Controller: a.Controller,
		Versions:   a.Versions,
		Router:     a.Router,
		Reporter:   a.Reporter,
		Verifier:   verifier,

		QualityTimeout: cfg.QualityTimeout,
	})
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	if cfg.SchedulerEnabled {
		go scheduler.Run(ctx, a.Controller, a.Reporter, scheduler.Config{
			EvaluateInterval:   cfg.EvaluateInterval,
			GovernanceInterval: cfg.GovernanceInterval,
			BatchLimit:         cfg.EvaluateBatch,
			Archiver:           a.Archiver,
		})
	}

	go func() {
		log.Printf("Persona control listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	waitForShutdown(httpServer, a, cancel)
}

// waitForShutdown reloads the policy on SIGHUP and drains the server on
// SIGINT/SIGTERM.
func waitForShutdown(srv *http.Server, a *app.App, stopBackground context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s == syscall.SIGHUP {
			if err := a.ReloadPolicy(); err != nil {
				log.Printf("policy reload failed, keeping %s: %v", a.Policy.Current().Version, err)
			}
			continue
		}
		break
	}

	stopBackground()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
