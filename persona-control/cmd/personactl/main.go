package main

import (
	"context"
	"io"
	"log"
	"os"

	"github.com/ILLUVRSE/joi/persona-control/internal/app"
	"github.com/ILLUVRSE/joi/persona-control/internal/cli"
	"github.com/ILLUVRSE/joi/persona-control/internal/config"
)

func main() {
	// component logs would interleave with command output
	if os.Getenv("PERSONACTL_DEBUG") == "" {
		log.SetOutput(io.Discard)
	}
	os.Exit(cli.Execute(load, os.Args[1:], os.Stdout, os.Stderr))
}

func load(ctx context.Context) (*cli.Env, error) {
	cfg, err := config.LoadOperator()
	if err != nil {
		return nil, err
	}
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &cli.Env{
		Controller: a.Controller,
		Versions:   a.Versions,
		Reporter:   a.Reporter,
		Archiver:   a.Archiver,
		Close:      a.Close,
	}, nil
}
