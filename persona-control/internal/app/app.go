package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/ILLUVRSE/joi/persona-control/internal/config"
	"github.com/ILLUVRSE/joi/persona-control/internal/events"
	"github.com/ILLUVRSE/joi/persona-control/internal/governance"
	"github.com/ILLUVRSE/joi/persona-control/internal/policy"
	"github.com/ILLUVRSE/joi/persona-control/internal/qualitygate"
	"github.com/ILLUVRSE/joi/persona-control/internal/rollout"
	"github.com/ILLUVRSE/joi/persona-control/internal/store"
	"github.com/ILLUVRSE/joi/persona-control/internal/traffic"
	"github.com/ILLUVRSE/joi/persona-control/internal/validator"
	"github.com/ILLUVRSE/joi/persona-control/internal/versions"
)

// App holds the wired components shared by the service and personactl.
type App struct {
	Config     config.Config
	DB         *sql.DB
	Store      store.Store
	Policy     *policy.Holder
	Sink       events.Sink
	Versions   *versions.Service
	Controller *rollout.Controller
	Router     *traffic.Router
	Reporter   *governance.Reporter
	Archiver   governance.Archiver

	closers []func() error
}

// Open connects to Postgres and wires the controller around it.
func Open(ctx context.Context, cfg config.Config) (*App, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	a, err := Wire(ctx, cfg, store.NewPGStore(db))
	if err != nil {
		db.Close()
		return nil, err
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)
	return a, nil
}

// Wire builds every component on top of st from cfg. Optional integrations
// are only created when their settings are present.
func Wire(ctx context.Context, cfg config.Config, st store.Store) (*App, error) {
	a := &App{Config: cfg, Store: st}

	pol := policy.Default()
	if cfg.PolicyFile != "" {
		loaded, err := policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("load policy: %w", err)
		}
		pol = loaded
	}
	a.Policy = policy.NewHolder(pol)

	var docValidator validator.Validator = validator.NewStaticValidator(0)
	if cfg.ValidatorURL != "" {
		hv, err := validator.NewHTTPValidator(validator.HTTPValidatorConfig{BaseURL: cfg.ValidatorURL})
		if err != nil {
			return nil, fmt.Errorf("document validator: %w", err)
		}
		docValidator = hv
	}

	var engine qualitygate.Engine
	if cfg.QualityEngineURL != "" {
		he, err := qualitygate.NewHTTPEngine(qualitygate.HTTPEngineConfig{BaseURL: cfg.QualityEngineURL, Timeout: cfg.QualityTimeout})
		if err != nil {
			return nil, fmt.Errorf("quality engine: %w", err)
		}
		engine = he
	}

	sinks := events.MultiSink{events.NewLogSink(nil)}
	if len(cfg.KafkaBrokers) > 0 {
		ks, err := events.NewKafkaSink(events.KafkaSinkConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		sinks = append(sinks, ks)
		a.closers = append(a.closers, ks.Close)
	}
	a.Sink = sinks

	if cfg.ArchiveBucket != "" {
		arch, err := governance.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("governance archiver: %w", err)
		}
		a.Archiver = arch
	}

	a.Versions = versions.NewService(st, docValidator)
	a.Controller = rollout.NewController(rollout.Deps{
		Store:    st,
		Versions: a.Versions,
		Gate:     qualitygate.New(engine, cfg.QualityTimeout),
		Policy:   a.Policy,
		Sink:     a.Sink,
	})
	a.Router = traffic.NewRouter(st)
	a.Reporter = governance.NewReporter(st, a.Policy, cfg.StaleAfter)

	log.Printf("[app] policy=%s validator=%t quality_engine=%t kafka=%t archive=%t",
		pol.Version, cfg.ValidatorURL != "", engine != nil, len(cfg.KafkaBrokers) > 0, a.Archiver != nil)
	return a, nil
}

// ReloadPolicy swaps in the policy file when one is configured.
func (a *App) ReloadPolicy() error {
	if a.Config.PolicyFile == "" {
		return nil
	}
	p, err := a.Policy.Reload(a.Config.PolicyFile)
	if err != nil {
		return fmt.Errorf("reload policy: %w", err)
	}
	log.Printf("[app] policy reloaded version=%s", p.Version)
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errList []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	a.closers = nil
	return errors.Join(errList...)
}
