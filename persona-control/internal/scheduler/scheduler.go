package scheduler

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/ILLUVRSE/joi/persona-control/internal/governance"
	"github.com/ILLUVRSE/joi/persona-control/internal/models"
	"github.com/ILLUVRSE/joi/persona-control/internal/rollout"
)

type Evaluator interface {
	EvaluateAllActive(ctx context.Context, limit int, apply bool) (rollout.BatchResult, error)
}

type Snapshotter interface {
	Snapshot(ctx context.Context) (models.GovernanceSnapshot, error)
}

type Config struct {
	EvaluateInterval   time.Duration
	GovernanceInterval time.Duration
	BatchLimit         int
	// Archiver is optional; without it snapshots are only logged.
	Archiver governance.Archiver
	Logger   *log.Logger
}

// Run evaluates every active canary on EvaluateInterval and takes a
// governance snapshot on GovernanceInterval until ctx is cancelled. Failures
// are logged and the loop carries on.
func Run(ctx context.Context, ev Evaluator, snap Snapshotter, cfg Config) {
	evalEvery := cfg.EvaluateInterval
	if evalEvery <= 0 {
		evalEvery = 7 * 24 * time.Hour
	}
	govEvery := cfg.GovernanceInterval
	if govEvery <= 0 {
		govEvery = 30 * 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[scheduler] ", log.LstdFlags)
	}

	evalTicker := time.NewTicker(evalEvery)
	defer evalTicker.Stop()
	govTicker := time.NewTicker(govEvery)
	defer govTicker.Stop()

	logger.Printf("started evaluate_every=%s governance_every=%s", evalEvery, govEvery)
	for {
		select {
		case <-ctx.Done():
			logger.Printf("stopped")
			return
		case <-evalTicker.C:
			if err := EvaluateOnce(ctx, ev, cfg.BatchLimit, logger); err != nil {
				logger.Printf("evaluate active rollouts: %v", err)
			}
		case <-govTicker.C:
			if _, _, err := SnapshotOnce(ctx, snap, cfg.Archiver, logger); err != nil {
				logger.Printf("governance snapshot: %v", err)
			}
		}
	}
}

// EvaluateOnce applies evaluator decisions to up to limit active canaries.
func EvaluateOnce(ctx context.Context, ev Evaluator, limit int, logger *log.Logger) error {
	res, err := ev.EvaluateAllActive(ctx, limit, true)
	if err != nil {
		return err
	}
	logger.Printf("evaluated=%d promoted=%d rolled_back=%d continued=%d failed=%d",
		res.Evaluated, res.Promoted, res.RolledBack, res.Continued, res.Failed)
	return nil
}

// SnapshotOnce takes a snapshot and archives it when an archiver is set. The
// returned location is empty when nothing was archived.
func SnapshotOnce(ctx context.Context, snap Snapshotter, archiver governance.Archiver, logger *log.Logger) (models.GovernanceSnapshot, string, error) {
	s, err := snap.Snapshot(ctx)
	if err != nil {
		return models.GovernanceSnapshot{}, "", err
	}
	logger.Printf("governance snapshot %s active=%d stale=%d pending_reviews=%d",
		s.ID, s.ActiveRollouts, len(s.StaleRollouts), s.PendingReviews)
	if archiver == nil {
		return s, "", nil
	}
	loc, err := archiver.Archive(ctx, s)
	if err != nil {
		return s, "", err
	}
	logger.Printf("governance snapshot %s archived to %s", s.ID, loc)
	return s, loc, nil
}
