package qualitygate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ILLUVRSE/joi/persona-control/internal/errs"
	"github.com/ILLUVRSE/joi/persona-control/internal/models"
)

var ErrSuiteNotFound = errors.New("suite not found")

type Suite struct {
	ID      string `json:"id"`
	AgentID string `json:"agentId"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// RunResult is the terminal state of one suite execution.
type RunResult struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Failed  int    `json:"failed"`
	Errored int    `json:"errored"`
}

const RunStatusCompleted = "completed"

// Engine is the external test-suite execution service.
type Engine interface {
	GetSuite(ctx context.Context, suiteID string) (Suite, error)
	// DefaultSuite returns the agent's default enabled suite, or
	// ErrSuiteNotFound when it has none.
	DefaultSuite(ctx context.Context, agentID string) (Suite, error)
	// Run triggers the suite and blocks until the run is terminal or ctx ends.
	Run(ctx context.Context, suiteID, triggeredBy string) (RunResult, error)
}

type Result struct {
	Status        models.QualityStatus `json:"status"`
	SkippedReason string               `json:"skippedReason,omitempty"`
	SuiteID       string               `json:"suiteId,omitempty"`
	RunID         string               `json:"runId,omitempty"`
	Failed        int                  `json:"failed"`
	Errored       int                  `json:"errored"`
}

// Skipped reports whether a run was requested but no suite could be resolved.
func (r Result) Skipped() bool {
	return r.Status == models.QualityNotRun && r.SkippedReason != ""
}

type Gate struct {
	engine  Engine
	timeout time.Duration
}

const defaultTimeout = 2 * time.Minute

// New returns a Gate. A nil engine makes every requested run a skip.
func New(engine Engine, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Gate{engine: engine, timeout: timeout}
}

// Run resolves a suite for agentID and executes it. A skip is returned as a
// not_run result, never as an error. Engine failures, disabled suites and
// suites owned by another agent are errors.
func (g *Gate) Run(ctx context.Context, agentID, requestedSuiteID string, run bool, triggeredBy string) (Result, error) {
	if !run {
		return Result{Status: models.QualityNotRun}, nil
	}
	if g.engine == nil {
		return Result{Status: models.QualityNotRun, SkippedReason: "no quality engine configured"}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	suite, skipped, err := g.resolve(runCtx, agentID, requestedSuiteID)
	if err != nil {
		return Result{}, g.classify(ctx, runCtx, err, "resolve quality suite")
	}
	if skipped != "" {
		return Result{Status: models.QualityNotRun, SkippedReason: skipped}, nil
	}

	res, err := g.engine.Run(runCtx, suite.ID, triggeredBy)
	if err != nil {
		return Result{}, g.classify(ctx, runCtx, err, fmt.Sprintf("run quality suite %s", suite.ID))
	}
	out := Result{
		Status:  models.QualityFailed,
		SuiteID: suite.ID,
		RunID:   res.ID,
		Failed:  res.Failed,
		Errored: res.Errored,
	}
	if res.Status == RunStatusCompleted && res.Failed == 0 && res.Errored == 0 {
		out.Status = models.QualityPassed
	}
	return out, nil
}

func (g *Gate) resolve(ctx context.Context, agentID, requestedSuiteID string) (Suite, string, error) {
	if requestedSuiteID != "" {
		suite, err := g.engine.GetSuite(ctx, requestedSuiteID)
		switch {
		case err == nil:
			if suite.AgentID != "" && suite.AgentID != agentID {
				return Suite{}, "", errs.New(errs.CodeValidation, "Quality suite %s belongs to agent %s", suite.ID, suite.AgentID)
			}
			if !suite.Enabled {
				return Suite{}, "", errs.New(errs.CodeValidation, "Quality suite %s is disabled", suite.ID)
			}
			return suite, "", nil
		case !errors.Is(err, ErrSuiteNotFound):
			return Suite{}, "", err
		}
	}

	suite, err := g.engine.DefaultSuite(ctx, agentID)
	if errors.Is(err, ErrSuiteNotFound) {
		if requestedSuiteID != "" {
			return Suite{}, fmt.Sprintf("quality suite %s not found and agent %s has no default suite", requestedSuiteID, agentID), nil
		}
		return Suite{}, fmt.Sprintf("agent %s has no enabled quality suite", agentID), nil
	}
	if err != nil {
		return Suite{}, "", err
	}
	if !suite.Enabled {
		return Suite{}, fmt.Sprintf("default quality suite %s is disabled", suite.ID), nil
	}
	return suite, "", nil
}

// classify maps an engine failure to a coded error. The gate's own limit is
// only blamed when runCtx expired while the caller's ctx was still live.
func (g *Gate) classify(ctx, runCtx context.Context, err error, op string) error {
	var coded *errs.Error
	if errors.As(err, &coded) {
		return err
	}
	switch {
	case ctx.Err() != nil:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errs.Wrap(errs.CodeGateTimeout, err, "Request deadline reached before the quality gate finished (%s)", op)
		}
		return errs.Wrap(errs.CodeDependency, err, "%s: request cancelled", op)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return errs.Wrap(errs.CodeGateTimeout, err, "Quality gate timed out after %s", g.timeout)
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.CodeGateTimeout, err, "Quality engine call timed out (%s)", op)
	}
	return errs.Wrap(errs.CodeDependency, err, "%s", op)
}
