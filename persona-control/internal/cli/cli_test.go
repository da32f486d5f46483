package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/joi/persona-control/internal/events"
	"github.com/ILLUVRSE/joi/persona-control/internal/governance"
	"github.com/ILLUVRSE/joi/persona-control/internal/models"
	"github.com/ILLUVRSE/joi/persona-control/internal/policy"
	"github.com/ILLUVRSE/joi/persona-control/internal/rollout"
	"github.com/ILLUVRSE/joi/persona-control/internal/store"
	"github.com/ILLUVRSE/joi/persona-control/internal/versions"
)

type fixture struct {
	ms     *store.MemoryStore
	env    *Env
	closed int
}

type stubArchiver struct{ err error }

func (a stubArchiver) Archive(ctx context.Context, s models.GovernanceSnapshot) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "s3://persona-audit/governance/" + s.ID.String() + ".json", nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := store.NewMemoryStore()
	holder := policy.NewHolder(policy.Default())
	vs := versions.NewService(ms, nil)
	f := &fixture{ms: ms}
	f.env = &Env{
		Controller: rollout.NewController(rollout.Deps{Store: ms, Versions: vs, Policy: holder, Sink: &events.Recorder{}}),
		Versions:   vs,
		Reporter:   governance.NewReporter(ms, holder, 0),
		Close: func() error {
			f.closed++
			return nil
		},
	}
	return f
}

func (f *fixture) loader() Loader {
	return func(ctx context.Context) (*Env, error) { return f.env, nil }
}

// seedCanary gives the agent an active version and an open canary.
func (f *fixture) seedCanary(t *testing.T, agentID string) models.ChangeResult {
	t.Helper()
	ctx := context.Background()
	_, err := f.env.Versions.EnsureInitialVersion(ctx, agentID, "You are Joi.")
	require.NoError(t, err)
	res, err := f.env.Controller.SubmitChange(ctx, models.ChangeRequest{AgentID: agentID, Content: "You are Joi. v2"})
	require.NoError(t, err)
	require.NotNil(t, res.RolloutID)
	return res
}

func run(f *fixture, args ...string) (int, string, string) {
	var out, errOut bytes.Buffer
	code := Execute(f.loader(), args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand(nil)
	for _, name := range []string{"evaluate-all", "promote", "rollback", "cancel", "rollback-to", "governance", "versions"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	evalCmd, _, err := cmd.Find([]string{"evaluate-all"})
	require.NoError(t, err)
	assert.Equal(t, "100", evalCmd.Flags().Lookup("limit").DefValue)
	assert.Equal(t, "false", evalCmd.Flags().Lookup("apply").DefValue)
}

func TestInvalidFormat(t *testing.T) {
	f := newFixture(t)
	code, _, stderr := run(f, "versions", "agent-a", "--format", "yaml")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, "invalid format")
}

func TestPromote(t *testing.T) {
	f := newFixture(t)
	res := f.seedCanary(t, "agent-a")

	code, out, stderr := run(f, "promote", res.RolloutID.String(), "--reason", "approved", "--actor", "ops")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "status=promoted")
	assert.Contains(t, out, `reason="approved"`)
	assert.Equal(t, 1, f.closed)

	active, err := f.ms.GetActiveVersion(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.Equal(t, res.VersionID, active.ID)

	code, _, stderr = run(f, "rollback", res.RolloutID.String())
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, "E_NOT_ACTIVE")
}

func TestRollbackJSON(t *testing.T) {
	f := newFixture(t)
	res := f.seedCanary(t, "agent-a")

	code, out, stderr := run(f, "rollback", res.RolloutID.String(), "--format", "json")
	require.Equal(t, ExitSuccess, code, stderr)
	var r models.PersonaRollout
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, models.RolloutRolledBack, r.Status)
	assert.Equal(t, "manual rollback", r.DecisionReason)
}

func TestBadRolloutID(t *testing.T) {
	f := newFixture(t)
	code, _, stderr := run(f, "promote", "nope")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, "E_VALIDATION")
	assert.Equal(t, 0, f.closed, "loader should not run for bad arguments")
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.seedCanary(t, "agent-a")

	code, out, _ := run(f, "cancel", "agent-a", "--reason", "freeze")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "status=cancelled")

	code, out, _ = run(f, "cancel", "agent-a")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "agent agent-a has no active rollout")
}

func TestEvaluateAllDryRun(t *testing.T) {
	f := newFixture(t)
	f.seedCanary(t, "agent-a")
	f.seedCanary(t, "agent-b")

	code, out, stderr := run(f, "evaluate-all", "--limit", "10")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "evaluated=2 promoted=0 rolled_back=0 continued=2 failed=0")

	active, err := f.ms.ListActiveRollouts(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestRollbackTo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1, err := f.env.Versions.EnsureInitialVersion(ctx, "agent-a", "You are Joi.")
	require.NoError(t, err)
	_, err = f.env.Versions.CreateVersion(ctx, versions.CreateParams{AgentID: "agent-a", Content: "You are Joi. v2", Source: models.SourceManual}, true)
	require.NoError(t, err)

	code, out, stderr := run(f, "rollback-to", "agent-a", v1.ID.String(), "--reason", "regression in prod")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "rollback of "+v1.ID.String())

	active, err := f.ms.GetActiveVersion(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, models.SourceRollback, active.Source)
	assert.Equal(t, v1.Content, active.Content)
}

func TestVersions(t *testing.T) {
	f := newFixture(t)
	res := f.seedCanary(t, "agent-a")

	code, out, _ := run(f, "versions", "agent-a", "--format", "json")
	require.Equal(t, ExitSuccess, code)
	var list []models.PersonaVersion
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 2)
	ids := []uuid.UUID{list[0].ID, list[1].ID}
	assert.Contains(t, ids, res.VersionID)
}

func TestGovernance(t *testing.T) {
	f := newFixture(t)
	f.seedCanary(t, "agent-a")

	code, out, _ := run(f, "governance")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "canary_active")

	code, _, stderr := run(f, "governance", "--archive")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, "PERSONA_ARCHIVE_BUCKET")

	f.env.Archiver = stubArchiver{}
	code, out, _ = run(f, "governance", "--archive")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "archived to s3://persona-audit/governance/")

	f.env.Archiver = stubArchiver{err: errors.New("AccessDenied")}
	code, _, _ = run(f, "governance", "--archive")
	assert.Equal(t, ExitRetryable, code)
}

func TestLoaderFailure(t *testing.T) {
	load := func(ctx context.Context) (*Env, error) { return nil, errors.New("open db: connection refused") }
	var out, errOut bytes.Buffer
	code := Execute(load, []string{"versions", "agent-a"}, &out, &errOut)
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, errOut.String(), "connection refused")
}
