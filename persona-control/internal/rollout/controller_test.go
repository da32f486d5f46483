package rollout_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/joi/persona-control/internal/errs"
	"github.com/ILLUVRSE/joi/persona-control/internal/evaluation"
	"github.com/ILLUVRSE/joi/persona-control/internal/events"
	"github.com/ILLUVRSE/joi/persona-control/internal/models"
	"github.com/ILLUVRSE/joi/persona-control/internal/policy"
	"github.com/ILLUVRSE/joi/persona-control/internal/qualitygate"
	"github.com/ILLUVRSE/joi/persona-control/internal/rollout"
	"github.com/ILLUVRSE/joi/persona-control/internal/store"
	"github.com/ILLUVRSE/joi/persona-control/internal/versions"
)

type harness struct {
	ms       *store.MemoryStore
	rec      *events.Recorder
	versions *versions.Service
	ctl      *rollout.Controller
}

func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newHarness(t *testing.T, engine qualitygate.Engine, pol policy.Policy) *harness {
	t.Helper()
	ms := store.NewMemoryStore()
	ms.SetClock(tickingClock())
	return newHarnessWithStore(t, ms, ms, engine, pol)
}

func newHarnessWithStore(t *testing.T, ms *store.MemoryStore, st store.Store, engine qualitygate.Engine, pol policy.Policy) *harness {
	t.Helper()
	rec := &events.Recorder{}
	vs := versions.NewService(st, nil)
	ctl := rollout.NewController(rollout.Deps{
		Store:    st,
		Versions: vs,
		Gate:     qualitygate.New(engine, time.Second),
		Policy:   policy.NewHolder(pol),
		Sink:     rec,
	})
	return &harness{ms: ms, rec: rec, versions: vs, ctl: ctl}
}

// seedVersions gives agentID an active v1 and an inactive v2.
func (h *harness) seedVersions(t *testing.T, agentID string) (models.PersonaVersion, models.PersonaVersion) {
	t.Helper()
	ctx := context.Background()
	v1, err := h.versions.EnsureInitialVersion(ctx, agentID, "You are Joi. v1")
	require.NoError(t, err)
	v2, err := h.versions.CreateVersion(ctx, versions.CreateParams{AgentID: agentID, Content: "You are Joi. v2", Source: models.SourceProposal}, false)
	require.NoError(t, err)
	return v1, v2
}

func (h *harness) record(t *testing.T, agentID string, versionID uuid.UUID, n, successes int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := h.ctl.RecordInteraction(context.Background(), rollout.InteractionParams{
			AgentID: agentID, VersionID: versionID, Success: i < successes, Score: 1,
		})
		require.NoError(t, err)
	}
}

func (h *harness) activeID(t *testing.T, agentID string) uuid.UUID {
	t.Helper()
	v, err := h.ms.GetActiveVersion(context.Background(), agentID)
	require.NoError(t, err)
	return v.ID
}

func assertInvariants(t *testing.T, ms *store.MemoryStore, agentIDs ...string) {
	t.Helper()
	ctx := context.Background()
	for _, agentID := range agentIDs {
		list, err := ms.ListVersions(ctx, agentID, 500)
		require.NoError(t, err)
		if len(list) > 0 {
			active := 0
			for _, v := range list {
				if v.IsActive {
					active++
				}
			}
			assert.Equal(t, 1, active, "agent %s must have exactly one active version", agentID)
		}
		canaries, err := ms.ListRollouts(ctx, store.ListRolloutsFilter{AgentID: agentID, Status: models.RolloutCanaryActive, Limit: 500})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(canaries), 1, "agent %s must have at most one canary", agentID)
	}
}

func TestRolloutLifecycleScenario(t *testing.T) {
	h := newHarness(t, nil, policy.Default())
	ctx := context.Background()
	v1, v2 := h.seedVersions(t, "A")

	// a canary opens without touching the active version
	r1, err := h.ctl.StartRollout(ctx, rollout.StartParams{
		AgentID: "A", CandidateVersionID: v2.ID, BaselineVersionID: v1.ID,
		TrafficPercent: 10, MinimumSampleSize: 50, DecisionReason: "proposal #12",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RolloutCanaryActive, r1.Status)
	assert.Equal(t, v1.ID, h.activeID(t, "A"))
	assert.Contains(t, string(r1.Metadata), `"policyVersion":"default-v1"`)

	// not enough candidate traffic yet
	h.record(t, "A", v1.ID, 60, 30)
	h.record(t, "A", v2.ID, 30, 30)
	res, err := h.ctl.Evaluate(ctx, r1.ID, true)
	require.NoError(t, err)
	assert.Equal(t, evaluation.ActionContinue, res.Decision.Action)
	assert.Equal(t, evaluation.ReasonInsufficientSample, res.Decision.Reason)
	assert.False(t, res.Applied)
	got, err := h.ctl.GetRollout(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RolloutCanaryActive, got.Status)

	// a second canary for the same agent is refused
	v3, err := h.versions.CreateVersion(ctx, versions.CreateParams{AgentID: "A", Content: "v3", Source: models.SourceManual}, false)
	require.NoError(t, err)
	_, err = h.ctl.StartRollout(ctx, rollout.StartParams{
		AgentID: "A", CandidateVersionID: v3.ID, BaselineVersionID: v1.ID, TrafficPercent: 10, MinimumSampleSize: 50,
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeRolloutConflict))

	// enough evidence and the candidate is clearly better
	h.record(t, "A", v2.ID, 30, 30)
	res, err = h.ctl.Evaluate(ctx, r1.ID, true)
	require.NoError(t, err)
	assert.Equal(t, evaluation.ActionPromote, res.Decision.Action)
	assert.True(t, res.Applied)
	assert.Equal(t, models.RolloutPromoted, res.Rollout.Status)
	assert.Equal(t, v2.ID, h.activeID(t, "A"))
	old, err := h.versions.GetByID(ctx, "A", v1.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)
	assert.Contains(t, string(res.Rollout.Metadata), `"decidedBy":"evaluator"`)

	// terminal states do not move
	_, err = h.ctl.Rollback(ctx, r1.ID, "regression observed", "ops")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeNotActive))
	assert.Equal(t, "Rollout "+r1.ID.String()+" is not active (status=promoted)", errs.Message(err))
	assert.Equal(t, v2.ID, h.activeID(t, "A"))

	assert.Equal(t, []string{events.TypeRolloutStarted, events.TypeRolloutPromoted}, h.rec.Types())
	assertInvariants(t, h.ms, "A")
}

func TestEvaluateRollsBackOnRegression(t *testing.T) {
	h := newHarness(t, nil, policy.Default())
	ctx := context.Background()
	v1, v2 := h.seedVersions(t, "A")
	r, err := h.ctl.StartRollout(ctx, rollout.StartParams{AgentID: "A", CandidateVersionID: v2.ID, BaselineVersionID: v1.ID, TrafficPercent: 20, MinimumSampleSize: 10})
	require.NoError(t, err)

	h.record(t, "A", v1.ID, 20, 19)
	h.record(t, "A", v2.ID, 20, 10)

	dry, err := h.ctl.Evaluate(ctx, r.ID, false)
	require.NoError(t, err)
	assert.Equal(t, evaluation.ActionRollback, dry.Decision.Action)
	assert.False(t, dry.Applied)
	assert.Equal(t, models.RolloutCanaryActive, dry.Rollout.Status)

	res, err := h.ctl.Evaluate(ctx, r.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.RolloutRolledBack, res.Rollout.Status)
	assert.Equal(t, res.Decision.Reason, res.Rollout.DecisionReason)
	assert.Equal(t, v1.ID, h.activeID(t, "A"))

	_, err = h.ctl.Evaluate(ctx, r.ID, true)
	assert.True(t, errs.Is(err, errs.CodeNotActive))
}

func TestInteractionsBeforeRolloutAreIgnored(t *testing.T) {
	h := newHarness(t, nil, policy.Default())
	ctx := context.Background()
	v1, v2 := h.seedVersions(t, "A")
	h.record(t, "A", v2.ID, 100, 100)

	r, err := h.ctl.StartRollout(ctx, rollout.StartParams{AgentID: "A", CandidateVersionID: v2.ID, BaselineVersionID: v1.ID, TrafficPercent: 5, MinimumSampleSize: 10})
	require.NoError(t, err)
	res, err := h.ctl.Evaluate(ctx, r.ID, true)
	require.NoError(t, err)
	assert.Equal(t, evaluation.ActionContinue, res.Decision.Action)
	assert.Equal(t, 0, res.Decision.CandidateCount)
}

func TestStartRolloutValidation(t *testing.T) {
	h := newHarness(t, nil, policy.Default())
	ctx := context.Background()
	v1, v2 := h.seedVersions(t, "A")

	cases := []struct {
		name string
		p    rollout.StartParams
		code errs.Code
	}{
		{"traffic above 100", rollout.StartParams{AgentID: "A", CandidateVersionID: v2.ID, BaselineVersionID: v1.ID, TrafficPercent: 101}, errs.CodeValidation},
		{"negative sample", rollout.StartParams{AgentID: "A", CandidateVersionID: v2.ID, BaselineVersionID: v1.ID, MinimumSampleSize: -1}, errs.CodeValidation},
		{"candidate equals baseline", rollout.StartParams{AgentID: "A", CandidateVersionID: v1.ID, BaselineVersionID: v1.ID}, errs.CodeValidation},
		{"baseline not active", rollout.StartParams{AgentID: "A", CandidateVersionID: v1.ID, BaselineVersionID: v2.ID}, errs.CodeBaselineMismatch},
		{"unknown candidate", rollout.StartParams{AgentID: "A", CandidateVersionID: uuid.New(), BaselineVersionID: v1.ID}, errs.CodeNotFound},
		{"agent without versions", rollout.StartParams{AgentID: "B", CandidateVersionID: v2.ID, BaselineVersionID: v1.ID}, errs.CodeBaselineMismatch},
		{"missing agent", rollout.StartParams{CandidateVersionID: v2.ID, BaselineVersionID: v1.ID}, errs.CodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.ctl.StartRollout(ctx, tc.p)
			require.Error(t, err)
			assert.Equal(t, tc.code, errs.GetCode(err))
		})
	}
	rollouts, err := h.ms.ListRollouts(ctx, store.ListRolloutsFilter{})
	require.NoError(t, err)
	assert.Empty(t, rollouts)
	assert.Empty(t, h.rec.Events())
}

func TestCancelActiveForAgentIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, policy.Default())
	ctx := context.Background()
	v1, v2 := h.seedVersions(t, "A")

	none, err := h.ctl.CancelActiveForAgent(ctx, "A", "nothing to do", "ops")
	require.NoError(t, err)
	assert.Nil(t, none)

	r, err := h.ctl.StartRollout(ctx, rollout.StartParams{AgentID: "A", CandidateVersionID: v2.ID, BaselineVersionID: v1.ID, TrafficPercent: 10, MinimumSampleSize: 5})
	require.NoError(t, err)

	first, err := h.ctl.CancelActiveForAgent(ctx, "A", "operator abort", "ops")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, r.ID, first.ID)
	assert.Equal(t, models.RolloutCancelled, first.Status)
	assert.Equal(t, "operator abort", first.DecisionReason)

	second, err := h.ctl.CancelActiveForAgent(ctx, "A", "operator abort", "ops")
	require.NoError(t, err)
	assert.Nil(t, second)

	after, err := h.ctl.GetRollout(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, first.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, v1.ID, h.activeID(t, "A"))
	assert.Equal(t, []string{events.TypeRolloutStarted, events.TypeRolloutCancelled}, h.rec.Types())
}

func TestDirectActivationBlockedDuringCanary(t *testing.T) {
	h := newHarness(t, nil, policy.Default())
	ctx := context.Background()
	v1, v2 := h.seedVersions(t, "A")

	r, err := h.ctl.StartRollout(ctx, rollout.StartParams{AgentID: "A", CandidateVersionID: v2.ID, BaselineVersionID: v1.ID, TrafficPercent: 10, MinimumSampleSize: 5})
	require.NoError(t, err)

	_, err = h.versions.CreateVersion(ctx, versions.CreateParams{AgentID: "A", Content: "You are Joi. v3", Source: models.SourceManual}, true)
	require.Error(t, err)
	assert.Equal(t, errs.CodeRolloutConflict, errs.GetCode(err))
	assert.Equal(t, v1.ID, h.activeID(t, "A"))

	list, err := h.versions.ListRecent(ctx, "A", 10)
	require.NoError(t, err)
	assert.Len(t, list, 2, "the refused version must not be inserted")

	// inactive versions can still be staged while the canary runs
	v3, err := h.versions.CreateVersion(ctx, versions.CreateParams{AgentID: "A", Content: "You are Joi. v3", Source: models.SourceManual}, false)
	require.NoError(t, err)
	assert.False(t, v3.IsActive)

	rolled, err := h.ctl.Rollback(ctx, r.ID, "regression", "ops")
	require.NoError(t, err)
	assert.Equal(t, models.RolloutRolledBack, rolled.Status)
	assert.Equal(t, v1.ID, h.activeID(t, "A"))

	v4, err := h.versions.CreateVersion(ctx, versions.CreateParams{AgentID: "A", Content: "You are Joi. v4", Source: models.SourceManual}, true)
	require.NoError(t, err)
	assert.Equal(t, v4.ID, h.activeID(t, "A"))
	assertInvariants(t, h.ms, "A")
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	ctx := context.Background()
	finish := map[models.RolloutStatus]func(c *rollout.Controller, id uuid.UUID) error{
		models.RolloutPromoted: func(c *rollout.Controller, id uuid.UUID) error {
			_, err := c.Promote(ctx, id, "", "ops")
			return err
		},
		models.RolloutRolledBack: func(c *rollout.Controller, id uuid.UUID) error {
			_, err := c.Rollback(ctx, id, "", "ops")
			return err
		},
		models.RolloutCancelled: func(c *rollout.Controller, id uuid.UUID) error {
			_, err := c.Cancel(ctx, id, "", "ops")
			return err
		},
	}
	for status, fn := range finish {
		status, fn := status, fn
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t, nil, policy.Default())
			v1, v2 := h.seedVersions(t, "A")
			r, err := h.ctl.StartRollout(ctx, rollout.StartParams{AgentID: "A", CandidateVersionID: v2.ID, BaselineVersionID: v1.ID, TrafficPercent: 10, MinimumSampleSize: 1})
			require.NoError(t, err)
			require.NoError(t, fn(h.ctl, r.ID))

			before, err := h.ctl.GetRollout(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, status, before.Status)
			activeBefore := h.activeID(t, "A")

			for _, again := range finish {
				err := again(h.ctl, r.ID)
				require.Error(t, err)
				assert.True(t, errs.Is(err, errs.CodeNotActive))
			}
			_, err = h.ctl.Evaluate(ctx, r.ID, true)
			assert.True(t, errs.Is(err, errs.CodeNotActive))

			after, err := h.ctl.GetRollout(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.Equal(t, activeBefore, h.activeID(t, "A"))
			assertInvariants(t, h.ms, "A")
		})
	}
}

func TestManualPromoteIsAtomic(t *testing.T) {
	h := newHarness(t, nil, policy.Default())
	ctx := context.Background()
	v1, v2 := h.seedVersions(t, "A")
	r, err := h.ctl.StartRollout(ctx, rollout.StartParams{AgentID: "A", CandidateVersionID: v2.ID, BaselineVersionID: v1.ID, TrafficPercent: 50, MinimumSampleSize: 1000})
	require.NoError(t, err)

	out, err := h.ctl.Promote(ctx, r.ID, "looks good", "ops@joi")
	require.NoError(t, err)
	assert.Equal(t, models.RolloutPromoted, out.Status)
	assert.Equal(t, "looks good", out.DecisionReason)
	assert.Contains(t, string(out.Metadata), `"decidedBy":"operator"`)
	assert.Contains(t, string(out.Metadata), `"actor":"ops@joi"`)
	assert.Equal(t, v2.ID, h.activeID(t, "A"))
	assertInvariants(t, h.ms, "A")
}

func TestUnknownRollout(t *testing.T) {
	h := newHarness(t, nil, policy.Default())
	_, err := h.ctl.Promote(context.Background(), uuid.New(), "", "ops")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
	_, err = h.ctl.Evaluate(context.Background(), uuid.New(), false)
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestConcurrentOverridesResolveOnce(t *testing.T) {
	h := newHarness(t, nil, policy.Default())
	ctx := context.Background()
	v1, v2 := h.seedVersions(t, "A")
	r, err := h.ctl.StartRollout(ctx, rollout.StartParams{AgentID: "A", CandidateVersionID: v2.ID, BaselineVersionID: v1.ID, TrafficPercent: 10, MinimumSampleSize: 1})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, results[i] = h.ctl.Promote(ctx, r.ID, "", "ops")
			} else {
				_, results[i] = h.ctl.Rollback(ctx, r.ID, "", "ops")
			}
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errs.Is(err, errs.CodeNotActive), "unexpected error %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assertInvariants(t, h.ms, "A")
}

type failingSink struct{}

func (failingSink) Publish(ctx context.Context, ev events.Event) error {
	return errors.New("broker down")
}

func TestSinkFailureDoesNotFailTransition(t *testing.T) {
	ms := store.NewMemoryStore()
	vs := versions.NewService(ms, nil)
	ctl := rollout.NewController(rollout.Deps{Store: ms, Versions: vs, Sink: failingSink{}})
	ctx := context.Background()

	v1, err := vs.EnsureInitialVersion(ctx, "A", "v1")
	require.NoError(t, err)
	v2, err := vs.CreateVersion(ctx, versions.CreateParams{AgentID: "A", Content: "v2", Source: models.SourceManual}, false)
	require.NoError(t, err)
	r, err := ctl.StartRollout(ctx, rollout.StartParams{AgentID: "A", CandidateVersionID: v2.ID, BaselineVersionID: v1.ID, TrafficPercent: 10})
	require.NoError(t, err)
	_, err = ctl.Promote(ctx, r.ID, "", "ops")
	require.NoError(t, err)
}

func TestRecordInteractionValidation(t *testing.T) {
	h := newHarness(t, nil, policy.Default())
	v1, _ := h.seedVersions(t, "A")

	_, err := h.ctl.RecordInteraction(context.Background(), rollout.InteractionParams{AgentID: "B", VersionID: v1.ID, Success: true})
	assert.True(t, errs.Is(err, errs.CodeNotFound))
	_, err = h.ctl.RecordInteraction(context.Background(), rollout.InteractionParams{VersionID: v1.ID})
	assert.True(t, errs.Is(err, errs.CodeValidation))
}
