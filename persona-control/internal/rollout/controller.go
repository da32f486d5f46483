package rollout

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/joi/persona-control/internal/errs"
	"github.com/ILLUVRSE/joi/persona-control/internal/evaluation"
	"github.com/ILLUVRSE/joi/persona-control/internal/events"
	"github.com/ILLUVRSE/joi/persona-control/internal/models"
	"github.com/ILLUVRSE/joi/persona-control/internal/policy"
	"github.com/ILLUVRSE/joi/persona-control/internal/qualitygate"
	"github.com/ILLUVRSE/joi/persona-control/internal/store"
	"github.com/ILLUVRSE/joi/persona-control/internal/versions"
)

const (
	DecidedByEvaluator = "evaluator"
	DecidedByOperator  = "operator"
	DecidedByChange    = "change_request"
)

type Deps struct {
	Store    store.Store
	Versions *versions.Service
	Gate     *qualitygate.Gate
	Policy   policy.Provider
	// Sink receives notifications after commit. Defaults to a log sink.
	Sink events.Sink
	// Concurrency bounds EvaluateAllActive. Defaults to 4.
	Concurrency int
}

// Controller is the only writer of the active flag and of rollout status.
// Every mutation runs inside one agent-scoped store transaction.
type Controller struct {
	store       store.Store
	versions    *versions.Service
	gate        *qualitygate.Gate
	policy      policy.Provider
	sink        events.Sink
	concurrency int
	now         func() time.Time
}

func NewController(d Deps) *Controller {
	if d.Versions == nil {
		d.Versions = versions.NewService(d.Store, nil)
	}
	if d.Gate == nil {
		d.Gate = qualitygate.New(nil, 0)
	}
	if d.Policy == nil {
		d.Policy = policy.NewHolder(policy.Default())
	}
	if d.Sink == nil {
		d.Sink = events.NewLogSink(nil)
	}
	if d.Concurrency <= 0 {
		d.Concurrency = 4
	}
	return &Controller{
		store:       d.Store,
		versions:    d.Versions,
		gate:        d.Gate,
		policy:      d.Policy,
		sink:        d.Sink,
		concurrency: d.Concurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type StartParams struct {
	AgentID            string
	CandidateVersionID uuid.UUID
	BaselineVersionID  uuid.UUID
	TrafficPercent     int
	MinimumSampleSize  int
	Metadata           json.RawMessage
	DecisionReason     string
	Actor              string
}

// StartRollout opens a canary for an existing, inactive candidate. It never
// cancels an in-flight rollout on the caller's behalf.
func (c *Controller) StartRollout(ctx context.Context, p StartParams) (models.PersonaRollout, error) {
	if err := checkStart(p); err != nil {
		return models.PersonaRollout{}, err
	}
	var out models.PersonaRollout
	err := c.store.WithinAgent(ctx, p.AgentID, func(tx store.AgentTx) error {
		var err error
		out, err = c.startInTx(ctx, tx, p, c.policy.Current())
		return err
	})
	if err != nil {
		return models.PersonaRollout{}, errs.FromStore(err, "Unable to start rollout for agent %s", p.AgentID)
	}
	log.Printf("[rollout] started %s agent=%s candidate=%s baseline=%s traffic=%d%% sample=%d", out.ID, out.AgentID, out.CandidateVersionID, out.BaselineVersionID, out.TrafficPercent, out.MinimumSampleSize)
	c.emit(ctx, rolloutEvent(events.TypeRolloutStarted, out, p.Actor))
	return out, nil
}

func checkStart(p StartParams) error {
	if p.AgentID == "" {
		return errs.New(errs.CodeValidation, "agentId is required")
	}
	if p.TrafficPercent < 0 || p.TrafficPercent > 100 {
		return errs.New(errs.CodeValidation, "trafficPercent must be between 0 and 100 (got %d)", p.TrafficPercent).WithDetail("field", "trafficPercent")
	}
	if p.MinimumSampleSize < 0 {
		return errs.New(errs.CodeValidation, "minimumSampleSize must not be negative (got %d)", p.MinimumSampleSize).WithDetail("field", "minimumSampleSize")
	}
	if p.CandidateVersionID == p.BaselineVersionID {
		return errs.New(errs.CodeValidation, "Candidate version %s must differ from the baseline", p.CandidateVersionID)
	}
	return nil
}

func (c *Controller) startInTx(ctx context.Context, tx store.AgentTx, p StartParams, pol policy.Policy) (models.PersonaRollout, error) {
	if err := checkStart(p); err != nil {
		return models.PersonaRollout{}, err
	}
	existing, err := tx.ActiveRollout(ctx)
	if err == nil {
		return models.PersonaRollout{}, errs.New(errs.CodeRolloutConflict, "Agent %s already has an active rollout %s", tx.AgentID(), existing.ID).
			WithDetail("rolloutId", existing.ID.String())
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.PersonaRollout{}, err
	}

	active, err := tx.ActiveVersion(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return models.PersonaRollout{}, errs.New(errs.CodeBaselineMismatch, "Agent %s has no active version to use as baseline", tx.AgentID())
	}
	if err != nil {
		return models.PersonaRollout{}, err
	}
	if active.ID != p.BaselineVersionID {
		return models.PersonaRollout{}, errs.New(errs.CodeBaselineMismatch, "Baseline %s is not the active version of agent %s (active=%s)", p.BaselineVersionID, tx.AgentID(), active.ID)
	}

	candidate, err := tx.GetVersion(ctx, p.CandidateVersionID)
	if errors.Is(err, store.ErrNotFound) {
		return models.PersonaRollout{}, errs.New(errs.CodeNotFound, "Persona version %s not found for agent %s", p.CandidateVersionID, tx.AgentID())
	}
	if err != nil {
		return models.PersonaRollout{}, err
	}
	if candidate.IsActive {
		return models.PersonaRollout{}, errs.New(errs.CodeValidation, "Candidate version %s is already active", candidate.ID)
	}

	meta, err := stampMetadata(p.Metadata, map[string]interface{}{"policyVersion": pol.Version})
	if err != nil {
		return models.PersonaRollout{}, err
	}
	return tx.InsertRollout(ctx, store.RolloutInput{
		ID:                 uuid.New(),
		BaselineVersionID:  p.BaselineVersionID,
		CandidateVersionID: p.CandidateVersionID,
		TrafficPercent:     p.TrafficPercent,
		MinimumSampleSize:  p.MinimumSampleSize,
		DecisionReason:     p.DecisionReason,
		Metadata:           meta,
	})
}

// CancelActiveForAgent cancels the agent's canary if there is one. It returns
// nil and no error when nothing is active.
func (c *Controller) CancelActiveForAgent(ctx context.Context, agentID, reason, actor string) (*models.PersonaRollout, error) {
	if agentID == "" {
		return nil, errs.New(errs.CodeValidation, "agentId is required")
	}
	var cancelled *models.PersonaRollout
	err := c.store.WithinAgent(ctx, agentID, func(tx store.AgentTx) error {
		var err error
		cancelled, err = c.cancelInTx(ctx, tx, reason, actor, DecidedByOperator)
		return err
	})
	if err != nil {
		return nil, errs.FromStore(err, "Unable to cancel rollout for agent %s", agentID)
	}
	if cancelled != nil {
		log.Printf("[rollout] cancelled %s agent=%s reason=%q", cancelled.ID, agentID, reason)
		c.emit(ctx, rolloutEvent(events.TypeRolloutCancelled, *cancelled, actor))
	}
	return cancelled, nil
}

func (c *Controller) cancelInTx(ctx context.Context, tx store.AgentTx, reason, actor, decidedBy string) (*models.PersonaRollout, error) {
	active, err := tx.ActiveRollout(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled"
	}
	updated, err := c.transitionInTx(ctx, tx, active, models.RolloutCancelled, reason, actor, decidedBy)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Promote activates the candidate and marks the rollout promoted without
// consulting the evaluator.
func (c *Controller) Promote(ctx context.Context, rolloutID uuid.UUID, reason, actor string) (models.PersonaRollout, error) {
	if reason == "" {
		reason = "manual promotion"
	}
	return c.terminate(ctx, rolloutID, models.RolloutPromoted, reason, actor, DecidedByOperator)
}

// Rollback marks the rollout rolled back. The baseline is already active.
func (c *Controller) Rollback(ctx context.Context, rolloutID uuid.UUID, reason, actor string) (models.PersonaRollout, error) {
	if reason == "" {
		reason = "manual rollback"
	}
	return c.terminate(ctx, rolloutID, models.RolloutRolledBack, reason, actor, DecidedByOperator)
}

// Cancel marks one rollout cancelled. Unlike CancelActiveForAgent it refuses a
// rollout that is no longer active.
func (c *Controller) Cancel(ctx context.Context, rolloutID uuid.UUID, reason, actor string) (models.PersonaRollout, error) {
	if reason == "" {
		reason = "cancelled"
	}
	return c.terminate(ctx, rolloutID, models.RolloutCancelled, reason, actor, DecidedByOperator)
}

func (c *Controller) terminate(ctx context.Context, rolloutID uuid.UUID, to models.RolloutStatus, reason, actor, decidedBy string) (models.PersonaRollout, error) {
	r, err := c.loadRollout(ctx, rolloutID)
	if err != nil {
		return models.PersonaRollout{}, err
	}
	if r.Status != models.RolloutCanaryActive {
		return models.PersonaRollout{}, notActive(r)
	}

	var out models.PersonaRollout
	err = c.store.WithinAgent(ctx, r.AgentID, func(tx store.AgentTx) error {
		cur, err := tx.GetRollout(ctx, rolloutID)
		if err != nil {
			return err
		}
		if cur.Status != models.RolloutCanaryActive {
			return notActive(cur)
		}
		out, err = c.transitionInTx(ctx, tx, cur, to, reason, actor, decidedBy)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// lost a race with another writer; report the status it left behind
			if latest, lerr := c.store.GetRollout(ctx, rolloutID); lerr == nil && latest.Status != models.RolloutCanaryActive {
				return models.PersonaRollout{}, notActive(latest)
			}
		}
		return models.PersonaRollout{}, errs.FromStore(err, "Unable to update rollout %s", rolloutID)
	}

	log.Printf("[rollout] %s %s agent=%s by=%s reason=%q", out.Status, out.ID, out.AgentID, decidedBy, reason)
	c.emit(ctx, rolloutEvent(eventTypeFor(to), out, actor))
	return out, nil
}

// transitionInTx moves a canary to a terminal status. Promotion flips the
// active flag to the candidate in the same transaction.
func (c *Controller) transitionInTx(ctx context.Context, tx store.AgentTx, r models.PersonaRollout, to models.RolloutStatus, reason, actor, decidedBy string) (models.PersonaRollout, error) {
	if to == models.RolloutPromoted {
		if err := tx.ActivateVersion(ctx, r.CandidateVersionID); err != nil {
			return models.PersonaRollout{}, err
		}
	}
	meta, err := json.Marshal(map[string]string{
		"decidedBy":     decidedBy,
		"actor":         actor,
		"policyVersion": c.policy.Current().Version,
		"decidedAt":     c.now().Format(time.RFC3339),
	})
	if err != nil {
		return models.PersonaRollout{}, err
	}
	return tx.TransitionRollout(ctx, store.RolloutTransition{
		ID:       r.ID,
		From:     models.RolloutCanaryActive,
		To:       to,
		Reason:   reason,
		Metadata: meta,
	})
}

// EvaluationResult is the outcome of one Evaluate call.
type EvaluationResult struct {
	Rollout  models.PersonaRollout `json:"rollout"`
	Decision evaluation.Decision   `json:"decision"`
	Applied  bool                  `json:"applied"`
}

// Evaluate scores a canary against its baseline using interactions recorded
// since the rollout started. With apply, promote and rollback decisions are
// committed; continue never changes state.
func (c *Controller) Evaluate(ctx context.Context, rolloutID uuid.UUID, apply bool) (EvaluationResult, error) {
	r, err := c.loadRollout(ctx, rolloutID)
	if err != nil {
		return EvaluationResult{}, err
	}
	if r.Status != models.RolloutCanaryActive {
		return EvaluationResult{}, notActive(r)
	}

	baseline, err := c.store.SampleMetrics(ctx, r.AgentID, r.BaselineVersionID, r.CreatedAt)
	if err != nil {
		return EvaluationResult{}, errs.FromStore(err, "Unable to load baseline metrics for rollout %s", r.ID)
	}
	candidate, err := c.store.SampleMetrics(ctx, r.AgentID, r.CandidateVersionID, r.CreatedAt)
	if err != nil {
		return EvaluationResult{}, errs.FromStore(err, "Unable to load candidate metrics for rollout %s", r.ID)
	}
	decision := evaluation.Decide(baseline, candidate, r, c.policy.Current())
	res := EvaluationResult{Rollout: r, Decision: decision}
	if !apply || decision.Action == evaluation.ActionContinue {
		return res, nil
	}

	to := models.RolloutRolledBack
	if decision.Action == evaluation.ActionPromote {
		to = models.RolloutPromoted
	}
	updated, err := c.terminate(ctx, r.ID, to, decision.Reason, DecidedByEvaluator, DecidedByEvaluator)
	if err != nil {
		return res, err
	}
	res.Rollout = updated
	res.Applied = true
	return res, nil
}

func (c *Controller) GetRollout(ctx context.Context, rolloutID uuid.UUID) (models.PersonaRollout, error) {
	return c.loadRollout(ctx, rolloutID)
}

func (c *Controller) loadRollout(ctx context.Context, rolloutID uuid.UUID) (models.PersonaRollout, error) {
	r, err := c.store.GetRollout(ctx, rolloutID)
	if errors.Is(err, store.ErrNotFound) {
		return models.PersonaRollout{}, errs.New(errs.CodeNotFound, "Rollout %s not found", rolloutID)
	}
	if err != nil {
		return models.PersonaRollout{}, errs.FromStore(err, "Unable to load rollout %s", rolloutID)
	}
	return r, nil
}

func notActive(r models.PersonaRollout) error {
	return errs.New(errs.CodeNotActive, "Rollout %s is not active (status=%s)", r.ID, r.Status).
		WithDetail("status", string(r.Status))
}

func (c *Controller) emit(ctx context.Context, ev events.Event) {
	ev.ID = uuid.New()
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	if err := c.sink.Publish(ctx, ev); err != nil {
		log.Printf("[rollout] event %s for agent %s not delivered: %v", ev.Type, ev.AgentID, err)
	}
}

func rolloutEvent(typ string, r models.PersonaRollout, actor string) events.Event {
	id := r.ID
	return events.Event{
		Type:      typ,
		AgentID:   r.AgentID,
		RolloutID: &id,
		Status:    string(r.Status),
		Reason:    r.DecisionReason,
		Actor:     actor,
		At:        r.UpdatedAt,
	}
}

func versionEvent(v models.PersonaVersion, reason, actor string) events.Event {
	id := v.ID
	return events.Event{
		Type:      events.TypeVersionActivated,
		AgentID:   v.AgentID,
		VersionID: &id,
		Status:    "active",
		Reason:    reason,
		Actor:     actor,
		At:        v.CreatedAt,
	}
}

func eventTypeFor(status models.RolloutStatus) string {
	switch status {
	case models.RolloutPromoted:
		return events.TypeRolloutPromoted
	case models.RolloutRolledBack:
		return events.TypeRolloutRolledBack
	default:
		return events.TypeRolloutCancelled
	}
}

// stampMetadata overlays non-empty fields on a JSON object.
func stampMetadata(raw json.RawMessage, fields map[string]interface{}) (json.RawMessage, error) {
	m := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errs.Wrap(errs.CodeValidation, err, "metadata must be a JSON object")
		}
		if m == nil {
			m = map[string]interface{}{}
		}
	}
	for k, v := range fields {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		m[k] = v
	}
	return json.Marshal(m)
}
