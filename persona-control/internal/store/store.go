package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/joi/persona-control/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would break a per-agent uniqueness
	// rule or when a conditional status update matched no row.
	ErrConflict = errors.New("conflict")
)

// Store is the persistence boundary for persona versions, rollouts and
// interaction scores. Every write to the active flag or rollout status goes
// through WithinAgent.
type Store interface {
	// WithinAgent runs fn inside a transaction that holds the agent's lock for
	// its whole duration. fn's writes are committed only when it returns nil.
	WithinAgent(ctx context.Context, agentID string, fn func(tx AgentTx) error) error

	GetActiveVersion(ctx context.Context, agentID string) (models.PersonaVersion, error)
	GetVersion(ctx context.Context, agentID string, id uuid.UUID) (models.PersonaVersion, error)
	ListVersions(ctx context.Context, agentID string, limit int) ([]models.PersonaVersion, error)

	GetRollout(ctx context.Context, id uuid.UUID) (models.PersonaRollout, error)
	GetActiveRollout(ctx context.Context, agentID string) (models.PersonaRollout, error)
	ListRollouts(ctx context.Context, filter ListRolloutsFilter) ([]models.PersonaRollout, error)
	// ListActiveRollouts returns canary_active rollouts oldest first.
	ListActiveRollouts(ctx context.Context, limit int) ([]models.PersonaRollout, error)
	ListStaleRollouts(ctx context.Context, createdBefore time.Time, limit int) ([]models.PersonaRollout, error)
	// CountStaleRollouts counts canary_active rollouts created before createdBefore, uncapped.
	CountStaleRollouts(ctx context.Context, createdBefore time.Time) (int, error)
	RolloutStatusCounts(ctx context.Context) (map[models.RolloutStatus]int, error)

	RecordInteraction(ctx context.Context, in InteractionInput) (models.InteractionScore, error)
	SampleMetrics(ctx context.Context, agentID string, versionID uuid.UUID, since time.Time) (models.SampleMetrics, error)

	CountPendingChangeRequests(ctx context.Context) (int, error)
	CountAgentsWithVersion(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// AgentTx is the set of operations available while holding one agent's lock.
// All lookups are scoped to that agent.
type AgentTx interface {
	AgentID() string
	ActiveVersion(ctx context.Context) (models.PersonaVersion, error)
	GetVersion(ctx context.Context, id uuid.UUID) (models.PersonaVersion, error)
	InsertVersion(ctx context.Context, in VersionInput) (models.PersonaVersion, error)
	// ActivateVersion clears the current active flag and sets it on id.
	ActivateVersion(ctx context.Context, id uuid.UUID) error
	ActiveRollout(ctx context.Context) (models.PersonaRollout, error)
	GetRollout(ctx context.Context, id uuid.UUID) (models.PersonaRollout, error)
	InsertRollout(ctx context.Context, in RolloutInput) (models.PersonaRollout, error)
	// TransitionRollout moves a rollout out of From. It fails with ErrConflict
	// when the stored status is no longer From.
	TransitionRollout(ctx context.Context, in RolloutTransition) (models.PersonaRollout, error)
}

type VersionInput struct {
	ID              uuid.UUID
	Content         string
	ContentChecksum string
	Source          models.VersionSource
	Author          string
	ChangeSummary   string
	ReviewID        *string
	QualityRunID    *string
	QualityStatus   models.QualityStatus
	ParentVersionID *uuid.UUID
	Metadata        json.RawMessage
}

type RolloutInput struct {
	ID                 uuid.UUID
	BaselineVersionID  uuid.UUID
	CandidateVersionID uuid.UUID
	TrafficPercent     int
	MinimumSampleSize  int
	DecisionReason     string
	Metadata           json.RawMessage
}

type RolloutTransition struct {
	ID     uuid.UUID
	From   models.RolloutStatus
	To     models.RolloutStatus
	Reason string
	// Metadata keys are merged over the stored metadata.
	Metadata json.RawMessage
}

type InteractionInput struct {
	ID        uuid.UUID
	AgentID   string
	VersionID uuid.UUID
	Success   bool
	Score     float64
	At        time.Time
}

type ListRolloutsFilter struct {
	AgentID string
	Status  models.RolloutStatus
	Limit   int
}

func ensureJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func mergeJSON(base, overlay json.RawMessage) (json.RawMessage, error) {
	if len(overlay) == 0 {
		return ensureJSON(base), nil
	}
	merged := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, err
		}
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal(overlay, &extra); err != nil {
		return nil, err
	}
	for k, v := range extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}
