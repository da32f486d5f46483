package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/joi/persona-control/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests. It
// enforces the same one-active-version and one-canary rules as the partial
// unique indexes in the Postgres schema, checked at commit.
type MemoryStore struct {
	txMu sync.Mutex // held for the duration of a WithinAgent call

	mu             sync.RWMutex
	now            func() time.Time
	seq            int64
	versions       map[uuid.UUID]memVersion
	rollouts       map[uuid.UUID]memRollout
	interactions   []models.InteractionScore
	changeRequests map[string]string
}

type memVersion struct {
	models.PersonaVersion
	seq int64
}

type memRollout struct {
	models.PersonaRollout
	seq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:            func() time.Time { return time.Now().UTC() },
		versions:       map[uuid.UUID]memVersion{},
		rollouts:       map[uuid.UUID]memRollout{},
		changeRequests: map[string]string{},
	}
}

// SetClock overrides the timestamp source for rows written after the call.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// PutChangeRequest records a review-queue entry for governance counts.
func (m *MemoryStore) PutChangeRequest(id, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeRequests[id] = status
}

func copyJSON(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func (m *MemoryStore) WithinAgent(ctx context.Context, agentID string, fn func(tx AgentTx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	tx := &memAgentTx{
		agentID:  agentID,
		now:      m.now,
		seq:      m.seq,
		versions: map[uuid.UUID]memVersion{},
		rollouts: map[uuid.UUID]memRollout{},
	}
	for id, v := range m.versions {
		if v.AgentID == agentID {
			tx.versions[id] = v
		}
	}
	for id, r := range m.rollouts {
		if r.AgentID == agentID {
			tx.rollouts[id] = r
		}
	}
	m.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.checkConstraints(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, v := range tx.versions {
		m.versions[id] = v
	}
	for id, r := range tx.rollouts {
		m.rollouts[id] = r
	}
	m.seq = tx.seq
	return nil
}

func (m *MemoryStore) GetActiveVersion(ctx context.Context, agentID string) (models.PersonaVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.versions {
		if v.AgentID == agentID && v.IsActive {
			return cloneVersion(v.PersonaVersion), nil
		}
	}
	return models.PersonaVersion{}, ErrNotFound
}

func (m *MemoryStore) GetVersion(ctx context.Context, agentID string, id uuid.UUID) (models.PersonaVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[id]
	if !ok || v.AgentID != agentID {
		return models.PersonaVersion{}, ErrNotFound
	}
	return cloneVersion(v.PersonaVersion), nil
}

func (m *MemoryStore) ListVersions(ctx context.Context, agentID string, limit int) ([]models.PersonaVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []memVersion
	for _, v := range m.versions {
		if v.AgentID == agentID {
			rows = append(rows, v)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq > rows[j].seq })
	limit = normalizeLimit(limit)
	var out []models.PersonaVersion
	for i, v := range rows {
		if i >= limit {
			break
		}
		out = append(out, cloneVersion(v.PersonaVersion))
	}
	return out, nil
}

func (m *MemoryStore) GetRollout(ctx context.Context, id uuid.UUID) (models.PersonaRollout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rollouts[id]
	if !ok {
		return models.PersonaRollout{}, ErrNotFound
	}
	return cloneRollout(r.PersonaRollout), nil
}

func (m *MemoryStore) GetActiveRollout(ctx context.Context, agentID string) (models.PersonaRollout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rollouts {
		if r.AgentID == agentID && r.Status == models.RolloutCanaryActive {
			return cloneRollout(r.PersonaRollout), nil
		}
	}
	return models.PersonaRollout{}, ErrNotFound
}

func (m *MemoryStore) ListRollouts(ctx context.Context, filter ListRolloutsFilter) ([]models.PersonaRollout, error) {
	rows := m.selectRollouts(func(r memRollout) bool {
		if filter.AgentID != "" && r.AgentID != filter.AgentID {
			return false
		}
		return filter.Status == "" || r.Status == filter.Status
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq > rows[j].seq })
	return limitRollouts(rows, filter.Limit), nil
}

func (m *MemoryStore) ListActiveRollouts(ctx context.Context, limit int) ([]models.PersonaRollout, error) {
	rows := m.selectRollouts(func(r memRollout) bool { return r.Status == models.RolloutCanaryActive })
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	return limitRollouts(rows, limit), nil
}

func (m *MemoryStore) ListStaleRollouts(ctx context.Context, createdBefore time.Time, limit int) ([]models.PersonaRollout, error) {
	rows := m.selectRollouts(func(r memRollout) bool {
		return r.Status == models.RolloutCanaryActive && r.CreatedAt.Before(createdBefore)
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	return limitRollouts(rows, limit), nil
}

func (m *MemoryStore) selectRollouts(keep func(memRollout) bool) []memRollout {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []memRollout
	for _, r := range m.rollouts {
		if keep(r) {
			rows = append(rows, r)
		}
	}
	return rows
}

func limitRollouts(rows []memRollout, limit int) []models.PersonaRollout {
	limit = normalizeLimit(limit)
	var out []models.PersonaRollout
	for i, r := range rows {
		if i >= limit {
			break
		}
		out = append(out, cloneRollout(r.PersonaRollout))
	}
	return out
}

func (m *MemoryStore) CountStaleRollouts(ctx context.Context, createdBefore time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.rollouts {
		if r.Status == models.RolloutCanaryActive && r.CreatedAt.Before(createdBefore) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) RolloutStatusCounts(ctx context.Context) (map[models.RolloutStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[models.RolloutStatus]int{}
	for _, r := range m.rollouts {
		counts[r.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) RecordInteraction(ctx context.Context, in InteractionInput) (models.InteractionScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.At.IsZero() {
		in.At = m.now()
	}
	v, ok := m.versions[in.VersionID]
	if !ok || v.AgentID != in.AgentID {
		return models.InteractionScore{}, fmt.Errorf("insert interaction: %w", ErrNotFound)
	}
	score := models.InteractionScore{
		ID:        in.ID,
		AgentID:   in.AgentID,
		VersionID: in.VersionID,
		Success:   in.Success,
		Score:     in.Score,
		CreatedAt: in.At,
	}
	m.interactions = append(m.interactions, score)
	return score, nil
}

func (m *MemoryStore) SampleMetrics(ctx context.Context, agentID string, versionID uuid.UUID, since time.Time) (models.SampleMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := models.SampleMetrics{VersionID: versionID}
	var total float64
	for _, it := range m.interactions {
		if it.AgentID != agentID || it.VersionID != versionID || it.CreatedAt.Before(since) {
			continue
		}
		out.Count++
		if it.Success {
			out.Successes++
		}
		total += it.Score
	}
	if out.Count > 0 {
		out.MeanScore = total / float64(out.Count)
	}
	return out, nil
}

func (m *MemoryStore) CountPendingChangeRequests(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, status := range m.changeRequests {
		if status == "pending" {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountAgentsWithVersion(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agents := map[string]struct{}{}
	for _, v := range m.versions {
		agents[v.AgentID] = struct{}{}
	}
	return len(agents), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// memAgentTx works on a private copy of one agent's rows. MemoryStore copies
// them back only when the callback succeeds.
type memAgentTx struct {
	agentID  string
	now      func() time.Time
	seq      int64
	versions map[uuid.UUID]memVersion
	rollouts map[uuid.UUID]memRollout
}

func (t *memAgentTx) AgentID() string { return t.agentID }

func (t *memAgentTx) nextSeq() int64 {
	t.seq++
	return t.seq
}

func (t *memAgentTx) ActiveVersion(ctx context.Context) (models.PersonaVersion, error) {
	for _, v := range t.versions {
		if v.IsActive {
			return cloneVersion(v.PersonaVersion), nil
		}
	}
	return models.PersonaVersion{}, ErrNotFound
}

func (t *memAgentTx) GetVersion(ctx context.Context, id uuid.UUID) (models.PersonaVersion, error) {
	v, ok := t.versions[id]
	if !ok {
		return models.PersonaVersion{}, ErrNotFound
	}
	return cloneVersion(v.PersonaVersion), nil
}

func (t *memAgentTx) InsertVersion(ctx context.Context, in VersionInput) (models.PersonaVersion, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if _, exists := t.versions[in.ID]; exists {
		return models.PersonaVersion{}, fmt.Errorf("insert version: %w", ErrConflict)
	}
	if in.QualityStatus == "" {
		in.QualityStatus = models.QualityNotRun
	}
	v := models.PersonaVersion{
		ID:              in.ID,
		AgentID:         t.agentID,
		Content:         in.Content,
		ContentChecksum: in.ContentChecksum,
		Source:          in.Source,
		Author:          in.Author,
		ChangeSummary:   in.ChangeSummary,
		ReviewID:        in.ReviewID,
		QualityRunID:    in.QualityRunID,
		QualityStatus:   in.QualityStatus,
		ParentVersionID: in.ParentVersionID,
		Metadata:        copyJSON(in.Metadata),
		CreatedAt:       t.now(),
	}
	t.versions[v.ID] = memVersion{PersonaVersion: v, seq: t.nextSeq()}
	return cloneVersion(v), nil
}

func (t *memAgentTx) ActivateVersion(ctx context.Context, id uuid.UUID) error {
	target, ok := t.versions[id]
	if !ok {
		return ErrNotFound
	}
	for vid, v := range t.versions {
		if v.IsActive && vid != id {
			v.IsActive = false
			t.versions[vid] = v
		}
	}
	target.IsActive = true
	t.versions[id] = target
	return nil
}

func (t *memAgentTx) ActiveRollout(ctx context.Context) (models.PersonaRollout, error) {
	for _, r := range t.rollouts {
		if r.Status == models.RolloutCanaryActive {
			return cloneRollout(r.PersonaRollout), nil
		}
	}
	return models.PersonaRollout{}, ErrNotFound
}

func (t *memAgentTx) GetRollout(ctx context.Context, id uuid.UUID) (models.PersonaRollout, error) {
	r, ok := t.rollouts[id]
	if !ok {
		return models.PersonaRollout{}, ErrNotFound
	}
	return cloneRollout(r.PersonaRollout), nil
}

func (t *memAgentTx) InsertRollout(ctx context.Context, in RolloutInput) (models.PersonaRollout, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if _, exists := t.rollouts[in.ID]; exists {
		return models.PersonaRollout{}, fmt.Errorf("insert rollout: %w", ErrConflict)
	}
	now := t.now()
	r := models.PersonaRollout{
		ID:                 in.ID,
		AgentID:            t.agentID,
		BaselineVersionID:  in.BaselineVersionID,
		CandidateVersionID: in.CandidateVersionID,
		TrafficPercent:     in.TrafficPercent,
		MinimumSampleSize:  in.MinimumSampleSize,
		Status:             models.RolloutCanaryActive,
		DecisionReason:     in.DecisionReason,
		Metadata:           copyJSON(in.Metadata),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	t.rollouts[r.ID] = memRollout{PersonaRollout: r, seq: t.nextSeq()}
	return cloneRollout(r), nil
}

func (t *memAgentTx) TransitionRollout(ctx context.Context, in RolloutTransition) (models.PersonaRollout, error) {
	r, ok := t.rollouts[in.ID]
	if !ok || r.Status != in.From {
		return models.PersonaRollout{}, ErrConflict
	}
	merged, err := mergeJSON(r.Metadata, in.Metadata)
	if err != nil {
		return models.PersonaRollout{}, fmt.Errorf("transition rollout: %w", err)
	}
	r.Status = in.To
	r.DecisionReason = in.Reason
	r.Metadata = merged
	r.UpdatedAt = t.now()
	t.rollouts[in.ID] = r
	return cloneRollout(r.PersonaRollout), nil
}

func (t *memAgentTx) checkConstraints() error {
	active := 0
	for _, v := range t.versions {
		if v.IsActive {
			active++
		}
	}
	if active > 1 {
		return fmt.Errorf("commit agent tx: %w (uq_persona_versions_one_active)", ErrConflict)
	}
	canaries := 0
	for _, r := range t.rollouts {
		if r.Status == models.RolloutCanaryActive {
			canaries++
		}
		if r.BaselineVersionID == r.CandidateVersionID {
			return fmt.Errorf("commit agent tx: baseline equals candidate: %w", ErrConflict)
		}
	}
	if canaries > 1 {
		return fmt.Errorf("commit agent tx: %w (uq_persona_rollouts_one_canary)", ErrConflict)
	}
	return nil
}

func cloneVersion(v models.PersonaVersion) models.PersonaVersion {
	v.Metadata = copyJSON(v.Metadata)
	return v
}

func cloneRollout(r models.PersonaRollout) models.PersonaRollout {
	r.Metadata = copyJSON(r.Metadata)
	return r
}
