package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/joi/persona-control/internal/models"
)

const (
	versionColumns = `id, agent_id, content, content_checksum, source, author, change_summary, review_id, quality_run_id, quality_status, parent_version_id, metadata, is_active, created_at`
	rolloutColumns = `id, agent_id, baseline_version_id, candidate_version_id, traffic_percent, minimum_sample_size, status, decision_reason, metadata, created_at, updated_at`

	pqUniqueViolation = "23505"
)

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVersion(row rowScanner) (models.PersonaVersion, error) {
	var (
		v        models.PersonaVersion
		reviewID sql.NullString
		runID    sql.NullString
		parent   uuid.NullUUID
		metadata []byte
	)
	if err := row.Scan(
		&v.ID,
		&v.AgentID,
		&v.Content,
		&v.ContentChecksum,
		&v.Source,
		&v.Author,
		&v.ChangeSummary,
		&reviewID,
		&runID,
		&v.QualityStatus,
		&parent,
		&metadata,
		&v.IsActive,
		&v.CreatedAt,
	); err != nil {
		return models.PersonaVersion{}, err
	}
	if reviewID.Valid {
		v.ReviewID = &reviewID.String
	}
	if runID.Valid {
		v.QualityRunID = &runID.String
	}
	if parent.Valid {
		id := parent.UUID
		v.ParentVersionID = &id
	}
	v.Metadata = append(json.RawMessage(nil), metadata...)
	return v, nil
}

func scanRollout(row rowScanner) (models.PersonaRollout, error) {
	var (
		r        models.PersonaRollout
		metadata []byte
	)
	if err := row.Scan(
		&r.ID,
		&r.AgentID,
		&r.BaselineVersionID,
		&r.CandidateVersionID,
		&r.TrafficPercent,
		&r.MinimumSampleSize,
		&r.Status,
		&r.DecisionReason,
		&metadata,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return models.PersonaRollout{}, err
	}
	r.Metadata = append(json.RawMessage(nil), metadata...)
	return r, nil
}

// mapWriteError turns a violation of one of the partial unique indexes into
// ErrConflict.
func mapWriteError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
		return fmt.Errorf("%s: %w (%s)", op, ErrConflict, pqErr.Constraint)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *PGStore) WithinAgent(ctx context.Context, agentID string, fn func(tx AgentTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Serializes every writer for this agent across service instances until
	// commit or rollback.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, agentID); err != nil {
		return fmt.Errorf("lock agent %s: %w", agentID, err)
	}
	if err := fn(&pgAgentTx{q: tx, agentID: agentID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapWriteError("commit agent tx", err)
	}
	return nil
}

func (s *PGStore) GetActiveVersion(ctx context.Context, agentID string) (models.PersonaVersion, error) {
	return activeVersion(ctx, s.db, agentID)
}

func (s *PGStore) GetVersion(ctx context.Context, agentID string, id uuid.UUID) (models.PersonaVersion, error) {
	return getVersion(ctx, s.db, agentID, id)
}

func (s *PGStore) ListVersions(ctx context.Context, agentID string, limit int) ([]models.PersonaVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM persona_versions WHERE agent_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, agentID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []models.PersonaVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return versions, nil
}

func (s *PGStore) GetRollout(ctx context.Context, id uuid.UUID) (models.PersonaRollout, error) {
	query := `SELECT ` + rolloutColumns + ` FROM persona_rollouts WHERE id=$1`
	r, err := scanRollout(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PersonaRollout{}, ErrNotFound
		}
		return models.PersonaRollout{}, fmt.Errorf("get rollout: %w", err)
	}
	return r, nil
}

func (s *PGStore) GetActiveRollout(ctx context.Context, agentID string) (models.PersonaRollout, error) {
	return activeRollout(ctx, s.db, agentID)
}

func (s *PGStore) ListRollouts(ctx context.Context, filter ListRolloutsFilter) ([]models.PersonaRollout, error) {
	query := `SELECT ` + rolloutColumns + ` FROM persona_rollouts WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.AgentID != "" {
		query += fmt.Sprintf(" AND agent_id = $%d", argPos)
		args = append(args, filter.AgentID)
		argPos++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	return s.queryRollouts(ctx, "list rollouts", query, args...)
}

func (s *PGStore) ListActiveRollouts(ctx context.Context, limit int) ([]models.PersonaRollout, error) {
	query := `SELECT ` + rolloutColumns + ` FROM persona_rollouts WHERE status=$1 ORDER BY created_at ASC LIMIT $2`
	return s.queryRollouts(ctx, "list active rollouts", query, models.RolloutCanaryActive, normalizeLimit(limit))
}

func (s *PGStore) ListStaleRollouts(ctx context.Context, createdBefore time.Time, limit int) ([]models.PersonaRollout, error) {
	query := `SELECT ` + rolloutColumns + ` FROM persona_rollouts WHERE status=$1 AND created_at < $2 ORDER BY created_at ASC LIMIT $3`
	return s.queryRollouts(ctx, "list stale rollouts", query, models.RolloutCanaryActive, createdBefore, normalizeLimit(limit))
}

func (s *PGStore) CountStaleRollouts(ctx context.Context, createdBefore time.Time) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM persona_rollouts WHERE status=$1 AND created_at < $2`
	if err := s.db.QueryRowContext(ctx, query, models.RolloutCanaryActive, createdBefore).Scan(&n); err != nil {
		return 0, fmt.Errorf("count stale rollouts: %w", err)
	}
	return n, nil
}

func (s *PGStore) queryRollouts(ctx context.Context, op, query string, args ...interface{}) ([]models.PersonaRollout, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var rollouts []models.PersonaRollout
	for rows.Next() {
		r, err := scanRollout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rollout: %w", err)
		}
		rollouts = append(rollouts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return rollouts, nil
}

func (s *PGStore) RolloutStatusCounts(ctx context.Context) (map[models.RolloutStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM persona_rollouts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count rollouts: %w", err)
	}
	defer rows.Close()

	counts := map[models.RolloutStatus]int{}
	for rows.Next() {
		var (
			status models.RolloutStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan rollout count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count rollouts: %w", err)
	}
	return counts, nil
}

func (s *PGStore) RecordInteraction(ctx context.Context, in InteractionInput) (models.InteractionScore, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.At.IsZero() {
		in.At = time.Now().UTC()
	}
	query := `
		INSERT INTO persona_interactions (id, agent_id, version_id, success, score, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	if _, err := s.db.ExecContext(ctx, query, in.ID, in.AgentID, in.VersionID, in.Success, in.Score, in.At); err != nil {
		return models.InteractionScore{}, fmt.Errorf("insert interaction: %w", err)
	}
	return models.InteractionScore{
		ID:        in.ID,
		AgentID:   in.AgentID,
		VersionID: in.VersionID,
		Success:   in.Success,
		Score:     in.Score,
		CreatedAt: in.At,
	}, nil
}

func (s *PGStore) SampleMetrics(ctx context.Context, agentID string, versionID uuid.UUID, since time.Time) (models.SampleMetrics, error) {
	query := `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE success), COALESCE(AVG(score), 0)
		FROM persona_interactions
		WHERE agent_id=$1 AND version_id=$2 AND created_at >= $3
	`
	m := models.SampleMetrics{VersionID: versionID}
	if err := s.db.QueryRowContext(ctx, query, agentID, versionID, since).Scan(&m.Count, &m.Successes, &m.MeanScore); err != nil {
		return models.SampleMetrics{}, fmt.Errorf("sample metrics: %w", err)
	}
	return m, nil
}

func (s *PGStore) CountPendingChangeRequests(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM persona_change_requests WHERE status='pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending change requests: %w", err)
	}
	return n, nil
}

func (s *PGStore) CountAgentsWithVersion(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT agent_id) FROM persona_versions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return n, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type pgAgentTx struct {
	q       queryer
	agentID string
}

func (t *pgAgentTx) AgentID() string { return t.agentID }

func (t *pgAgentTx) ActiveVersion(ctx context.Context) (models.PersonaVersion, error) {
	return activeVersion(ctx, t.q, t.agentID)
}

func (t *pgAgentTx) GetVersion(ctx context.Context, id uuid.UUID) (models.PersonaVersion, error) {
	return getVersion(ctx, t.q, t.agentID, id)
}

func (t *pgAgentTx) InsertVersion(ctx context.Context, in VersionInput) (models.PersonaVersion, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.QualityStatus == "" {
		in.QualityStatus = models.QualityNotRun
	}
	query := `
		INSERT INTO persona_versions (id, agent_id, content, content_checksum, source, author, change_summary, review_id, quality_run_id, quality_status, parent_version_id, metadata, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,false)
		RETURNING created_at
	`
	var parent uuid.NullUUID
	if in.ParentVersionID != nil {
		parent = uuid.NullUUID{UUID: *in.ParentVersionID, Valid: true}
	}
	var createdAt time.Time
	if err := t.q.QueryRowContext(ctx, query,
		in.ID, t.agentID, in.Content, in.ContentChecksum, in.Source, in.Author, in.ChangeSummary,
		nullString(in.ReviewID), nullString(in.QualityRunID), in.QualityStatus, parent, ensureJSON(in.Metadata),
	).Scan(&createdAt); err != nil {
		return models.PersonaVersion{}, mapWriteError("insert version", err)
	}
	return models.PersonaVersion{
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
		Metadata:        ensureJSON(in.Metadata),
		CreatedAt:       createdAt,
	}, nil
}

func (t *pgAgentTx) ActivateVersion(ctx context.Context, id uuid.UUID) error {
	// Clear first so the one-active index never sees two rows.
	if _, err := t.q.ExecContext(ctx, `UPDATE persona_versions SET is_active=false WHERE agent_id=$1 AND is_active AND id <> $2`, t.agentID, id); err != nil {
		return mapWriteError("deactivate versions", err)
	}
	res, err := t.q.ExecContext(ctx, `UPDATE persona_versions SET is_active=true WHERE agent_id=$1 AND id=$2`, t.agentID, id)
	if err != nil {
		return mapWriteError("activate version", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgAgentTx) ActiveRollout(ctx context.Context) (models.PersonaRollout, error) {
	return activeRollout(ctx, t.q, t.agentID)
}

func (t *pgAgentTx) GetRollout(ctx context.Context, id uuid.UUID) (models.PersonaRollout, error) {
	query := `SELECT ` + rolloutColumns + ` FROM persona_rollouts WHERE id=$1 AND agent_id=$2`
	r, err := scanRollout(t.q.QueryRowContext(ctx, query, id, t.agentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PersonaRollout{}, ErrNotFound
		}
		return models.PersonaRollout{}, fmt.Errorf("get rollout: %w", err)
	}
	return r, nil
}

func (t *pgAgentTx) InsertRollout(ctx context.Context, in RolloutInput) (models.PersonaRollout, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO persona_rollouts (id, agent_id, baseline_version_id, candidate_version_id, traffic_percent, minimum_sample_size, status, decision_reason, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at
	`
	out := models.PersonaRollout{
		ID:                 in.ID,
		AgentID:            t.agentID,
		BaselineVersionID:  in.BaselineVersionID,
		CandidateVersionID: in.CandidateVersionID,
		TrafficPercent:     in.TrafficPercent,
		MinimumSampleSize:  in.MinimumSampleSize,
		Status:             models.RolloutCanaryActive,
		DecisionReason:     in.DecisionReason,
		Metadata:           ensureJSON(in.Metadata),
	}
	if err := t.q.QueryRowContext(ctx, query,
		out.ID, out.AgentID, out.BaselineVersionID, out.CandidateVersionID, out.TrafficPercent,
		out.MinimumSampleSize, out.Status, out.DecisionReason, out.Metadata,
	).Scan(&out.CreatedAt, &out.UpdatedAt); err != nil {
		return models.PersonaRollout{}, mapWriteError("insert rollout", err)
	}
	return out, nil
}

func (t *pgAgentTx) TransitionRollout(ctx context.Context, in RolloutTransition) (models.PersonaRollout, error) {
	query := `
		UPDATE persona_rollouts
		SET status=$1, decision_reason=$2, metadata=metadata || $3::jsonb, updated_at=now()
		WHERE id=$4 AND agent_id=$5 AND status=$6
		RETURNING ` + rolloutColumns
	r, err := scanRollout(t.q.QueryRowContext(ctx, query, in.To, in.Reason, ensureJSON(in.Metadata), in.ID, t.agentID, in.From))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PersonaRollout{}, ErrConflict
		}
		return models.PersonaRollout{}, mapWriteError("transition rollout", err)
	}
	return r, nil
}

func activeVersion(ctx context.Context, q queryer, agentID string) (models.PersonaVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM persona_versions WHERE agent_id=$1 AND is_active`
	v, err := scanVersion(q.QueryRowContext(ctx, query, agentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PersonaVersion{}, ErrNotFound
		}
		return models.PersonaVersion{}, fmt.Errorf("get active version: %w", err)
	}
	return v, nil
}

func getVersion(ctx context.Context, q queryer, agentID string, id uuid.UUID) (models.PersonaVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM persona_versions WHERE agent_id=$1 AND id=$2`
	v, err := scanVersion(q.QueryRowContext(ctx, query, agentID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PersonaVersion{}, ErrNotFound
		}
		return models.PersonaVersion{}, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

func activeRollout(ctx context.Context, q queryer, agentID string) (models.PersonaRollout, error) {
	query := `SELECT ` + rolloutColumns + ` FROM persona_rollouts WHERE agent_id=$1 AND status=$2`
	r, err := scanRollout(q.QueryRowContext(ctx, query, agentID, models.RolloutCanaryActive))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PersonaRollout{}, ErrNotFound
		}
		return models.PersonaRollout{}, fmt.Errorf("get active rollout: %w", err)
	}
	return r, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
