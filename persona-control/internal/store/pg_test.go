package store_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/joi/persona-control/internal/models"
	"github.com/ILLUVRSE/joi/persona-control/internal/store"
)

var rolloutCols = []string{"id", "agent_id", "baseline_version_id", "candidate_version_id", "traffic_percent", "minimum_sample_size", "status", "decision_reason", "metadata", "created_at", "updated_at"}
var versionCols = []string{"id", "agent_id", "content", "content_checksum", "source", "author", "change_summary", "review_id", "quality_run_id", "quality_status", "parent_version_id", "metadata", "is_active", "created_at"}

func newMock(t *testing.T) (*store.PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewPGStore(db), mock
}

func expectLock(mock sqlmock.Sqlmock, agentID string) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs(agentID).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestWithinAgentInsertAndActivate(t *testing.T) {
	st, mock := newMock(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := uuid.New()

	expectLock(mock, "agent-1")
	mock.ExpectQuery("INSERT INTO persona_versions").
		WithArgs(id, "agent-1", "persona text", "sum", models.SourceManual, "alice", "", nil, nil, models.QualityNotRun, nil, []byte(`{}`)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE persona_versions SET is_active=false")).
		WithArgs("agent-1", id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE persona_versions SET is_active=true")).
		WithArgs("agent-1", id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var got models.PersonaVersion
	err := st.WithinAgent(context.Background(), "agent-1", func(tx store.AgentTx) error {
		v, err := tx.InsertVersion(context.Background(), store.VersionInput{
			ID:              id,
			Content:         "persona text",
			ContentChecksum: "sum",
			Source:          models.SourceManual,
			Author:          "alice",
		})
		if err != nil {
			return err
		}
		got = v
		return tx.ActivateVersion(context.Background(), v.ID)
	})
	require.NoError(t, err)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, models.QualityNotRun, got.QualityStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinAgentRollsBackOnCallbackError(t *testing.T) {
	st, mock := newMock(t)
	expectLock(mock, "agent-1")
	mock.ExpectExec(regexp.QuoteMeta("UPDATE persona_versions SET is_active=false")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE persona_versions SET is_active=true")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := st.WithinAgent(context.Background(), "agent-1", func(tx store.AgentTx) error {
		return tx.ActivateVersion(context.Background(), uuid.New())
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRolloutStatusMismatchIsConflict(t *testing.T) {
	st, mock := newMock(t)
	expectLock(mock, "agent-1")
	mock.ExpectQuery("UPDATE persona_rollouts").
		WillReturnRows(sqlmock.NewRows(rolloutCols))
	mock.ExpectRollback()

	err := st.WithinAgent(context.Background(), "agent-1", func(tx store.AgentTx) error {
		_, err := tx.TransitionRollout(context.Background(), store.RolloutTransition{
			ID:     uuid.New(),
			From:   models.RolloutCanaryActive,
			To:     models.RolloutPromoted,
			Reason: "manual",
		})
		return err
	})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRolloutReturnsUpdatedRow(t *testing.T) {
	st, mock := newMock(t)
	id, base, cand := uuid.New(), uuid.New(), uuid.New()
	now := time.Now().UTC()

	expectLock(mock, "agent-1")
	mock.ExpectQuery("UPDATE persona_rollouts").
		WithArgs(models.RolloutRolledBack, "regression observed", []byte(`{"decidedBy":"op"}`), id, "agent-1", models.RolloutCanaryActive).
		WillReturnRows(sqlmock.NewRows(rolloutCols).
			AddRow(id.String(), "agent-1", base.String(), cand.String(), 10, 50, "rolled_back", "regression observed", []byte(`{"decidedBy":"op"}`), now, now))
	mock.ExpectCommit()

	var out models.PersonaRollout
	err := st.WithinAgent(context.Background(), "agent-1", func(tx store.AgentTx) error {
		var err error
		out, err = tx.TransitionRollout(context.Background(), store.RolloutTransition{
			ID:       id,
			From:     models.RolloutCanaryActive,
			To:       models.RolloutRolledBack,
			Reason:   "regression observed",
			Metadata: []byte(`{"decidedBy":"op"}`),
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, models.RolloutRolledBack, out.Status)
	assert.Equal(t, cand, out.CandidateVersionID)
	assert.Equal(t, 50, out.MinimumSampleSize)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRolloutUniqueViolationMapsToConflict(t *testing.T) {
	st, mock := newMock(t)
	expectLock(mock, "agent-1")
	mock.ExpectQuery("INSERT INTO persona_rollouts").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_persona_rollouts_one_canary"})
	mock.ExpectRollback()

	err := st.WithinAgent(context.Background(), "agent-1", func(tx store.AgentTx) error {
		_, err := tx.InsertRollout(context.Background(), store.RolloutInput{
			BaselineVersionID:  uuid.New(),
			CandidateVersionID: uuid.New(),
			TrafficPercent:     10,
			MinimumSampleSize:  50,
		})
		return err
	})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Contains(t, err.Error(), "uq_persona_rollouts_one_canary")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockFailureSurfaces(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	called := false
	err := st.WithinAgent(context.Background(), "agent-1", func(tx store.AgentTx) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveVersion(t *testing.T) {
	st, mock := newMock(t)
	id, parent := uuid.New(), uuid.New()
	now := time.Now().UTC()
	mock.ExpectQuery("FROM persona_versions WHERE agent_id=\\$1 AND is_active").
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows(versionCols).
			AddRow(id.String(), "agent-1", "text", "sum", "review", "bob", "tone", "rev-9", nil, "passed", parent.String(), []byte(`{"policyVersion":"v3"}`), true, now))

	v, err := st.GetActiveVersion(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, id, v.ID)
	assert.Equal(t, models.SourceReview, v.Source)
	require.NotNil(t, v.ReviewID)
	assert.Equal(t, "rev-9", *v.ReviewID)
	assert.Nil(t, v.QualityRunID)
	require.NotNil(t, v.ParentVersionID)
	assert.Equal(t, parent, *v.ParentVersionID)
	assert.True(t, v.IsActive)
	assert.JSONEq(t, `{"policyVersion":"v3"}`, string(v.Metadata))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveVersionNotFound(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery("FROM persona_versions").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(versionCols))

	_, err := st.GetActiveVersion(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSampleMetrics(t *testing.T) {
	st, mock := newMock(t)
	vid := uuid.New()
	since := time.Now().Add(-time.Hour)
	mock.ExpectQuery("FROM persona_interactions").
		WithArgs("agent-1", vid, since).
		WillReturnRows(sqlmock.NewRows([]string{"count", "successes", "avg"}).AddRow(60, 57, 0.91))

	m, err := st.SampleMetrics(context.Background(), "agent-1", vid, since)
	require.NoError(t, err)
	assert.Equal(t, 60, m.Count)
	assert.Equal(t, 57, m.Successes)
	assert.InDelta(t, 0.95, m.SuccessRate(), 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRolloutsFilter(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE 1=1 AND agent_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT $3")).
		WithArgs("agent-1", models.RolloutPromoted, 50).
		WillReturnRows(sqlmock.NewRows(rolloutCols))

	out, err := st.ListRollouts(context.Background(), store.ListRolloutsFilter{AgentID: "agent-1", Status: models.RolloutPromoted})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountStaleRollouts(t *testing.T) {
	st, mock := newMock(t)
	cutoff := time.Date(2026, 5, 18, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM persona_rollouts WHERE status=$1 AND created_at < $2")).
		WithArgs(models.RolloutCanaryActive, cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(731))

	n, err := st.CountStaleRollouts(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 731, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRolloutStatusCounts(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery("GROUP BY status").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("canary_active", 2).
			AddRow("promoted", 7))

	counts, err := st.RolloutStatusCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.RolloutCanaryActive])
	assert.Equal(t, 7, counts[models.RolloutPromoted])
	assert.Equal(t, 0, counts[models.RolloutCancelled])
}
