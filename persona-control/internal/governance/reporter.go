package governance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/joi/persona-control/internal/errs"
	"github.com/ILLUVRSE/joi/persona-control/internal/models"
	"github.com/ILLUVRSE/joi/persona-control/internal/policy"
)

// Reader is the read-only view of the store used for snapshots.
type Reader interface {
	RolloutStatusCounts(ctx context.Context) (map[models.RolloutStatus]int, error)
	ListStaleRollouts(ctx context.Context, createdBefore time.Time, limit int) ([]models.PersonaRollout, error)
	CountStaleRollouts(ctx context.Context, createdBefore time.Time) (int, error)
	CountPendingChangeRequests(ctx context.Context) (int, error)
	CountAgentsWithVersion(ctx context.Context) (int, error)
}

var statusOrder = []models.RolloutStatus{
	models.RolloutCanaryActive,
	models.RolloutPromoted,
	models.RolloutRolledBack,
	models.RolloutCancelled,
}

const staleListLimit = 500

type Reporter struct {
	reader     Reader
	policy     policy.Provider
	staleAfter time.Duration
	staleLimit int
	now        func() time.Time
}

func NewReporter(reader Reader, pol policy.Provider, staleAfter time.Duration) *Reporter {
	if staleAfter <= 0 {
		staleAfter = 14 * 24 * time.Hour
	}
	return &Reporter{
		reader:     reader,
		policy:     pol,
		staleAfter: staleAfter,
		staleLimit: staleListLimit,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Snapshot aggregates rollout state across all agents. It never writes.
func (r *Reporter) Snapshot(ctx context.Context) (models.GovernanceSnapshot, error) {
	now := r.now()
	counts, err := r.reader.RolloutStatusCounts(ctx)
	if err != nil {
		return models.GovernanceSnapshot{}, errs.FromStore(err, "Unable to count rollouts")
	}
	byStatus := make(map[models.RolloutStatus]int, len(statusOrder))
	for _, s := range statusOrder {
		byStatus[s] = counts[s]
	}

	cutoff := now.Add(-r.staleAfter)
	staleCount, err := r.reader.CountStaleRollouts(ctx, cutoff)
	if err != nil {
		return models.GovernanceSnapshot{}, errs.FromStore(err, "Unable to count stale rollouts")
	}
	staleRows, err := r.reader.ListStaleRollouts(ctx, cutoff, r.staleLimit)
	if err != nil {
		return models.GovernanceSnapshot{}, errs.FromStore(err, "Unable to list stale rollouts")
	}
	// rows committed between the two reads
	if staleCount < len(staleRows) {
		staleCount = len(staleRows)
	}
	stale := make([]models.StaleRollout, 0, len(staleRows))
	for _, row := range staleRows {
		stale = append(stale, models.StaleRollout{
			RolloutID: row.ID,
			AgentID:   row.AgentID,
			Age:       now.Sub(row.CreatedAt),
			CreatedAt: row.CreatedAt,
		})
	}

	pending, err := r.reader.CountPendingChangeRequests(ctx)
	if err != nil {
		return models.GovernanceSnapshot{}, errs.FromStore(err, "Unable to count pending change requests")
	}
	agents, err := r.reader.CountAgentsWithVersion(ctx)
	if err != nil {
		return models.GovernanceSnapshot{}, errs.FromStore(err, "Unable to count versioned agents")
	}

	snap := models.GovernanceSnapshot{
		ID:                uuid.New(),
		GeneratedAt:       now,
		StaleAfter:        r.staleAfter,
		RolloutsByStatus:  byStatus,
		ActiveRollouts:    byStatus[models.RolloutCanaryActive],
		StaleCount:        staleCount,
		StaleRollouts:     stale,
		PendingReviews:    pending,
		AgentsWithVersion: agents,
	}
	if r.policy != nil {
		snap.PolicyVersion = r.policy.Current().Version
	}
	return snap, nil
}

// Render formats a snapshot for operators. Stale rollouts are listed oldest
// first.
func Render(s models.GovernanceSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Persona governance snapshot %s\n", s.ID)
	fmt.Fprintf(&b, "Generated:               %s\n", s.GeneratedAt.UTC().Format(time.RFC3339))
	if s.PolicyVersion != "" {
		fmt.Fprintf(&b, "Policy:                  %s\n", s.PolicyVersion)
	}
	fmt.Fprintf(&b, "Agents with versions:    %d\n", s.AgentsWithVersion)
	fmt.Fprintf(&b, "Pending change requests: %d\n", s.PendingReviews)
	b.WriteString("\nRollouts by status:\n")
	for _, st := range statusOrder {
		fmt.Fprintf(&b, "  %-14s %d\n", st, s.RolloutsByStatus[st])
	}

	stale := append([]models.StaleRollout(nil), s.StaleRollouts...)
	sort.SliceStable(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	total := s.StaleCount
	if total < len(stale) {
		total = len(stale)
	}
	fmt.Fprintf(&b, "\nStale canaries (active longer than %s): %d\n", formatAge(s.StaleAfter), total)
	for _, st := range stale {
		fmt.Fprintf(&b, "  - %s agent=%s age=%s since=%s\n", st.RolloutID, st.AgentID, formatAge(st.Age), st.CreatedAt.UTC().Format(time.RFC3339))
	}
	if total > len(stale) {
		fmt.Fprintf(&b, "  ... %d more not listed\n", total-len(stale))
	}
	return b.String()
}

// formatAge renders durations in whole days and hours.
func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d / (24 * time.Hour))
	hours := int((d % (24 * time.Hour)) / time.Hour)
	if days == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dd%dh", days, hours)
}
