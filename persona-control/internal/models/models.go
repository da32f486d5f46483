package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type VersionSource string

const (
	SourceManual   VersionSource = "manual"
	SourceProposal VersionSource = "proposal"
	SourceRollback VersionSource = "rollback"
	SourceReview   VersionSource = "review"
)

func (s VersionSource) Valid() bool {
	switch s {
	case SourceManual, SourceProposal, SourceRollback, SourceReview:
		return true
	}
	return false
}

// QualityStatus is the tri-state outcome of a quality gate. not_run is a skip,
// never a pass or a failure.
type QualityStatus string

const (
	QualityNotRun QualityStatus = "not_run"
	QualityPassed QualityStatus = "passed"
	QualityFailed QualityStatus = "failed"
)

type RolloutStatus string

const (
	RolloutCanaryActive RolloutStatus = "canary_active"
	RolloutPromoted     RolloutStatus = "promoted"
	RolloutRolledBack   RolloutStatus = "rolled_back"
	RolloutCancelled    RolloutStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s RolloutStatus) Terminal() bool {
	return s == RolloutPromoted || s == RolloutRolledBack || s == RolloutCancelled
}

type PersonaVersion struct {
	ID              uuid.UUID       `json:"id"`
	AgentID         string          `json:"agentId"`
	Content         string          `json:"content"`
	ContentChecksum string          `json:"contentChecksum"`
	Source          VersionSource   `json:"source"`
	Author          string          `json:"author,omitempty"`
	ChangeSummary   string          `json:"changeSummary,omitempty"`
	ReviewID        *string         `json:"reviewId,omitempty"`
	QualityRunID    *string         `json:"qualityRunId,omitempty"`
	QualityStatus   QualityStatus   `json:"qualityStatus"`
	ParentVersionID *uuid.UUID      `json:"parentVersionId,omitempty"`
	Metadata        json.RawMessage `json:"metadata"`
	IsActive        bool            `json:"isActive"`
	CreatedAt       time.Time       `json:"createdAt"`
}

type PersonaRollout struct {
	ID                 uuid.UUID       `json:"id"`
	AgentID            string          `json:"agentId"`
	BaselineVersionID  uuid.UUID       `json:"baselineVersionId"`
	CandidateVersionID uuid.UUID       `json:"candidateVersionId"`
	TrafficPercent     int             `json:"trafficPercent"`
	MinimumSampleSize  int             `json:"minimumSampleSize"`
	Status             RolloutStatus   `json:"status"`
	DecisionReason     string          `json:"decisionReason,omitempty"`
	Metadata           json.RawMessage `json:"metadata"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// VersionMetadata is the structured form of PersonaVersion.Metadata.
type VersionMetadata struct {
	RequestedTrafficPercent    *int   `json:"requestedTrafficPercent,omitempty"`
	RequestedMinimumSampleSize *int   `json:"requestedMinimumSampleSize,omitempty"`
	PolicyVersion              string `json:"policyVersion,omitempty"`
	QualitySuiteID             string `json:"qualitySuiteId,omitempty"`
	QualitySkippedReason       string `json:"qualitySkippedReason,omitempty"`
	RollbackOfVersionID        string `json:"rollbackOfVersionId,omitempty"`
}

// RolloutMetadata is the structured form of PersonaRollout.Metadata.
type RolloutMetadata struct {
	ReviewID      string        `json:"reviewId,omitempty"`
	QualityRunID  string        `json:"qualityRunId,omitempty"`
	QualityStatus QualityStatus `json:"qualityStatus,omitempty"`
	PolicyVersion string        `json:"policyVersion,omitempty"`
	Source        VersionSource `json:"source,omitempty"`
	DecidedBy     string        `json:"decidedBy,omitempty"`
}

// InteractionScore is one scored interaction served by a persona version.
type InteractionScore struct {
	ID        uuid.UUID `json:"id"`
	AgentID   string    `json:"agentId"`
	VersionID uuid.UUID `json:"versionId"`
	Success   bool      `json:"success"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"createdAt"`
}

// SampleMetrics aggregates scored interactions for one version.
type SampleMetrics struct {
	VersionID uuid.UUID `json:"versionId"`
	Count     int       `json:"count"`
	Successes int       `json:"successes"`
	MeanScore float64   `json:"meanScore"`
}

// SuccessRate returns successes/count, or 0 when nothing has been sampled.
func (m SampleMetrics) SuccessRate() float64 {
	if m.Count == 0 {
		return 0
	}
	return float64(m.Successes) / float64(m.Count)
}

// ChangeRequest is the payload handed over by the review queue.
type ChangeRequest struct {
	AgentID                  string        `json:"agentId"`
	Content                  string        `json:"content"`
	Summary                  string        `json:"summary"`
	Source                   VersionSource `json:"source"`
	Author                   string        `json:"author"`
	ReviewID                 string        `json:"reviewId,omitempty"`
	RunQualityGate           bool          `json:"runQualityGate"`
	RequireQualityGate       bool          `json:"requireQualityGate"`
	QualitySuiteID           string        `json:"qualitySuiteId,omitempty"`
	RolloutTrafficPercent    *int          `json:"rolloutTrafficPercent,omitempty"`
	RolloutMinimumSampleSize *int          `json:"rolloutMinimumSampleSize,omitempty"`
	BaseVersionID            *uuid.UUID    `json:"baseVersionId,omitempty"`
}

// ChangeResult is reported back to the review queue.
type ChangeResult struct {
	Accepted      bool          `json:"accepted"`
	VersionID     uuid.UUID     `json:"versionId"`
	RolloutID     *uuid.UUID    `json:"rolloutId"`
	QualityStatus QualityStatus `json:"qualityStatus"`
	Warnings      []string      `json:"warnings,omitempty"`
}

// GovernanceSnapshot is a point-in-time aggregate over all agents.
type GovernanceSnapshot struct {
	ID                uuid.UUID             `json:"id"`
	GeneratedAt       time.Time             `json:"generatedAt"`
	StaleAfter        time.Duration         `json:"staleAfter"`
	RolloutsByStatus  map[RolloutStatus]int `json:"rolloutsByStatus"`
	ActiveRollouts    int                   `json:"activeRollouts"`
	StaleCount        int                   `json:"staleCount"`
	StaleRollouts     []StaleRollout        `json:"staleRollouts"`
	PendingReviews    int                   `json:"pendingReviews"`
	AgentsWithVersion int                   `json:"agentsWithVersion"`
	PolicyVersion     string                `json:"policyVersion,omitempty"`
}

type StaleRollout struct {
	RolloutID uuid.UUID     `json:"rolloutId"`
	AgentID   string        `json:"agentId"`
	Age       time.Duration `json:"age"`
	CreatedAt time.Time     `json:"createdAt"`
}
