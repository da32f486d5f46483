package rollout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/joi/persona-control/internal/errs"
	"github.com/ILLUVRSE/joi/persona-control/internal/events"
	"github.com/ILLUVRSE/joi/persona-control/internal/models"
	"github.com/ILLUVRSE/joi/persona-control/internal/store"
	"github.com/ILLUVRSE/joi/persona-control/internal/versions"
)

const defaultTriggeredBy = "persona-control"

// SubmitChange turns a change request into a new version. The document is
// validated and gated before anything is written; then, in one transaction,
// any in-flight canary is cancelled and the version is either activated or
// opened as a canary against the current active version.
func (c *Controller) SubmitChange(ctx context.Context, req models.ChangeRequest) (models.ChangeResult, error) {
	if req.Source == "" {
		req.Source = models.SourceManual
	}
	if err := checkChange(req); err != nil {
		return models.ChangeResult{}, err
	}
	if err := c.versions.Validate(ctx, req.Content); err != nil {
		return models.ChangeResult{}, err
	}
	if req.BaseVersionID != nil {
		active, err := c.store.GetActiveVersion(ctx, req.AgentID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return models.ChangeResult{}, errs.FromStore(err, "Unable to load active version for agent %s", req.AgentID)
		}
		if err := checkBase(req, active, err == nil); err != nil {
			return models.ChangeResult{}, err
		}
	}

	triggeredBy := req.Author
	if triggeredBy == "" {
		triggeredBy = defaultTriggeredBy
	}
	gate, err := c.gate.Run(ctx, req.AgentID, req.QualitySuiteID, req.RunQualityGate || req.RequireQualityGate, triggeredBy)
	if err != nil {
		return models.ChangeResult{}, err
	}
	var warnings []string
	switch {
	case gate.Status == models.QualityFailed:
		return models.ChangeResult{}, errs.New(errs.CodeGateFailed, "Quality suite %s failed (failed=%d, errored=%d)", gate.SuiteID, gate.Failed, gate.Errored).
			WithDetail("suiteId", gate.SuiteID).
			WithDetail("runId", gate.RunID)
	case gate.Skipped() && req.RequireQualityGate:
		return models.ChangeResult{}, errs.New(errs.CodeGateRequired, "Quality gate is required but did not run: %s", gate.SkippedReason)
	case gate.Skipped():
		warnings = append(warnings, "quality gate skipped: "+gate.SkippedReason)
	}

	pol := c.policy.Current()
	wantCanary := pol.CanaryByDefault || req.RolloutTrafficPercent != nil || req.RolloutMinimumSampleSize != nil
	traffic := pol.DefaultTrafficPercent
	if req.RolloutTrafficPercent != nil {
		traffic = *req.RolloutTrafficPercent
	}
	sample := pol.DefaultMinimumSampleSize
	if req.RolloutMinimumSampleSize != nil {
		sample = *req.RolloutMinimumSampleSize
	}

	versionMeta, err := json.Marshal(models.VersionMetadata{
		RequestedTrafficPercent:    req.RolloutTrafficPercent,
		RequestedMinimumSampleSize: req.RolloutMinimumSampleSize,
		PolicyVersion:              pol.Version,
		QualitySuiteID:             gate.SuiteID,
		QualitySkippedReason:       gate.SkippedReason,
	})
	if err != nil {
		return models.ChangeResult{}, fmt.Errorf("marshal version metadata: %w", err)
	}

	var (
		created   models.PersonaVersion
		started   *models.PersonaRollout
		cancelled *models.PersonaRollout
	)
	err = c.store.WithinAgent(ctx, req.AgentID, func(tx store.AgentTx) error {
		active, err := tx.ActiveVersion(ctx)
		hasActive := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		// the gate may have run for minutes; check the base again under the lock
		if req.BaseVersionID != nil {
			if err := checkBase(req, active, hasActive); err != nil {
				return err
			}
		}

		cancelled, err = c.cancelInTx(ctx, tx, "superseded by a new change request", req.Author, DecidedByChange)
		if err != nil {
			return err
		}

		params := versions.CreateParams{
			AgentID:       req.AgentID,
			Content:       req.Content,
			Source:        req.Source,
			Author:        req.Author,
			ChangeSummary: req.Summary,
			ReviewID:      optional(req.ReviewID),
			QualityRunID:  optional(gate.RunID),
			QualityStatus: gate.Status,
			Metadata:      versionMeta,
		}
		if !wantCanary || !hasActive {
			created, err = c.versions.CreateInTx(ctx, tx, params, true)
			return err
		}

		created, err = c.versions.CreateInTx(ctx, tx, params, false)
		if err != nil {
			return err
		}
		rolloutMeta, err := json.Marshal(models.RolloutMetadata{
			ReviewID:      req.ReviewID,
			QualityRunID:  gate.RunID,
			QualityStatus: gate.Status,
			PolicyVersion: pol.Version,
			Source:        req.Source,
		})
		if err != nil {
			return err
		}
		r, err := c.startInTx(ctx, tx, StartParams{
			AgentID:            req.AgentID,
			CandidateVersionID: created.ID,
			BaselineVersionID:  active.ID,
			TrafficPercent:     traffic,
			MinimumSampleSize:  sample,
			Metadata:           rolloutMeta,
			DecisionReason:     changeReason(req),
			Actor:              req.Author,
		}, pol)
		if err != nil {
			return err
		}
		started = &r
		return nil
	})
	if err != nil {
		return models.ChangeResult{}, errs.FromStore(err, "Unable to apply change for agent %s", req.AgentID)
	}

	if cancelled != nil {
		log.Printf("[rollout] cancelled %s agent=%s reason=%q", cancelled.ID, cancelled.AgentID, cancelled.DecisionReason)
		c.emit(ctx, rolloutEvent(events.TypeRolloutCancelled, *cancelled, req.Author))
	}
	result := models.ChangeResult{
		Accepted:      true,
		VersionID:     created.ID,
		QualityStatus: created.QualityStatus,
		Warnings:      warnings,
	}
	if started != nil {
		id := started.ID
		result.RolloutID = &id
		log.Printf("[rollout] change agent=%s version=%s canary=%s traffic=%d%% quality=%s", req.AgentID, created.ID, started.ID, started.TrafficPercent, created.QualityStatus)
		c.emit(ctx, rolloutEvent(events.TypeRolloutStarted, *started, req.Author))
	} else {
		log.Printf("[rollout] change agent=%s version=%s activated quality=%s", req.AgentID, created.ID, created.QualityStatus)
		c.emit(ctx, versionEvent(created, changeReason(req), req.Author))
	}
	return result, nil
}

func checkChange(req models.ChangeRequest) error {
	if strings.TrimSpace(req.AgentID) == "" {
		return errs.New(errs.CodeValidation, "agentId is required").WithDetail("field", "agentId")
	}
	if !req.Source.Valid() {
		return errs.New(errs.CodeValidation, "source %q is not one of manual, proposal, rollback, review", req.Source).WithDetail("field", "source")
	}
	if p := req.RolloutTrafficPercent; p != nil && (*p < 0 || *p > 100) {
		return errs.New(errs.CodeValidation, "rolloutTrafficPercent must be between 0 and 100 (got %d)", *p).WithDetail("field", "rolloutTrafficPercent")
	}
	if n := req.RolloutMinimumSampleSize; n != nil && *n < 0 {
		return errs.New(errs.CodeValidation, "rolloutMinimumSampleSize must not be negative (got %d)", *n).WithDetail("field", "rolloutMinimumSampleSize")
	}
	return nil
}

func checkBase(req models.ChangeRequest, active models.PersonaVersion, hasActive bool) error {
	if !hasActive {
		return errs.New(errs.CodeStaleBase, "Agent %s has no active version; base %s is stale", req.AgentID, *req.BaseVersionID)
	}
	if active.ID != *req.BaseVersionID {
		return errs.New(errs.CodeStaleBase, "Persona for agent %s changed since version %s was loaded (active=%s)", req.AgentID, *req.BaseVersionID, active.ID).
			WithDetail("activeVersionId", active.ID.String())
	}
	return nil
}

func changeReason(req models.ChangeRequest) string {
	if req.Summary != "" {
		return req.Summary
	}
	return fmt.Sprintf("%s change", req.Source)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// RollbackToVersion reactivates the content of an earlier version as a new
// rollback version. Any in-flight canary is cancelled first.
func (c *Controller) RollbackToVersion(ctx context.Context, agentID string, versionID uuid.UUID, reason, author string) (models.PersonaVersion, error) {
	if agentID == "" {
		return models.PersonaVersion{}, errs.New(errs.CodeValidation, "agentId is required")
	}
	target, err := c.versions.GetByID(ctx, agentID, versionID)
	if err != nil {
		return models.PersonaVersion{}, err
	}
	if reason == "" {
		reason = fmt.Sprintf("rollback to version %s", versionID)
	}
	pol := c.policy.Current()

	var (
		created   models.PersonaVersion
		cancelled *models.PersonaRollout
	)
	err = c.store.WithinAgent(ctx, agentID, func(tx store.AgentTx) error {
		active, err := tx.ActiveVersion(ctx)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err == nil && active.ID == target.ID {
			return errs.New(errs.CodeValidation, "Version %s is already active for agent %s", target.ID, agentID)
		}
		cancelled, err = c.cancelInTx(ctx, tx, "superseded by rollback to version "+versionID.String(), author, DecidedByOperator)
		if err != nil {
			return err
		}
		meta, err := json.Marshal(models.VersionMetadata{
			PolicyVersion:       pol.Version,
			RollbackOfVersionID: target.ID.String(),
		})
		if err != nil {
			return err
		}
		created, err = c.versions.CreateInTx(ctx, tx, versions.CreateParams{
			AgentID:       agentID,
			Content:       target.Content,
			Source:        models.SourceRollback,
			Author:        author,
			ChangeSummary: reason,
			QualityStatus: models.QualityNotRun,
			Metadata:      meta,
		}, true)
		return err
	})
	if err != nil {
		return models.PersonaVersion{}, errs.FromStore(err, "Unable to roll back agent %s to version %s", agentID, versionID)
	}

	if cancelled != nil {
		log.Printf("[rollout] cancelled %s agent=%s reason=%q", cancelled.ID, agentID, cancelled.DecisionReason)
		c.emit(ctx, rolloutEvent(events.TypeRolloutCancelled, *cancelled, author))
	}
	log.Printf("[rollout] rollback agent=%s target=%s new=%s reason=%q", agentID, target.ID, created.ID, reason)
	c.emit(ctx, versionEvent(created, reason, author))
	return created, nil
}

type InteractionParams struct {
	AgentID   string
	VersionID uuid.UUID
	Success   bool
	Score     float64
}

// RecordInteraction stores one scored interaction for a version of the agent.
func (c *Controller) RecordInteraction(ctx context.Context, p InteractionParams) (models.InteractionScore, error) {
	if p.AgentID == "" {
		return models.InteractionScore{}, errs.New(errs.CodeValidation, "agentId is required")
	}
	if math.IsNaN(p.Score) || math.IsInf(p.Score, 0) {
		return models.InteractionScore{}, errs.New(errs.CodeValidation, "score must be a finite number").WithDetail("field", "score")
	}
	out, err := c.store.RecordInteraction(ctx, store.InteractionInput{
		ID:        uuid.New(),
		AgentID:   p.AgentID,
		VersionID: p.VersionID,
		Success:   p.Success,
		Score:     p.Score,
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.InteractionScore{}, errs.New(errs.CodeNotFound, "Persona version %s not found for agent %s", p.VersionID, p.AgentID)
	}
	if err != nil {
		return models.InteractionScore{}, errs.FromStore(err, "Unable to record interaction for agent %s", p.AgentID)
	}
	return out, nil
}
