package versions

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/joi/persona-control/internal/canonical"
	"github.com/ILLUVRSE/joi/persona-control/internal/errs"
	"github.com/ILLUVRSE/joi/persona-control/internal/models"
	"github.com/ILLUVRSE/joi/persona-control/internal/store"
	"github.com/ILLUVRSE/joi/persona-control/internal/validator"
)

// CreateParams describes a new immutable persona version.
type CreateParams struct {
	AgentID       string
	Content       string
	Source        models.VersionSource
	Author        string
	ChangeSummary string
	ReviewID      *string
	QualityRunID  *string
	QualityStatus models.QualityStatus
	// ParentVersionID defaults to the active version at insert time.
	ParentVersionID *uuid.UUID
	Metadata        json.RawMessage
}

// Service owns the append-only version history of each agent.
type Service struct {
	store     store.Store
	validator validator.Validator
}

func NewService(st store.Store, v validator.Validator) *Service {
	if v == nil {
		v = validator.NewStaticValidator(0)
	}
	return &Service{store: st, validator: v}
}

// Validate asks the document validator about content and turns a refusal into
// an E_VALIDATION error listing every issue.
func (s *Service) Validate(ctx context.Context, content string) error {
	res, err := s.validator.Validate(ctx, content)
	if err != nil {
		return errs.Wrap(errs.CodeDependency, err, "Document validator unavailable")
	}
	if res.Valid {
		return nil
	}
	issues := res.Issues
	if len(issues) == 0 {
		issues = []string{"rejected by validator"}
	}
	return errs.New(errs.CodeValidation, "Persona document is invalid: %s", strings.Join(issues, "; ")).
		WithDetail("issues", strings.Join(issues, "\n"))
}

// EnsureInitialVersion returns the agent's active version, creating one from
// currentContent if the agent has never been versioned.
func (s *Service) EnsureInitialVersion(ctx context.Context, agentID, currentContent string) (models.PersonaVersion, error) {
	if strings.TrimSpace(agentID) == "" {
		return models.PersonaVersion{}, errs.New(errs.CodeValidation, "agentId is required")
	}
	active, err := s.store.GetActiveVersion(ctx, agentID)
	if err == nil {
		return active, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.PersonaVersion{}, errs.FromStore(err, "Unable to load active version for agent %s", agentID)
	}
	if err := s.Validate(ctx, currentContent); err != nil {
		return models.PersonaVersion{}, err
	}

	var out models.PersonaVersion
	err = s.store.WithinAgent(ctx, agentID, func(tx store.AgentTx) error {
		// another writer may have bootstrapped the agent while we waited on the lock
		existing, err := tx.ActiveVersion(ctx)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		out, err = s.CreateInTx(ctx, tx, CreateParams{
			AgentID:       agentID,
			Content:       currentContent,
			Source:        models.SourceManual,
			ChangeSummary: "initial version",
			QualityStatus: models.QualityNotRun,
		}, true)
		return err
	})
	if err != nil {
		return models.PersonaVersion{}, errs.FromStore(err, "Unable to create initial version for agent %s", agentID)
	}
	return out, nil
}

// CreateVersion validates content and inserts a new version. With activate the
// previous active version is cleared in the same transaction; activation is
// refused with E_ROLLOUT_CONFLICT while the agent has a canary in flight.
func (s *Service) CreateVersion(ctx context.Context, params CreateParams, activate bool) (models.PersonaVersion, error) {
	if err := checkParams(params); err != nil {
		return models.PersonaVersion{}, err
	}
	if err := s.Validate(ctx, params.Content); err != nil {
		return models.PersonaVersion{}, err
	}
	var out models.PersonaVersion
	err := s.store.WithinAgent(ctx, params.AgentID, func(tx store.AgentTx) error {
		var err error
		out, err = s.CreateInTx(ctx, tx, params, activate)
		return err
	})
	if err != nil {
		return models.PersonaVersion{}, errs.FromStore(err, "Unable to create version for agent %s", params.AgentID)
	}
	return out, nil
}

// CreateInTx inserts a version inside a transaction the caller already holds.
// Content must have been validated.
func (s *Service) CreateInTx(ctx context.Context, tx store.AgentTx, params CreateParams, activate bool) (models.PersonaVersion, error) {
	if params.AgentID == "" {
		params.AgentID = tx.AgentID()
	}
	if params.AgentID != tx.AgentID() {
		return models.PersonaVersion{}, errs.New(errs.CodeValidation, "version agent %s does not match transaction agent %s", params.AgentID, tx.AgentID())
	}
	if err := checkParams(params); err != nil {
		return models.PersonaVersion{}, err
	}
	if activate {
		r, err := tx.ActiveRollout(ctx)
		switch {
		case err == nil:
			return models.PersonaVersion{}, errs.New(errs.CodeRolloutConflict,
				"Agent %s has canary %s in flight; resolve it before activating a version", tx.AgentID(), r.ID).
				WithDetail("rolloutId", r.ID.String())
		case !errors.Is(err, store.ErrNotFound):
			return models.PersonaVersion{}, err
		}
	}
	parent := params.ParentVersionID
	if parent == nil {
		active, err := tx.ActiveVersion(ctx)
		switch {
		case err == nil:
			parent = &active.ID
		case !errors.Is(err, store.ErrNotFound):
			return models.PersonaVersion{}, err
		}
	}
	status := params.QualityStatus
	if status == "" {
		status = models.QualityNotRun
	}
	v, err := tx.InsertVersion(ctx, store.VersionInput{
		ID:              uuid.New(),
		Content:         params.Content,
		ContentChecksum: canonical.ContentChecksum(params.Content),
		Source:          params.Source,
		Author:          params.Author,
		ChangeSummary:   params.ChangeSummary,
		ReviewID:        params.ReviewID,
		QualityRunID:    params.QualityRunID,
		QualityStatus:   status,
		ParentVersionID: parent,
		Metadata:        params.Metadata,
	})
	if err != nil {
		return models.PersonaVersion{}, err
	}
	if activate {
		if err := tx.ActivateVersion(ctx, v.ID); err != nil {
			return models.PersonaVersion{}, err
		}
		v.IsActive = true
	}
	return v, nil
}

func (s *Service) GetActive(ctx context.Context, agentID string) (models.PersonaVersion, error) {
	v, err := s.store.GetActiveVersion(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return models.PersonaVersion{}, errs.New(errs.CodeNotFound, "Agent %s has no active persona version", agentID)
	}
	if err != nil {
		return models.PersonaVersion{}, errs.FromStore(err, "Unable to load active version for agent %s", agentID)
	}
	return v, nil
}

func (s *Service) GetByID(ctx context.Context, agentID string, id uuid.UUID) (models.PersonaVersion, error) {
	v, err := s.store.GetVersion(ctx, agentID, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.PersonaVersion{}, errs.New(errs.CodeNotFound, "Persona version %s not found for agent %s", id, agentID)
	}
	if err != nil {
		return models.PersonaVersion{}, errs.FromStore(err, "Unable to load persona version %s", id)
	}
	return v, nil
}

// ListRecent returns the agent's versions newest first.
func (s *Service) ListRecent(ctx context.Context, agentID string, limit int) ([]models.PersonaVersion, error) {
	out, err := s.store.ListVersions(ctx, agentID, limit)
	if err != nil {
		return nil, errs.FromStore(err, "Unable to list versions for agent %s", agentID)
	}
	return out, nil
}

func checkParams(p CreateParams) error {
	if strings.TrimSpace(p.AgentID) == "" {
		return errs.New(errs.CodeValidation, "agentId is required")
	}
	if !p.Source.Valid() {
		return errs.New(errs.CodeValidation, "source %q is not one of manual, proposal, rollback, review", p.Source).WithDetail("field", "source")
	}
	return nil
}
