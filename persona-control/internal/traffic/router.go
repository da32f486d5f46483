package traffic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/ILLUVRSE/joi/persona-control/internal/errs"
	"github.com/ILLUVRSE/joi/persona-control/internal/models"
	"github.com/ILLUVRSE/joi/persona-control/internal/store"
)

// Reader is the read-only slice of the store the router needs.
type Reader interface {
	GetActiveVersion(ctx context.Context, agentID string) (models.PersonaVersion, error)
	GetActiveRollout(ctx context.Context, agentID string) (models.PersonaRollout, error)
}

// Route is the version chosen to serve one session.
type Route struct {
	AgentID   string     `json:"agentId"`
	VersionID uuid.UUID  `json:"versionId"`
	RolloutID *uuid.UUID `json:"rolloutId,omitempty"`
	Bucket    int        `json:"bucket"`
	Candidate bool       `json:"candidate"`
}

type Router struct {
	reader Reader
}

func NewRouter(reader Reader) *Router {
	return &Router{reader: reader}
}

// Bucket maps a session onto 0..99. The same agent and session key always land
// in the same bucket.
func Bucket(agentID, sessionKey string) int {
	h := blake3.New()
	_, _ = h.Write([]byte(agentID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(sessionKey))
	sum := h.Sum(nil)
	return int(binary.BigEndian.Uint64(sum[:8]) % 100)
}

// Resolve picks the candidate when a canary is active and the session falls
// inside its traffic share, and the active version otherwise.
func (r *Router) Resolve(ctx context.Context, agentID, sessionKey string) (Route, error) {
	if agentID == "" {
		return Route{}, errs.New(errs.CodeValidation, "agentId is required")
	}
	bucket := Bucket(agentID, sessionKey)
	route := Route{AgentID: agentID, Bucket: bucket}

	rollout, err := r.reader.GetActiveRollout(ctx, agentID)
	switch {
	case err == nil:
		route.RolloutID = &rollout.ID
		if bucket < rollout.TrafficPercent {
			route.VersionID = rollout.CandidateVersionID
			route.Candidate = true
		} else {
			route.VersionID = rollout.BaselineVersionID
		}
		return route, nil
	case !errors.Is(err, store.ErrNotFound):
		return Route{}, errs.Wrap(errs.CodeDependency, err, "Unable to load rollout for agent %s", agentID)
	}

	active, err := r.reader.GetActiveVersion(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return Route{}, errs.New(errs.CodeNotFound, "Agent %s has no active persona version", agentID)
	}
	if err != nil {
		return Route{}, errs.Wrap(errs.CodeDependency, err, "Unable to load active version for agent %s", agentID)
	}
	route.VersionID = active.ID
	return route, nil
}

func (r Route) String() string {
	return fmt.Sprintf("agent=%s version=%s bucket=%d candidate=%t", r.AgentID, r.VersionID, r.Bucket, r.Candidate)
}
