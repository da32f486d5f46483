package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ILLUVRSE/joi/persona-control/internal/auth"
	"github.com/ILLUVRSE/joi/persona-control/internal/errs"
	"github.com/ILLUVRSE/joi/persona-control/internal/governance"
	"github.com/ILLUVRSE/joi/persona-control/internal/models"
	"github.com/ILLUVRSE/joi/persona-control/internal/rollout"
	"github.com/ILLUVRSE/joi/persona-control/internal/store"
	"github.com/ILLUVRSE/joi/persona-control/internal/traffic"
	"github.com/ILLUVRSE/joi/persona-control/internal/versions"
)

const (
	maxBodyBytes   = 1 << 20
	requestTimeout = 30 * time.Second

	// changes run the quality gate synchronously; the route deadline must
	// outlast the gate's own limit so the gate reports its timeout itself
	changeSlack          = 30 * time.Second
	defaultQualityWindow = 2 * time.Minute
)

type Deps struct {
	Store      store.Store
	Controller *rollout.Controller
	Versions   *versions.Service
	Router     *traffic.Router
	Reporter   *governance.Reporter
	Verifier   *auth.Verifier

	// QualityTimeout is the gate limit configured on the controller.
	QualityTimeout time.Duration
}

type Server struct {
	db       store.Store
	ctrl     *rollout.Controller
	versions *versions.Service
	router   *traffic.Router
	reporter *governance.Reporter
	verifier *auth.Verifier

	changeTimeout time.Duration
}

func New(d Deps) *Server {
	window := d.QualityTimeout
	if window <= 0 {
		window = defaultQualityWindow
	}
	return &Server{
		db:            d.Store,
		ctrl:          d.Controller,
		versions:      d.Versions,
		router:        d.Router,
		reporter:      d.Reporter,
		verifier:      d.Verifier,
		changeTimeout: window + changeSlack,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.With(middleware.Timeout(requestTimeout)).Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Authenticate)

		r.Route("/personas/{agentId}", func(r chi.Router) {
			r.With(auth.RequireRole(auth.RoleOperator), middleware.Timeout(s.changeTimeout)).
				Post("/changes", s.handleSubmitChange)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(requestTimeout))
				r.Get("/versions", s.handleListVersions)
				r.Get("/versions/active", s.handleActiveVersion)
				r.Get("/versions/{versionId}", s.handleGetVersion)
				r.Get("/route", s.handleRoute)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole(auth.RoleOperator))
					r.Post("/bootstrap", s.handleBootstrap)
					r.Post("/rollback", s.handleRollbackToVersion)
					r.Post("/rollouts", s.handleStartRollout)
					r.Post("/cancel", s.handleCancelForAgent)
					r.Post("/interactions", s.handleRecordInteraction)
				})
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Route("/rollouts", func(r chi.Router) {
				r.Get("/", s.handleListRollouts)
				r.Get("/{id}", s.handleGetRollout)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole(auth.RoleOperator))
					r.Post("/evaluate-all", s.handleEvaluateAll)
					r.Post("/{id}/evaluate", s.handleEvaluate)
					r.Post("/{id}/promote", s.handleTerminate(models.RolloutPromoted))
					r.Post("/{id}/rollback", s.handleTerminate(models.RolloutRolledBack))
					r.Post("/{id}/cancel", s.handleTerminate(models.RolloutCancelled))
				})
			})

			r.Get("/governance/summary", s.handleGovernanceSummary)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.db.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = "down"
		status["error"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["db"] = "up"
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	out, err := s.versions.ListRecent(r.Context(), chi.URLParam(r, "agentId"), queryInt(r, "limit", 20))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"versions": out})
}

func (s *Server) handleActiveVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.versions.GetActive(r.Context(), chi.URLParam(r, "agentId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "versionId")
	if !ok {
		return
	}
	v, err := s.versions.GetByID(r.Context(), chi.URLParam(r, "agentId"), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	route, err := s.router.Resolve(r.Context(), chi.URLParam(r, "agentId"), r.URL.Query().Get("sessionKey"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, route)
}

type bootstrapRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v, err := s.versions.EnsureInitialVersion(r.Context(), chi.URLParam(r, "agentId"), req.Content)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (s *Server) handleSubmitChange(w http.ResponseWriter, r *http.Request) {
	var req models.ChangeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.AgentID = chi.URLParam(r, "agentId")
	if req.Author == "" {
		req.Author = auth.Actor(r.Context())
	}
	res, err := s.ctrl.SubmitChange(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

type rollbackToVersionRequest struct {
	VersionID uuid.UUID `json:"versionId"`
	Reason    string    `json:"reason"`
}

func (s *Server) handleRollbackToVersion(w http.ResponseWriter, r *http.Request) {
	var req rollbackToVersionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.VersionID == uuid.Nil {
		respondError(w, http.StatusBadRequest, string(errs.CodeValidation), "versionId is required")
		return
	}
	v, err := s.ctrl.RollbackToVersion(r.Context(), chi.URLParam(r, "agentId"), req.VersionID, req.Reason, auth.Actor(r.Context()))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, v)
}

type startRolloutRequest struct {
	CandidateVersionID uuid.UUID       `json:"candidateVersionId"`
	BaselineVersionID  uuid.UUID       `json:"baselineVersionId"`
	TrafficPercent     int             `json:"trafficPercent"`
	MinimumSampleSize  int             `json:"minimumSampleSize"`
	Reason             string          `json:"reason"`
	Metadata           json.RawMessage `json:"metadata"`
}

func (s *Server) handleStartRollout(w http.ResponseWriter, r *http.Request) {
	var req startRolloutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ro, err := s.ctrl.StartRollout(r.Context(), rollout.StartParams{
		AgentID:            chi.URLParam(r, "agentId"),
		CandidateVersionID: req.CandidateVersionID,
		BaselineVersionID:  req.BaselineVersionID,
		TrafficPercent:     req.TrafficPercent,
		MinimumSampleSize:  req.MinimumSampleSize,
		Metadata:           req.Metadata,
		DecisionReason:     req.Reason,
		Actor:              auth.Actor(r.Context()),
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ro)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelForAgent(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	ro, err := s.ctrl.CancelActiveForAgent(r.Context(), chi.URLParam(r, "agentId"), req.Reason, auth.Actor(r.Context()))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"cancelled": ro})
}

type interactionRequest struct {
	VersionID uuid.UUID `json:"versionId"`
	Success   bool      `json:"success"`
	Score     float64   `json:"score"`
}

func (s *Server) handleRecordInteraction(w http.ResponseWriter, r *http.Request) {
	var req interactionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	out, err := s.ctrl.RecordInteraction(r.Context(), rollout.InteractionParams{
		AgentID:   chi.URLParam(r, "agentId"),
		VersionID: req.VersionID,
		Success:   req.Success,
		Score:     req.Score,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListRollouts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := s.db.ListRollouts(r.Context(), store.ListRolloutsFilter{
		AgentID: q.Get("agentId"),
		Status:  models.RolloutStatus(q.Get("status")),
		Limit:   queryInt(r, "limit", 50),
	})
	if err != nil {
		respondErr(w, errs.FromStore(err, "Unable to list rollouts"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"rollouts": out})
}

func (s *Server) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	ro, err := s.ctrl.GetRollout(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ro)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	res, err := s.ctrl.Evaluate(r.Context(), id, queryBool(r, "apply"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type evaluateAllRequest struct {
	Limit int  `json:"limit"`
	Apply bool `json:"apply"`
}

func (s *Server) handleEvaluateAll(w http.ResponseWriter, r *http.Request) {
	var req evaluateAllRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	res, err := s.ctrl.EvaluateAllActive(r.Context(), req.Limit, req.Apply)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleTerminate(to models.RolloutStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req reasonRequest
		if !decodeOptionalBody(w, r, &req) {
			return
		}
		actor := auth.Actor(r.Context())
		var (
			ro  models.PersonaRollout
			err error
		)
		switch to {
		case models.RolloutPromoted:
			ro, err = s.ctrl.Promote(r.Context(), id, req.Reason, actor)
		case models.RolloutRolledBack:
			ro, err = s.ctrl.Rollback(r.Context(), id, req.Reason, actor)
		default:
			ro, err = s.ctrl.Cancel(r.Context(), id, req.Reason, actor)
		}
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, ro)
	}
}

func (s *Server) handleGovernanceSummary(w http.ResponseWriter, r *http.Request) {
	snap, err := s.reporter.Snapshot(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"snapshot": snap,
		"report":   governance.Render(snap),
	})
}

// StatusFor maps a controller error code onto an HTTP status.
func StatusFor(err error) int {
	switch errs.GetCode(err) {
	case errs.CodeValidation:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeNotActive, errs.CodeRolloutConflict, errs.CodeBaselineMismatch, errs.CodeStaleBase:
		return http.StatusConflict
	case errs.CodeGateFailed, errs.CodeGateRequired:
		return http.StatusUnprocessableEntity
	case errs.CodeGateTimeout, errs.CodeDependency:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondErr(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[httpserver] unexpected error: %v", err)
	}
	body := map[string]interface{}{
		"error":     errs.Message(err),
		"code":      errs.GetCode(err),
		"retryable": errs.Retryable(err),
	}
	var coded *errs.Error
	if errors.As(err, &coded) && len(coded.Details) > 0 {
		body["details"] = coded.Details
	}
	respondJSON(w, status, body)
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondError(w, http.StatusBadRequest, string(errs.CodeValidation), fmt.Sprintf("%s must be a uuid", name))
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := decodeJSON(w, r, v); err != nil {
		respondError(w, http.StatusBadRequest, string(errs.CodeValidation), "invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body as the zero value.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := decodeJSON(w, r, v); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, string(errs.CodeValidation), "invalid request body: "+err.Error())
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}
