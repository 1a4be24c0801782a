// Package server exposes rule authoring, dry-run evaluation and intercepted
// entity endpoints over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"

	"github.com/liamcoop/bizrules/interception"
	"github.com/liamcoop/bizrules/internal/logger"
	"github.com/liamcoop/bizrules/rules"
)

// Deps are the collaborators a Server is built from.
type Deps struct {
	Service *rules.Service
	Engine  *rules.Engine
	// DB is checked by the health endpoint; nil means in-memory storage.
	DB *sqlx.DB

	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

type Server struct {
	service     *rules.Service
	engine      *rules.Engine
	db          *sqlx.DB
	entities    *EntityStore
	interceptor *interception.Interceptor
	router      *chi.Mux
	timeout     time.Duration
}

func NewServer(deps Deps) *Server {
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	s := &Server{
		service:     deps.Service,
		engine:      deps.Engine,
		db:          deps.DB,
		entities:    NewEntityStore(),
		interceptor: interception.New(deps.Engine, interception.WithMaxBodyBytes(deps.MaxBodyBytes)),
		timeout:     timeout,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/metrics", s.handleMetrics)

	r.Route("/api/v1/companies/{companyId}", func(r chi.Router) {
		r.Route("/rules", func(r chi.Router) {
			r.Post("/", s.handleCreateRule)
			r.Get("/", s.handleListRules)
			r.Post("/evaluate", s.handleEvaluate)
			r.Get("/{ruleId}", s.handleGetRule)
			r.Put("/{ruleId}", s.handleUpdateRule)
			r.Patch("/{ruleId}", s.handleUpdateRule)
			r.Delete("/{ruleId}", s.handleDeleteRule)
		})

		r.Route("/entities/{entityType}", func(r chi.Router) {
			r.With(s.interceptor.Handler).Post("/", s.handleCreateEntity)
			r.Get("/{entityId}", s.handleGetEntity)
			r.With(s.interceptor.Handler).Put("/{entityId}", s.handleReplaceEntity)
			r.With(s.interceptor.Handler).Patch("/{entityId}", s.handleMergeEntity)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs one line per request through the service logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
				"requestId", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Storage: "memory"})
		return
	}
	if err := s.db.PingContext(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "unhealthy",
			Storage: s.db.DriverName(),
			Error:   err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Storage: s.db.DriverName()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, MetricsResponse{
		Errors: logger.Snapshot(),
		Engine: s.engine.Stats(),
	})
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyParam(w, r)
	if !ok {
		return
	}

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := s.service.Create(r.Context(), req.rule(companyID))
	if err != nil {
		respondServiceError(w, "failed to create rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

// List rules handler
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyParam(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := rules.ListFilter{
		EntityType: q.Get("entityType"),
		EventType:  q.Get("eventType"),
		Status:     rules.Status(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		respondError(w, http.StatusBadRequest, "invalid status filter", nil)
		return
	}

	list, err := s.service.List(r.Context(), companyID, filter)
	if err != nil {
		respondServiceError(w, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: list})
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyParam(w, r)
	if !ok {
		return
	}

	rule, err := s.service.Get(r.Context(), companyID, chi.URLParam(r, "ruleId"))
	if err != nil {
		respondServiceError(w, "failed to get rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// Update rule handler
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyParam(w, r)
	if !ok {
		return
	}

	var req UpdateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.CompanyID != nil && *req.CompanyID != companyID {
		respondServiceError(w, "failed to update rule", fmt.Errorf("companyId: %w", rules.ErrImmutableField))
		return
	}

	u, err := req.update()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := s.service.Update(r.Context(), companyID, chi.URLParam(r, "ruleId"), u)
	if err != nil {
		respondServiceError(w, "failed to update rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// Delete rule handler
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyParam(w, r)
	if !ok {
		return
	}

	if err := s.service.Delete(r.Context(), companyID, chi.URLParam(r, "ruleId")); err != nil {
		respondServiceError(w, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Evaluation handler. A rejection is a normal outcome and is reported with 200.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyParam(w, r)
	if !ok {
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var req EvaluateRequest
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.EntityType == "" || req.EventType == "" {
		respondError(w, http.StatusBadRequest, "entityType and eventType are required", nil)
		return
	}

	result, err := s.engine.ProcessEntityRules(r.Context(), companyID, req.EntityType, req.EventType, req.Data)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "evaluation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyParam(w, r)
	if !ok {
		return
	}
	data, ok := decodeEntity(w, r)
	if !ok {
		return
	}

	e := s.entities.Create(companyID, chi.URLParam(r, "entityType"), data)
	res, _ := interception.ResultFromContext(r.Context())
	respondJSON(w, http.StatusCreated, entityResponse(e, res))
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyParam(w, r)
	if !ok {
		return
	}

	e, err := s.entities.Get(companyID, chi.URLParam(r, "entityType"), chi.URLParam(r, "entityId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "entity not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, entityResponse(e, nil))
}

func (s *Server) handleReplaceEntity(w http.ResponseWriter, r *http.Request) {
	s.modifyEntity(w, r, s.entities.Replace)
}

func (s *Server) handleMergeEntity(w http.ResponseWriter, r *http.Request) {
	s.modifyEntity(w, r, s.entities.Merge)
}

func (s *Server) modifyEntity(w http.ResponseWriter, r *http.Request, write func(int64, string, string, map[string]any) (*Entity, error)) {
	companyID, ok := companyParam(w, r)
	if !ok {
		return
	}
	data, ok := decodeEntity(w, r)
	if !ok {
		return
	}

	e, err := write(companyID, chi.URLParam(r, "entityType"), chi.URLParam(r, "entityId"), data)
	if err != nil {
		respondError(w, http.StatusNotFound, "entity not found", nil)
		return
	}
	res, _ := interception.ResultFromContext(r.Context())
	respondJSON(w, http.StatusOK, entityResponse(e, res))
}

func decodeEntity(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil || data == nil {
		respondError(w, http.StatusBadRequest, "request body must be a JSON object", err)
		return nil, false
	}
	return data, true
}

func companyParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "companyId"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid company id", nil)
		return 0, false
	}
	return id, true
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}

	if status >= http.StatusInternalServerError {
		logger.ErrorHttp5xx()
		logger.Error(message, "status", status, "error", err)
	} else {
		logger.WarnHttp4xx(status)
	}
	respondJSON(w, status, response)
}

func respondServiceError(w http.ResponseWriter, message string, err error) {
	respondError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, rules.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrRuleExists):
		return http.StatusConflict
	case errors.Is(err, rules.ErrInvalidRule), errors.Is(err, rules.ErrImmutableField):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
