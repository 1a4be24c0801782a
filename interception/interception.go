// Package interception runs a company's business rules in front of entity
// create and update handlers.
//
// The middleware reads the JSON body, hands it to the rule engine for the
// event mapped from the HTTP method, and either rejects the request or
// replaces its body with the transformed record before the wrapped handler
// runs.
package interception

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/liamcoop/bizrules/internal/logger"
	"github.com/liamcoop/bizrules/rules"
)

// Lifecycle events raised by the default method mapping.
const (
	EventBeforeCreate = "beforeCreate"
	EventBeforeUpdate = "beforeUpdate"
)

// CompanyHeader carries the tenant when the route has no companyId parameter.
const CompanyHeader = "X-Company-ID"

// DefaultMaxBodyBytes bounds the body read for rule processing.
const DefaultMaxBodyBytes int64 = 1 << 20

// Processor is the part of the rule engine the interceptor needs.
type Processor interface {
	ProcessEntityRules(ctx context.Context, companyID int64, entityType, eventType string, data map[string]any) (*rules.Result, error)
}

// Resolver extracts a tenant or entity value from a request. ok is false
// when the request carries no such context.
type Resolver[T any] func(r *http.Request) (value T, ok bool)

// Interceptor is a chi-compatible middleware factory.
type Interceptor struct {
	engine       Processor
	events       map[string]string
	company      Resolver[int64]
	entity       Resolver[string]
	maxBodyBytes int64
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithEvents replaces the HTTP method to event type mapping.
func WithEvents(events map[string]string) Option {
	return func(i *Interceptor) {
		i.events = make(map[string]string, len(events))
		for method, event := range events {
			i.events[strings.ToUpper(method)] = event
		}
	}
}

// WithCompanyResolver overrides how the company id is found.
func WithCompanyResolver(fn Resolver[int64]) Option {
	return func(i *Interceptor) { i.company = fn }
}

// WithEntityResolver overrides how the entity type is found.
func WithEntityResolver(fn Resolver[string]) Option {
	return func(i *Interceptor) { i.entity = fn }
}

// WithMaxBodyBytes limits the size of intercepted bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(i *Interceptor) {
		if n > 0 {
			i.maxBodyBytes = n
		}
	}
}

// New creates an interceptor over engine.
func New(engine Processor, opts ...Option) *Interceptor {
	i := &Interceptor{
		engine: engine,
		events: map[string]string{
			http.MethodPost:  EventBeforeCreate,
			http.MethodPut:   EventBeforeUpdate,
			http.MethodPatch: EventBeforeUpdate,
		},
		company:      CompanyFromRequest,
		entity:       EntityTypeFromRequest,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// CompanyFromRequest reads the chi URL parameter companyId, falling back to
// the X-Company-ID header. Non-numeric or non-positive values count as absent.
func CompanyFromRequest(r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "companyId")
	if raw == "" {
		raw = r.Header.Get(CompanyHeader)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// EntityTypeFromRequest reads the chi URL parameter entityType.
func EntityTypeFromRequest(r *http.Request) (string, bool) {
	entityType := chi.URLParam(r, "entityType")
	return entityType, entityType != ""
}

type resultKey struct{}

// ResultFromContext returns the engine result of an intercepted request.
func ResultFromContext(ctx context.Context) (*rules.Result, bool) {
	res, ok := ctx.Value(resultKey{}).(*rules.Result)
	return res, ok
}

// Handler wraps next with rule processing.
func (i *Interceptor) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		eventType, ok := i.events[r.Method]
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		companyID, ok := i.company(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		entityType, ok := i.entity(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		data, err := i.readObject(w, r)
		if err != nil {
			logger.WarnHttp4xx(http.StatusBadRequest)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		result, err := i.engine.ProcessEntityRules(r.Context(), companyID, entityType, eventType, data)
		if err != nil {
			logger.ErrorHttp5xx()
			logger.Error("business rules failed",
				"companyId", companyID,
				"entityType", entityType,
				"eventType", eventType,
				"error", err,
			)
			writeError(w, http.StatusInternalServerError, "failed to process business rules")
			return
		}

		if !result.Valid {
			logger.WarnHttp4xx(http.StatusUnprocessableEntity)
			writeError(w, http.StatusUnprocessableEntity, result.Message)
			return
		}

		body, err := json.Marshal(result.Data)
		if err != nil {
			logger.ErrorHttp5xx()
			logger.Error("failed to encode processed entity", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to encode processed entity")
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), resultKey{}, result))
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		r.Header.Set("Content-Length", strconv.Itoa(len(body)))
		next.ServeHTTP(w, r)
	})
}

var errNotObject = errors.New("request body must be a JSON object")

func (i *Interceptor) readObject(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	if r.Body == nil {
		return nil, errNotObject
	}
	defer r.Body.Close()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, i.maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errNotObject
	}

	// Numbers stay json.Number so fields no rule touches are re-encoded verbatim.
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("invalid JSON body: trailing data after object")
	}
	return data, nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
