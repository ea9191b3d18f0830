package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/tripintake/internal/core/dates"
	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
	"github.com/atvirokodosprendimai/tripintake/internal/core/usecase"
)

type ctxKey string

const (
	timeFormat                = "2006-01-02T15:04:05.999999999Z07:00"
	credentialCtxKey   ctxKey = "credential"
	maxJSONBodySize           = 1 << 20
	defaultRetryAfterS        = 60
)

type Handler struct {
	intake *usecase.IntakeService
	trips  *usecase.TripService
	auth   *usecase.AuthService
	logger *zap.Logger

	// Zone of the quota's calendar day, used for Retry-After.
	loc *time.Location
	now func() time.Time
}

type Option func(*Handler)

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithQuotaLocation(loc *time.Location) Option {
	return func(h *Handler) {
		if loc != nil {
			h.loc = loc
		}
	}
}

func NewHandler(intake *usecase.IntakeService, trips *usecase.TripService, auth *usecase.AuthService, opts ...Option) *Handler {
	h := &Handler{
		intake: intake,
		trips:  trips,
		auth:   auth,
		logger: zap.NewNop(),
		loc:    time.UTC,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Named("http")
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.healthz)
	r.Get("/openapi.json", h.openapi)

	r.Group(func(pr chi.Router) {
		pr.Use(h.requireAPIKey)
		pr.Post("/v1/trips", h.submitTrip)
		pr.Get("/v1/trips/{id}", h.getTrip)
		pr.Put("/v1/trips/{id}/recommendation", h.completeTrip)
	})

	return r
}

type fieldErrorResponse struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

type rejectionResponse struct {
	Error    string               `json:"error"`
	Reason   string               `json:"reason,omitempty"`
	Errors   []fieldErrorResponse `json:"errors,omitempty"`
	ResetsOn string               `json:"resets_on,omitempty"`
}

type tripResponse struct {
	ID   string        `json:"id"`
	Trip tripBody      `json:"trip"`
	Meta *tripMetadata `json:"meta,omitempty"`
}

type tripBody struct {
	domain.TripRecord
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type tripMetadata struct {
	CreatedAt   string `json:"created_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

func (h *Handler) submitTrip(w http.ResponseWriter, r *http.Request) {
	cred := credentialFromContext(r.Context())
	envelope, ok := h.readEnvelope(w, r)
	if !ok {
		return
	}

	trip, err := h.intake.Submit(r.Context(), cred.Identity, envelope)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toTripResponse(trip))
}

func (h *Handler) getTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := h.trips.Get(r.Context(), credentialFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toTripResponse(trip))
}

func (h *Handler) completeTrip(w http.ResponseWriter, r *http.Request) {
	cred := credentialFromContext(r.Context())
	envelope, ok := h.readEnvelope(w, r)
	if !ok {
		return
	}

	trip, err := h.trips.Complete(r.Context(), cred, chi.URLParam(r, "id"), envelope)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toTripResponse(trip))
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) openapi(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, openapiSpec())
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if token == "" {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token = strings.TrimSpace(auth[7:])
			}
		}

		cred, err := h.auth.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, usecase.ErrUnauthorized) {
				h.writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			h.handleDomainError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), credentialCtxKey, cred)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// readEnvelope decodes exactly one JSON value. Any shape is accepted; the
// rule tree decides what is valid.
func (h *Handler) readEnvelope(w http.ResponseWriter, r *http.Request) (domain.Value, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	var raw any
	if err := decoder.Decode(&raw); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json body")
		return domain.Value{}, false
	}
	if err := ensureEOF(decoder); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json body")
		return domain.Value{}, false
	}
	v, err := domain.FromInterface(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json body")
		return domain.Value{}, false
	}
	return v, true
}

func toTripResponse(trip domain.TripRecord) tripResponse {
	meta := &tripMetadata{CreatedAt: trip.CreatedAt.UTC().Format(timeFormat)}
	if trip.CompletedAt != nil {
		meta.CompletedAt = trip.CompletedAt.UTC().Format(timeFormat)
	}
	return tripResponse{
		ID: trip.ID,
		Trip: tripBody{
			TripRecord: trip,
			StartDate:  dates.Day(trip.StartDate, time.UTC),
			EndDate:    dates.Day(trip.EndDate, time.UTC),
		},
		Meta: meta,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		h.logger.Error("encode json response", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		h.logger.Debug("write response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, rejectionResponse{Error: message})
}

func (h *Handler) handleDomainError(w http.ResponseWriter, err error) {
	var limited *domain.RateLimitExceeded
	reason := domain.ReasonCode(err)
	switch {
	case reason == domain.ReasonValidationFailed, reason == domain.ReasonInvalidDates:
		h.writeJSON(w, http.StatusBadRequest, rejectionResponse{
			Error:  err.Error(),
			Reason: reason,
			Errors: toFieldErrors(domain.FieldErrors(err)),
		})
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(h.retryAfter(limited.ResetsOn)))
		h.writeJSON(w, http.StatusTooManyRequests, rejectionResponse{
			Error:    "daily submission limit reached",
			Reason:   reason,
			ResetsOn: limited.ResetsOn,
		})
	case errors.Is(err, domain.ErrStoreUnavailable):
		h.logger.Warn("store unavailable", zap.Error(err))
		w.Header().Set("Retry-After", strconv.Itoa(defaultRetryAfterS))
		h.writeJSON(w, http.StatusServiceUnavailable, rejectionResponse{
			Error:  "service temporarily unavailable",
			Reason: reason,
		})
	case errors.Is(err, domain.ErrInvalidKey):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("unhandled error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// retryAfter returns whole seconds until resetsOn begins in h.loc, at least 1.
func (h *Handler) retryAfter(resetsOn string) int {
	reset, err := time.ParseInLocation(dates.DayLayout, resetsOn, h.loc)
	if err != nil {
		return defaultRetryAfterS
	}
	secs := math.Ceil(reset.Sub(h.now()).Seconds())
	if secs < 1 {
		return 1
	}
	return int(secs)
}

func toFieldErrors(errs []domain.FieldError) []fieldErrorResponse {
	out := make([]fieldErrorResponse, 0, len(errs))
	for _, fe := range errs {
		item := fieldErrorResponse{Path: fe.Path, Message: fe.Message}
		if fe.Present {
			item.Value = fe.Value
		}
		out = append(out, item)
	}
	return out
}

func ensureEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return errors.New("extra json tokens")
}

func credentialFromContext(ctx context.Context) domain.Credential {
	cred, _ := ctx.Value(credentialCtxKey).(domain.Credential)
	return cred
}

func openapiSpec() map[string]any {
	return map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "tripintake",
			"version": "1.0.0",
		},
		"paths": map[string]any{
			"/v1/trips": map[string]any{
				"post": map[string]any{"summary": "Submit a trip request"},
			},
			"/v1/trips/{id}": map[string]any{
				"get": map[string]any{"summary": "Get a trip request"},
			},
			"/v1/trips/{id}/recommendation": map[string]any{
				"put": map[string]any{"summary": "Attach a recommendation and complete the trip"},
			},
		},
	}
}
