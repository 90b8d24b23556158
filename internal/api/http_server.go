package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"seminarhall/internal/config"
	"seminarhall/internal/domain"
	"seminarhall/internal/metrics"
	"seminarhall/internal/models"
	"seminarhall/internal/slots"

	"github.com/rs/zerolog"
)

const requestIDHeader = "X-Request-ID"

// Exporter renders reservations as a spreadsheet.
type Exporter interface {
	Write(w io.Writer, reservations []*models.Reservation, halls map[string]*models.Resource) error
}

// DeadLetters lists outbox tasks that ran out of retries.
type DeadLetters interface {
	GetFailedOutboxTasks(ctx context.Context) ([]models.OutboxTask, error)
}

// Dependencies are the services the HTTP API calls into.
type Dependencies struct {
	Reservations domain.ReservationService
	Resources    domain.ResourceService
	Calendar     *slots.Calendar
	Exporter     Exporter
	Store        Pinger
	Outbox       DeadLetters
}

// HTTPServer exposes the reservation engine over JSON.
type HTTPServer struct {
	cfg     config.APIConfig
	deps    Dependencies
	auth    *HTTPAuth
	handler http.Handler
	server  *http.Server
	log     zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, deps Dependencies, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:  cfg,
		deps: deps,
		auth: NewHTTPAuth(cfg),
		log:  zerolog.Nop(),
	}
	if logger != nil {
		srv.log = logger.With().Str("component", "http").Logger()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealth)
	mux.HandleFunc("GET /api/v1/slots", srv.handleSlots)

	mux.HandleFunc("GET /api/v1/resources", srv.handleListResources)
	mux.HandleFunc("POST /api/v1/resources", srv.handleCreateResource)
	mux.HandleFunc("GET /api/v1/resources/{id}", srv.handleGetResource)
	mux.HandleFunc("DELETE /api/v1/resources/{id}", srv.handleDeleteResource)
	mux.HandleFunc("GET /api/v1/resources/{id}/board", srv.handleBoard)

	mux.HandleFunc("GET /api/v1/reservations", srv.handleListReservations)
	mux.HandleFunc("POST /api/v1/reservations", srv.handleCreateReservation)
	mux.HandleFunc("GET /api/v1/reservations/export", srv.handleExport)
	mux.HandleFunc("GET /api/v1/reservations/{id}", srv.handleGetReservation)
	mux.HandleFunc("DELETE /api/v1/reservations/{id}", srv.handleCancelReservation)
	mux.HandleFunc("POST /api/v1/reservations/{id}/transition", srv.handleTransition)
	mux.HandleFunc("GET /api/v1/reservations/{id}/waitlist-position", srv.handleWaitlistPosition)
	mux.HandleFunc("GET /api/v1/reservations/{id}/transitions", srv.handleAllowedTransitions)

	mux.HandleFunc("GET /api/v1/outbox/failed", srv.handleFailedOutbox)

	srv.handler = srv.requestIDMiddleware(srv.loggingMiddleware(srv.auth.Wrap(mux)))
	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

// Handler returns the fully wrapped router.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type requestIDKey struct{}

func (s *HTTPServer) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := requestID(r.Header.Get(requestIDHeader))
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint, strconv.Itoa(recorder.status))

		s.log.Info().
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error   string         `json:"error"`
	Kind    string         `json:"kind,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, errorBody{Error: message})
}

func writeDomainError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	writeJSON(w, statusForKind(kind), errorBody{
		Error:   err.Error(),
		Kind:    string(kind),
		Details: domain.Details(err),
	})
}

func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindConflict, domain.KindInvalidTransition:
		return http.StatusConflict
	case domain.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case domain.KindOutOfWindow:
		return http.StatusUnprocessableEntity
	case domain.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.Validation("body", "invalid JSON body: %v", err)
	}
	return nil
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
