package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"seminarhall/internal/domain"
	"seminarhall/internal/models"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleSlots(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"periods": s.deps.Calendar.Periods()})
}

type createResourceRequest struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Capacity int      `json:"capacity"`
	Location string   `json:"location"`
	Features []string `json:"features"`
}

func (s *HTTPServer) handleListResources(w http.ResponseWriter, r *http.Request) {
	halls, err := s.deps.Resources.ListResources(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": halls})
}

func (s *HTTPServer) handleCreateResource(w http.ResponseWriter, r *http.Request) {
	var req createResourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	created, err := s.deps.Resources.CreateResource(r.Context(), s.auth.Actor(r), &models.Resource{
		ID:       req.ID,
		Name:     req.Name,
		Capacity: req.Capacity,
		Location: req.Location,
		Features: req.Features,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetResource(w http.ResponseWriter, r *http.Request) {
	hall, err := s.deps.Resources.GetResource(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hall)
}

func (s *HTTPServer) handleDeleteResource(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.deps.Resources.DeleteResource(r.Context(), s.auth.Actor(r), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func (s *HTTPServer) handleBoard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	board, err := s.deps.Reservations.SlotBoard(r.Context(), id, date)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resource_id": id,
		"date":        date,
		"slots":       board,
	})
}

func (s *HTTPServer) handleListReservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.ReservationFilter{
		ResourceID:  strings.TrimSpace(q.Get("resource_id")),
		RequesterID: strings.TrimSpace(q.Get("requester_id")),
	}
	for _, raw := range splitCSV(q.Get("status")) {
		st, ok := models.ParseStatus(raw)
		if !ok {
			writeDomainError(w, domain.Validation("status", "unknown status %q", raw))
			return
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	if raw := strings.TrimSpace(q.Get("date")); raw != "" {
		d, err := models.ParseDate(raw)
		if err != nil {
			writeDomainError(w, domain.Validation("date", "invalid date %q", raw))
			return
		}
		filter.Date = &d
	}

	list, err := s.deps.Reservations.ListReservations(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": list})
}

func (s *HTTPServer) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateReservationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	created, err := s.deps.Reservations.CreateReservation(r.Context(), s.auth.Actor(r), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	found, err := s.deps.Reservations.GetReservation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

type transitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (s *HTTPServer) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	target, ok := models.ParseStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !ok {
		writeDomainError(w, domain.Validation("status", "unknown status %q", req.Status))
		return
	}
	s.transition(w, r, target, req.Reason)
}

func (s *HTTPServer) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, models.StatusCancelled, "")
}

func (s *HTTPServer) transition(w http.ResponseWriter, r *http.Request, target models.Status, reason string) {
	updated, err := s.deps.Reservations.TransitionReservation(r.Context(), s.auth.Actor(r), r.PathValue("id"), target, reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleWaitlistPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pos, err := s.deps.Reservations.WaitlistPosition(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservation_id": id, "position": pos})
}

func (s *HTTPServer) handleAllowedTransitions(w http.ResponseWriter, r *http.Request) {
	found, targets, err := s.deps.Reservations.AllowedTransitions(r.Context(), s.auth.Actor(r), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reservation_id": found.ID,
		"status":         found.Status,
		"transitions":    targets,
	})
}

func (s *HTTPServer) handleFailedOutbox(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Actor(r).IsAdmin() {
		writeDomainError(w, domain.Forbidden("dead letters are available to admins only"))
		return
	}
	if s.deps.Outbox == nil {
		writeError(w, http.StatusNotImplemented, "outbox is not configured")
		return
	}
	tasks, err := s.deps.Outbox.GetFailedOutboxTasks(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("list failed outbox tasks")
		writeError(w, http.StatusInternalServerError, "outbox unavailable")
		return
	}
	if tasks == nil {
		tasks = []models.OutboxTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	actor := s.auth.Actor(r)
	if !actor.IsAdmin() || actor.ID == "" {
		writeDomainError(w, domain.Forbidden("export is available to admins only"))
		return
	}
	if s.deps.Exporter == nil {
		writeError(w, http.StatusNotImplemented, "export is not configured")
		return
	}

	list, err := s.deps.Reservations.ListReservations(r.Context(), models.ReservationFilter{})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resources, err := s.deps.Resources.ListResources(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	halls := make(map[string]*models.Resource, len(resources))
	for _, h := range resources {
		halls[h.ID] = h
	}

	var buf bytes.Buffer
	if err := s.deps.Exporter.Write(&buf, list, halls); err != nil {
		s.log.Error().Err(err).Msg("export reservations")
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	filename := fmt.Sprintf("reservations_%s.xlsx", time.Now().UTC().Format("20060102_150405"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
