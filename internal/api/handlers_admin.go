package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shohag/salondesk/internal/availability"
	"github.com/shohag/salondesk/internal/models"
	"github.com/shohag/salondesk/internal/phone"
	"github.com/shohag/salondesk/internal/receipts"
	"github.com/shohag/salondesk/internal/storage"
)

const dateLayout = "2006-01-02"

type AdminHandler struct {
	deps     Deps
	validate *validator.Validate
}

func NewAdminHandler(deps Deps, validate *validator.Validate) *AdminHandler {
	return &AdminHandler{deps: deps, validate: validate}
}

func (h *AdminHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.deps.Store.ListServices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list services")
		return
	}
	writeJSON(w, http.StatusOK, services)
}

type availabilityResponse struct {
	Date            string   `json:"date"`
	Service         string   `json:"service,omitempty"`
	DurationMinutes int      `json:"duration_minutes"`
	Slots           []string `json:"slots"`
}

func (h *AdminHandler) Availability(w http.ResponseWriter, r *http.Request) {
	loc := h.deps.Scheduler.Location()
	day, err := parseDay(r.URL.Query().Get("date"), loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	resp := availabilityResponse{Date: day.Format(dateLayout), Slots: []string{}}
	if keyword := r.URL.Query().Get("service"); keyword != "" {
		svc, err := h.deps.Store.FindServiceByKeyword(r.Context(), keyword)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "service not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to look up service")
			return
		}
		resp.Service = svc.Name
		resp.DurationMinutes = svc.DurationMinutes
	} else {
		minutes, err := strconv.Atoi(r.URL.Query().Get("duration"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "service or duration is required")
			return
		}
		resp.DurationMinutes = minutes
	}

	slots, err := h.deps.Scheduler.CheckAvailability(r.Context(), day, time.Duration(resp.DurationMinutes)*time.Minute)
	if errors.Is(err, availability.ErrInvalidDuration) {
		writeError(w, http.StatusBadRequest, "duration must be positive")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check availability")
		return
	}
	for _, s := range slots {
		resp.Slots = append(resp.Slots, s.In(loc).Format("15:04"))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	day, err := parseDay(r.URL.Query().Get("date"), h.deps.Scheduler.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	appts, err := h.deps.Store.ListAppointments(r.Context(), day, day.AddDate(0, 0, 1))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list appointments")
		return
	}
	if appts == nil {
		appts = []models.Appointment{}
	}
	writeJSON(w, http.StatusOK, appts)
}

type updateAppointmentRequest struct {
	Status string `json:"status" validate:"required,oneof=scheduled confirmed completed cancelled no_show"`
}

func (h *AdminHandler) UpdateAppointment(w http.ResponseWriter, r *http.Request) {
	var req updateAppointmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	err := h.deps.Store.UpdateAppointmentStatus(r.Context(), id, models.AppointmentStatus(req.Status))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "appointment not found")
		return
	}
	if errors.Is(err, storage.ErrSlotTaken) {
		writeError(w, http.StatusConflict, "slot overlaps an existing appointment")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update appointment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": req.Status})
}

func (h *AdminHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	recipient, ok := h.recipient(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Outbox.Status(recipient))
}

func (h *AdminHandler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	recipient, ok := h.recipient(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recipient": recipient,
		"cleared":   h.deps.Outbox.Clear(recipient),
	})
}

func (h *AdminHandler) BookingStatus(w http.ResponseWriter, r *http.Request) {
	recipient, ok := h.recipient(w, r)
	if !ok {
		return
	}
	st, found := h.deps.Conversations.BookingStatus(recipient)
	if !found {
		writeError(w, http.StatusNotFound, "no conversation for recipient")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *AdminHandler) Receipt(w http.ResponseWriter, r *http.Request) {
	if h.deps.Receipts == nil {
		writeError(w, http.StatusNotFound, "receipt not found")
		return
	}
	rc, err := h.deps.Receipts.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, receipts.ErrNotFound) {
		writeError(w, http.StatusNotFound, "receipt not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get receipt")
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (h *AdminHandler) recipient(w http.ResponseWriter, r *http.Request) (string, bool) {
	n, err := phone.Normalize(chi.URLParam(r, "recipient"), h.deps.Region)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid phone number")
		return "", false
	}
	return n, true
}

// parseDay reads a YYYY-MM-DD date as midnight in loc. Empty means today.
func parseDay(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		now := time.Now().In(loc)
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc), nil
	}
	return time.ParseInLocation(dateLayout, s, loc)
}
