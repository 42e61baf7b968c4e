// Package availability computes free appointment slots on the salon's single
// shared calendar and books them.
package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/salondesk/internal/models"
	"github.com/shohag/salondesk/internal/storage"
)

var ErrInvalidDuration = errors.New("availability: duration must be positive")

// Store is the slice of persistence the engine needs.
type Store interface {
	FindOverlapping(ctx context.Context, start, end time.Time) ([]models.Interval, error)
	CreateAppointment(ctx context.Context, a *models.Appointment) error
	GetService(ctx context.Context, id string) (*models.Service, error)
	GetOrCreateClient(ctx context.Context, phone, name string) (*models.Client, error)
}

// Notifier is told about every successful booking. Implementations must not
// block the caller.
type Notifier interface {
	NotifyBooking(ctx context.Context, b Booking)
}

type Config struct {
	OpenHour    int
	CloseHour   int
	Granularity time.Duration
	MaxSlots    int
	Location    *time.Location
}

func DefaultConfig() Config {
	return Config{
		OpenHour:    9,
		CloseHour:   19,
		Granularity: 15 * time.Minute,
		MaxSlots:    10,
		Location:    time.Local,
	}
}

type Engine struct {
	cfg      Config
	store    Store
	notifier Notifier
	now      func() time.Time
	log      zerolog.Logger
}

func NewEngine(cfg Config, store Store, notifier Notifier, log zerolog.Logger) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		now:      time.Now,
		log:      log.With().Str("component", "availability").Logger(),
	}
}

// WithClock replaces the engine's notion of "now".
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) Location() *time.Location {
	return e.cfg.Location
}

// Today returns midnight of the current day in the salon's time zone.
func (e *Engine) Today() time.Time {
	return startOfDay(e.now(), e.cfg.Location)
}

// CheckAvailability returns up to MaxSlots free start instants on day for an
// appointment of the given duration. A day already in the past yields no
// slots; on the current day, start instants that have already passed are
// skipped.
func (e *Engine) CheckAvailability(ctx context.Context, day time.Time, duration time.Duration) ([]time.Time, error) {
	if duration <= 0 {
		return nil, ErrInvalidDuration
	}

	midnight := startOfDay(day, e.cfg.Location)
	today := e.Today()
	if midnight.Before(today) {
		return nil, nil
	}

	open, closing := e.hoursOn(midnight)
	w := Window{
		Open:        open,
		Close:       closing,
		Granularity: e.cfg.Granularity,
	}
	if midnight.Equal(today) {
		w.NotBefore = e.now()
	}

	busy, err := e.store.FindOverlapping(ctx, w.Open, w.Close)
	if err != nil {
		return nil, fmt.Errorf("find overlapping appointments: %w", err)
	}

	slots := FreeSlots(w, duration, busy, e.cfg.MaxSlots)
	recordAvailabilityCheck(len(slots))
	return slots, nil
}

// IsSlotFree re-reads the calendar and reports whether [start, start+duration)
// is clear of scheduled and confirmed appointments.
func (e *Engine) IsSlotFree(ctx context.Context, start time.Time, duration time.Duration) (bool, error) {
	if duration <= 0 {
		return false, ErrInvalidDuration
	}
	candidate := models.Interval{Start: start, Duration: duration}
	busy, err := e.store.FindOverlapping(ctx, candidate.Start, candidate.End())
	if err != nil {
		return false, fmt.Errorf("find overlapping appointments: %w", err)
	}
	return !overlapsAny(candidate, busy), nil
}

// Bookable reports whether [start, start+duration) lies inside the business
// window of its day and has not started yet. It does not look at the calendar.
func (e *Engine) Bookable(start time.Time, duration time.Duration) bool {
	if duration <= 0 || start.Before(e.now()) {
		return false
	}
	open, closing := e.hoursOn(start)
	return !start.Before(open) && !start.Add(duration).After(closing)
}

// hoursOn returns the opening and closing instants on day's calendar date.
// They are wall-clock times, so a DST change that day does not shift them.
func (e *Engine) hoursOn(day time.Time) (open, closing time.Time) {
	y, m, d := day.In(e.cfg.Location).Date()
	open = time.Date(y, m, d, e.cfg.OpenHour, 0, 0, 0, e.cfg.Location)
	closing = time.Date(y, m, d, e.cfg.CloseHour, 0, 0, 0, e.cfg.Location)
	return open, closing
}

// Hours returns the configured opening and closing hour.
func (e *Engine) Hours() (openHour, closeHour int) {
	return e.cfg.OpenHour, e.cfg.CloseHour
}

// FailureReason explains an unsuccessful booking.
type FailureReason string

const (
	ReasonConflict FailureReason = "conflict"
	ReasonNotFound FailureReason = "not_found"
)

type BookingRequest struct {
	Recipient  string
	ClientName string
	ServiceID  string
	Start      time.Time
	Notes      string
}

type BookingResult struct {
	Success       bool
	AppointmentID string
	Reason        FailureReason
}

// Booking describes a committed appointment, as handed to the Notifier.
type Booking struct {
	AppointmentID string
	Recipient     string
	ClientName    string
	Service       models.Service
	Interval      models.Interval
}

// Book commits an appointment if the slot is still free. Conflicts and
// unknown services are reported in the result; the returned error is reserved
// for unexpected failures such as an unavailable database.
func (e *Engine) Book(ctx context.Context, req BookingRequest) (BookingResult, error) {
	svc, err := e.store.GetService(ctx, req.ServiceID)
	if errors.Is(err, storage.ErrNotFound) {
		recordBooking(string(ReasonNotFound))
		return BookingResult{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		recordBooking("error")
		return BookingResult{}, fmt.Errorf("get service: %w", err)
	}

	free, err := e.IsSlotFree(ctx, req.Start, svc.Duration())
	if err != nil {
		recordBooking("error")
		return BookingResult{}, err
	}
	if !free {
		recordBooking(string(ReasonConflict))
		return BookingResult{Reason: ReasonConflict}, nil
	}

	client, err := e.store.GetOrCreateClient(ctx, req.Recipient, req.ClientName)
	if err != nil {
		recordBooking("error")
		return BookingResult{}, fmt.Errorf("get or create client: %w", err)
	}

	appt := &models.Appointment{
		ClientID:        client.ID,
		ServiceID:       svc.ID,
		Start:           req.Start.UTC(),
		DurationMinutes: svc.DurationMinutes,
		Status:          models.AppointmentScheduled,
		Notes:           req.Notes,
	}
	// The store re-checks overlap inside its own transaction, closing the gap
	// between IsSlotFree and the insert.
	if err := e.store.CreateAppointment(ctx, appt); err != nil {
		if errors.Is(err, storage.ErrSlotTaken) {
			recordBooking(string(ReasonConflict))
			return BookingResult{Reason: ReasonConflict}, nil
		}
		recordBooking("error")
		return BookingResult{}, fmt.Errorf("create appointment: %w", err)
	}

	recordBooking("success")
	e.log.Info().
		Str("appointment_id", appt.ID).
		Str("recipient", req.Recipient).
		Str("service", svc.Name).
		Time("start", req.Start).
		Msg("appointment booked")

	if e.notifier != nil {
		e.notifier.NotifyBooking(ctx, Booking{
			AppointmentID: appt.ID,
			Recipient:     req.Recipient,
			ClientName:    client.Name,
			Service:       *svc,
			Interval:      appt.Interval(),
		})
	}

	return BookingResult{Success: true, AppointmentID: appt.ID}, nil
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
