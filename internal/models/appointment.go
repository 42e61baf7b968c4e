package models

import "time"

type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "scheduled"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentNoShow    AppointmentStatus = "no_show"
)

// Blocking reports whether an appointment in this status occupies its interval.
func (s AppointmentStatus) Blocking() bool {
	return s == AppointmentScheduled || s == AppointmentConfirmed
}

type Appointment struct {
	ID              string            `json:"id"`
	ClientID        string            `json:"client_id"`
	ServiceID       string            `json:"service_id"`
	Start           time.Time         `json:"start"`
	DurationMinutes int               `json:"duration_minutes"`
	Status          AppointmentStatus `json:"status"`
	Notes           string            `json:"notes,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

func (a Appointment) Interval() Interval {
	return Interval{Start: a.Start, Duration: time.Duration(a.DurationMinutes) * time.Minute}
}

// Interval is the half-open span [Start, Start+Duration).
type Interval struct {
	Start    time.Time
	Duration time.Duration
}

func (i Interval) End() time.Time {
	return i.Start.Add(i.Duration)
}

// Overlaps reports whether the two half-open intervals share at least one instant.
func (i Interval) Overlaps(o Interval) bool {
	return o.Start.Before(i.End()) && o.End().After(i.Start)
}
