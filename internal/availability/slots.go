package availability

import (
	"time"

	"github.com/shohag/salondesk/internal/models"
)

// Window describes the candidate grid for one business day.
type Window struct {
	Open        time.Time
	Close       time.Time
	Granularity time.Duration
	// NotBefore drops candidates starting earlier than it; zero keeps all.
	NotBefore time.Time
}

// FreeSlots walks the window at its granularity and returns, in chronological
// order, up to max start instants whose [start, start+duration) interval ends
// by Close and overlaps none of busy.
func FreeSlots(w Window, duration time.Duration, busy []models.Interval, max int) []time.Time {
	if duration <= 0 || w.Granularity <= 0 || max <= 0 {
		return nil
	}

	var slots []time.Time
	for start := w.Open; !start.Add(duration).After(w.Close); start = start.Add(w.Granularity) {
		if start.Before(w.NotBefore) {
			continue
		}
		candidate := models.Interval{Start: start, Duration: duration}
		if overlapsAny(candidate, busy) {
			continue
		}
		slots = append(slots, start)
		if len(slots) == max {
			break
		}
	}
	return slots
}

func overlapsAny(candidate models.Interval, busy []models.Interval) bool {
	for _, b := range busy {
		if b.Overlaps(candidate) {
			return true
		}
	}
	return false
}
