package availability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "salondesk"

var (
	bookingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "availability",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome",
		},
		[]string{"outcome"},
	)

	slotsReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "availability",
			Name:      "slots_returned",
			Help:      "Number of free slots returned per availability check",
			Buckets:   []float64{0, 1, 2, 4, 6, 8, 10},
		},
	)
)

func recordBooking(outcome string) {
	bookingsTotal.WithLabelValues(outcome).Inc()
}

func recordAvailabilityCheck(slots int) {
	slotsReturned.Observe(float64(slots))
}
