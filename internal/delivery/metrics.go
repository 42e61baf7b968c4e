package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "salondesk"

var (
	messagesEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "enqueued_total",
			Help:      "Messages accepted into recipient queues",
		},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Queued delivery attempts by result",
		},
		[]string{"result"},
	)

	messagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "dropped_total",
			Help:      "Messages dropped after exhausting retries",
		},
	)

	immediateSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "immediate_total",
			Help:      "Immediate (unqueued) sends by result",
		},
		[]string{"result"},
	)

	queueRecipients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "recipients",
			Help:      "Recipients with a live queue",
		},
	)
)
