package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "salondesk"

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Conversation stage transitions",
		},
		[]string{"from", "to"},
	)

	intentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "intents_total",
			Help:      "Inbound messages by classified intent",
		},
		[]string{"intent"},
	)

	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "steps_total",
			Help:      "Background steps by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	conversationsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "conversations",
			Help:      "Conversations currently held in memory",
		},
	)
)
