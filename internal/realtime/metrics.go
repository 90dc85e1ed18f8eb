package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facmandu_events_published_total",
			Help: "Events published on the realtime bus",
		},
		[]string{"type"},
	)

	subscriberCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "facmandu_bus_subscribers",
			Help: "Currently registered bus subscribers",
		},
	)
)
