package portal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "facmandu_portal_dispatches_total",
			Help: "Total upstream dispatches to the mod portal",
		},
	)

	retriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "facmandu_portal_retries_total",
			Help: "Total retried portal attempts",
		},
	)

	dedupHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "facmandu_portal_dedup_hits_total",
			Help: "Calls coalesced onto an already in-flight request",
		},
	)

	inFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "facmandu_portal_in_flight",
			Help: "Currently in-flight portal dispatches",
		},
	)
)
