package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomgraph_events_ingested_total",
		Help: "Events processed by the ingestion pipeline, by outcome.",
	}, []string{"status"})
	eventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomgraph_events_rejected_total",
		Help: "Events permanently rejected before storage, by reason.",
	}, []string{"reason"})
	stateResolutions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomgraph_state_resolutions_total",
		Help: "State resolutions across multiple predecessor branches.",
	})
	backfillRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomgraph_backfill_requests_total",
		Help: "Backfill requests issued for events with missing ancestors.",
	})
)
