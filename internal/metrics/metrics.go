// Package metrics holds the Prometheus collectors shared across the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PublishAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worldplane_publish_accepted_total",
		Help: "Object changes accepted through the gateway.",
	}, []string{"path"}) // sync | async

	PublishStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worldplane_publish_stale_total",
		Help: "Changes dropped as stale (version at or below stored).",
	})

	UnauthorizedPublish = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worldplane_unauthorized_publish_total",
		Help: "Publish attempts without a valid authority token.",
	}, []string{"policy"})

	IngestQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worldplane_ingest_queue_dropped_total",
		Help: "Ingest batches shed by the overflow policy.",
	})

	IngestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worldplane_ingest_queue_depth",
		Help: "Current async ingest queue depth.",
	})

	LeaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worldplane_lease_transitions_total",
		Help: "Authority lease state transitions.",
	}, []string{"transition"})

	AffordanceCandidatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worldplane_affordance_candidates_dropped_total",
		Help: "Candidates dropped by per-candidate generator/test failures.",
	})

	AffordanceQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worldplane_affordance_queries_total",
		Help: "Affordance queries by freshness tier and cache outcome.",
	}, []string{"tier", "cache"})

	AffordancePartial = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worldplane_affordance_partial_total",
		Help: "Fresh-tier queries that hit their deadline and returned partial results.",
	})

	SubscriberShed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worldplane_subscriber_shed_total",
		Help: "Events shed from slow subscriber queues.",
	})

	BrokerPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worldplane_broker_published_total",
		Help: "Events published to the broker by topic class.",
	}, []string{"class"})

	BlobOffloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worldplane_blob_offloaded_total",
		Help: "Payloads offloaded to the blob store.",
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worldplane_publish_rate_limited_total",
		Help: "Sync publishes rejected by the per-channel rate limit.",
	})
)
