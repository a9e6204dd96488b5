package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_consumer_applies_total",
		Help: "Artifact applications by outcome.",
	}, []string{"outcome"})

	applyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncd_consumer_apply_seconds",
		Help:    "Time spent applying one artifact, lock wait excluded.",
		Buckets: prometheus.DefBuckets,
	})

	rollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_consumer_rollbacks_total",
		Help: "Rollbacks by outcome.",
	}, []string{"outcome"})

	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_consumer_fetches_total",
		Help: "Requests to the publisher or blob store by kind.",
	}, []string{"kind"})

	pullsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_consumer_pulls_total",
		Help: "Pull cycles by outcome.",
	}, []string{"outcome"})
)
