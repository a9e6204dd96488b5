package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_publisher_template_versions_published_total",
		Help: "Template versions published, by template type.",
	}, []string{"type"})

	deploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_publisher_deployments_total",
		Help: "Deployments by status transition.",
	}, []string{"status"})

	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_publisher_webhook_deliveries_total",
		Help: "Webhook deliveries to consumers by outcome.",
	}, []string{"outcome"})

	deliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncd_publisher_webhook_delivery_seconds",
		Help:    "Time spent delivering one template to one consumer, retries included.",
		Buckets: prometheus.DefBuckets,
	})
)
