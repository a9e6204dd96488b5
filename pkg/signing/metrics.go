package signing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var authFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "syncd",
	Name:      "signed_request_rejections_total",
	Help:      "Signed requests rejected by the verifier.",
})
