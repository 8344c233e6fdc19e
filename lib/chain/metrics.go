package chain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chainSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scorerelay_chain_submissions_total",
		Help: "The total number of submitScore transactions by result",
	}, []string{"result"})

	confirmSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scorerelay_chain_confirm_seconds",
		Help:    "Time from broadcasting a score transaction to its first confirmation",
		Buckets: prometheus.ExponentialBucketsRange(0.1, 120, 12),
	})
)
