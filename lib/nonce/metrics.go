package nonce

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	noncesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scorerelay_nonces_issued_total",
		Help: "The total number of score nonces issued",
	})

	noncesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scorerelay_nonces_consumed_total",
		Help: "The total number of nonce consumption attempts by result",
	}, []string{"result"})
)
