package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "curator",
		Subsystem: "worker",
		Name:      "uploads_total",
		Help:      "Upload requests driven to a terminal state, by outcome status.",
	}, []string{"status"})

	uploadRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "curator",
		Subsystem: "worker",
		Name:      "upload_retries_total",
		Help:      "Execution attempts retried after a transient error.",
	})
)
