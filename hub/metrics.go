package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var hubDeliveries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "curator",
	Subsystem: "hub",
	Name:      "deliveries_total",
	Help:      "Status delta messages delivered to subscribers.",
})
