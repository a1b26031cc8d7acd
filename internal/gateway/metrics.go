package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "gateway",
			Name:      "events_dispatched",
			Help:      "Total number of client events dispatched",
		},
		[]string{"event"},
	)
	broadcastsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "gateway",
		Name:      "broadcasts_delivered",
		Help:      "Total number of per-connection broadcast deliveries",
	})
	authFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "gateway",
		Name:      "auth_failures",
		Help:      "Total number of connections rejected at authentication",
	})
)

func init() {
	prometheus.MustRegister(eventsDispatched, broadcastsDelivered, authFailures)
}
