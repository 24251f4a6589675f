package session

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowsync",
		Subsystem: "session",
		Name:      "open",
		Help:      "Deals with a live session.",
	})

	sessionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "session",
		Name:      "opened_total",
		Help:      "Sessions opened since start.",
	})

	sessionsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "session",
		Name:      "evicted_total",
		Help:      "Sessions closed after sitting idle.",
	})

	sessionsRefused = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "session",
		Name:      "refused_total",
		Help:      "Session opens refused at the cap.",
	})
)

func init() {
	prometheus.MustRegister(sessionsOpen, sessionsOpened, sessionsEvicted, sessionsRefused)
}
