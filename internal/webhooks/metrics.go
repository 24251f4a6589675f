package webhooks

import "github.com/prometheus/client_golang/prometheus"

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Webhook events queued by type.",
	}, []string{"event_type"})

	dropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "webhook",
		Name:      "dropped_total",
		Help:      "Webhook events dropped because the queue was full.",
	})

	deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(emitTotal, dropped, deliveries)
}
