package metrics

import "github.com/prometheus/client_golang/prometheus"

// OutboxMetrics tracks the relay that moves outbox rows onto Pub/Sub.
type OutboxMetrics struct {
	deliveries *prometheus.CounterVec
	batchRows  prometheus.Histogram
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_deliveries_total",
		Help:      "Outbox rows handled by the relay, by verdict.",
	}, []string{"verdict"})
	batchRows := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "outbox_batch_rows",
		Help:      "Rows claimed per relay batch.",
		Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
	})
	reg.MustRegister(deliveries, batchRows)
	return &OutboxMetrics{deliveries: deliveries, batchRows: batchRows}
}

func (m *OutboxMetrics) Delivery(verdict string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(normalizeLabel(verdict)).Inc()
}

func (m *OutboxMetrics) BatchRows(n int) {
	if m == nil || m.batchRows == nil {
		return
	}
	m.batchRows.Observe(float64(n))
}
