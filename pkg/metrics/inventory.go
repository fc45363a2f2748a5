package metrics

import "github.com/prometheus/client_golang/prometheus"

// InventoryMetrics counts stock engine outcomes. A nil receiver is a no-op so
// services can run without a registry.
type InventoryMetrics struct {
	holds       *prometheus.CounterVec
	idempotency *prometheus.CounterVec
	transfers   *prometheus.CounterVec
	ledger      *prometheus.CounterVec
	drift       prometheus.Counter
}

// NewInventoryMetrics registers the inventory metrics on the provided registerer.
func NewInventoryMetrics(reg prometheus.Registerer) *InventoryMetrics {
	if reg == nil {
		return &InventoryMetrics{}
	}
	holds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hold_transitions_total",
		Help:      "Stock hold transitions by resulting status.",
	}, []string{"status"})
	idempotency := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "idempotency_outcomes_total",
		Help:      "Idempotency registry outcomes by operation.",
	}, []string{"operation", "outcome"})
	transfers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfers_total",
		Help:      "Outlet transfers by outcome.",
	}, []string{"outcome"})
	ledger := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_entries_total",
		Help:      "Ledger entries appended by reference type.",
	}, []string{"reference_type"})
	drift := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_drift_total",
		Help:      "Stock snapshots found to disagree with the ledger sum.",
	})
	reg.MustRegister(holds, idempotency, transfers, ledger, drift)
	return &InventoryMetrics{
		holds:       holds,
		idempotency: idempotency,
		transfers:   transfers,
		ledger:      ledger,
		drift:       drift,
	}
}

func (m *InventoryMetrics) HoldTransition(status string) {
	if m == nil || m.holds == nil {
		return
	}
	m.holds.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *InventoryMetrics) IdempotencyOutcome(operation, outcome string) {
	if m == nil || m.idempotency == nil {
		return
	}
	m.idempotency.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Inc()
}

func (m *InventoryMetrics) Transfer(outcome string) {
	if m == nil || m.transfers == nil {
		return
	}
	m.transfers.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *InventoryMetrics) LedgerEntry(referenceType string) {
	if m == nil || m.ledger == nil {
		return
	}
	m.ledger.WithLabelValues(normalizeLabel(referenceType)).Inc()
}

func (m *InventoryMetrics) SnapshotDrift() {
	if m == nil || m.drift == nil {
		return
	}
	m.drift.Inc()
}

// normalizeLabel keeps blank label values from producing an empty series.
func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
