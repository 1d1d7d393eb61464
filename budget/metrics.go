package budget

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	transitions   *prometheus.CounterVec
	importRows    *prometheus.CounterVec
	upserts       prometheus.Counter
	auditFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "budget_workflow_transitions_total",
			Help: "Successful budget request status transitions by action.",
		}, []string{"action"}),
		importRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "budget_import_rows_total",
			Help: "Imported spreadsheet rows by outcome.",
		}, []string{"outcome"}),
		upserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "budget_allocation_upserts_total",
			Help: "Allocation rows inserted or accumulated by finance approval.",
		}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "budget_audit_write_failures_total",
			Help: "Audit entries that could not be written.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.importRows, m.upserts, m.auditFailures)
	}
	return m
}

func (m *Metrics) transition(action AuditAction) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) importRow(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.importRows.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) allocationUpsert() {
	if m == nil {
		return
	}
	m.upserts.Inc()
}

func (m *Metrics) auditFailure() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}
