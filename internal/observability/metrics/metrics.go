package metrics

import "github.com/prometheus/client_golang/prometheus"

// Lifecycle exposes counters for the consultation lifecycle.
type Lifecycle struct {
	transitionsTotal *prometheus.CounterVec
	paymentsTotal    *prometheus.CounterVec
	roomsTotal       *prometheus.CounterVec
	completedTotal   prometheus.Counter
	cancelledTotal   prometheus.Counter
}

func NewLifecycle(reg prometheus.Registerer) *Lifecycle {
	m := &Lifecycle{
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemed",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Total appointment state transitions",
		}, []string{"from", "to"}),
		paymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemed",
			Subsystem: "payments",
			Name:      "outcomes_total",
			Help:      "Total reconciled payment outcomes",
		}, []string{"outcome"}),
		roomsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemed",
			Subsystem: "rooms",
			Name:      "provision_total",
			Help:      "Total room provisioning attempts",
		}, []string{"outcome"}),
		completedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemed",
			Subsystem: "lifecycle",
			Name:      "completed_total",
			Help:      "Total completed consultations",
		}),
		cancelledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemed",
			Subsystem: "lifecycle",
			Name:      "cancelled_total",
			Help:      "Total cancelled appointments",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitionsTotal, m.paymentsTotal, m.roomsTotal, m.completedTotal, m.cancelledTotal)
	return m
}

func (m *Lifecycle) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Lifecycle) PaymentConfirmed() {
	if m == nil {
		return
	}
	m.paymentsTotal.WithLabelValues("confirmed").Inc()
}

func (m *Lifecycle) PaymentFailed() {
	if m == nil {
		return
	}
	m.paymentsTotal.WithLabelValues("failed").Inc()
}

func (m *Lifecycle) RoomProvisioned() {
	if m == nil {
		return
	}
	m.roomsTotal.WithLabelValues("provisioned").Inc()
}

func (m *Lifecycle) ProvisionFailed() {
	if m == nil {
		return
	}
	m.roomsTotal.WithLabelValues("failed").Inc()
}

func (m *Lifecycle) ConsultationCompleted() {
	if m == nil {
		return
	}
	m.completedTotal.Inc()
}

func (m *Lifecycle) Cancelled() {
	if m == nil {
		return
	}
	m.cancelledTotal.Inc()
}
