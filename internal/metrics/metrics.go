// Package metrics exposes Prometheus collectors for the signer listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Listener holds the collectors updated by the protocol listener. A nil
// *Listener is valid and records nothing.
type Listener struct {
	ConnectedClients prometheus.Gauge
	Requests         *prometheus.CounterVec
	Rejected         *prometheus.CounterVec
	Signatures       *prometheus.CounterVec
	PasswordPrompts  prometheus.Counter
	AutoSignActive   prometheus.Gauge
	SpendRemaining   *prometheus.GaugeVec
	QueueDepth       prometheus.GaugeFunc
}

// NewListener registers the listener collectors on registry. depth reports
// the dispatch backlog and may be nil.
func NewListener(registry prometheus.Registerer, depth func() int) *Listener {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)
	m := &Listener{
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "signer_connected_clients",
			Help: "Terminals currently connected to the signer",
		}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signer_requests_total",
			Help: "Requests received by type",
		}, []string{"type"}),
		Rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signer_requests_rejected_total",
			Help: "Requests rejected before handling, by reason",
		}, []string{"reason"}),
		Signatures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signer_signatures_total",
			Help: "Signing outcomes by request type and result",
		}, []string{"type", "result"}),
		PasswordPrompts: factory.NewCounter(prometheus.CounterOpts{
			Name: "signer_password_prompts_total",
			Help: "Password prompts issued",
		}),
		AutoSignActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "signer_autosign_active_wallets",
			Help: "Root wallets with auto-sign active",
		}),
		SpendRemaining: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signer_spend_remaining_satoshis",
			Help: "Remaining spend budget by mode",
		}, []string{"mode"}),
	}
	if depth != nil {
		m.QueueDepth = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "signer_dispatch_queue_depth",
			Help: "Work items waiting on the listener dispatch queue",
		}, func() float64 { return float64(depth()) })
	}
	return m
}

func (m *Listener) ClientConnected() {
	if m != nil {
		m.ConnectedClients.Inc()
	}
}

func (m *Listener) ClientDisconnected() {
	if m != nil {
		m.ConnectedClients.Dec()
	}
}

func (m *Listener) Request(requestType string) {
	if m != nil {
		m.Requests.WithLabelValues(requestType).Inc()
	}
}

func (m *Listener) Reject(reason string) {
	if m != nil {
		m.Rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Listener) Signature(requestType, result string) {
	if m != nil {
		m.Signatures.WithLabelValues(requestType, result).Inc()
	}
}

func (m *Listener) Prompt() {
	if m != nil {
		m.PasswordPrompts.Inc()
	}
}

// Budget publishes the remaining spend budgets and active wallet count.
func (m *Listener) Budget(autoSignRemaining, manualRemaining uint64, active int) {
	if m == nil {
		return
	}
	m.SpendRemaining.WithLabelValues("autosign").Set(float64(autoSignRemaining))
	m.SpendRemaining.WithLabelValues("manual").Set(float64(manualRemaining))
	m.AutoSignActive.Set(float64(active))
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// Handler serves registry in the Prometheus text format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
