package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "admission"

// Recorder agrega as métricas do motor de admissão em um registry próprio.
// Todos os métodos aceitam receiver nil para simplificar testes.
type Recorder struct {
	registry *prometheus.Registry

	decisions      *prometheus.CounterVec
	lookups        *prometheus.CounterVec
	lookupDuration *prometheus.HistogramVec
	challenges     *prometheus.CounterVec
	failOpen       prometheus.Counter

	allowed   atomic.Int64
	denied    atomic.Int64
	failOpens atomic.Int64
}

// Snapshot é a visão resumida usada pelo endpoint JSON de métricas
type Snapshot struct {
	Allowed  int64 `json:"allowed"`
	Denied   int64 `json:"denied"`
	FailOpen int64 `json:"failOpen"`
}

// NewRecorder registra os coletores em um registry novo
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Recorder{
		registry: registry,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Admission decisions by outcome and decision kind.",
		}, []string{"outcome", "reason"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reputation_lookups_total",
			Help: "Reputation provider lookups by provider and result.",
		}, []string{"provider", "result"}),
		lookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reputation_lookup_duration_seconds",
			Help:    "Reputation provider lookup latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"provider"}),
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "challenge_verifications_total",
			Help: "Challenge verifications by result.",
		}, []string{"result"}),
		failOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fail_open_total",
			Help:      "Requests admitted because of an internal fault.",
		}),
	}
	registry.MustRegister(r.decisions, r.lookups, r.lookupDuration, r.challenges, r.failOpen)
	return r
}

// ObserveDecision contabiliza uma decisão de admissão
func (r *Recorder) ObserveDecision(allowed bool, kind string) {
	if r == nil {
		return
	}
	outcome := "allowed"
	if allowed {
		r.allowed.Add(1)
	} else {
		outcome = "denied"
		r.denied.Add(1)
	}
	r.decisions.WithLabelValues(outcome, kind).Inc()
}

// ObserveLookup contabiliza uma consulta a provedor de reputação
func (r *Recorder) ObserveLookup(provider, result string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.lookups.WithLabelValues(provider, result).Inc()
	r.lookupDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// ObserveChallenge contabiliza uma verificação de desafio
func (r *Recorder) ObserveChallenge(result string) {
	if r == nil {
		return
	}
	r.challenges.WithLabelValues(result).Inc()
}

// IncFailOpen contabiliza uma admissão por falha interna
func (r *Recorder) IncFailOpen() {
	if r == nil {
		return
	}
	r.failOpen.Inc()
	r.failOpens.Add(1)
}

// Snapshot retorna os totais acumulados
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		Allowed:  r.allowed.Load(),
		Denied:   r.denied.Load(),
		FailOpen: r.failOpens.Load(),
	}
}

// Registry expõe o registry para testes e coletores adicionais
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler expõe as métricas no formato texto do Prometheus
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
