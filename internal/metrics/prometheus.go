package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Registry metrics
	registryTicksTotal      prometheus.Counter
	registryTickDuration    prometheus.Histogram
	triggersDueTotal        prometheus.Counter
	activationsEmittedTotal prometheus.Counter
	triggersExhaustedTotal  prometheus.Counter

	// Engine metrics
	requestsTotal       *prometheus.CounterVec
	requestDuration     prometheus.Histogram
	activationsTotal    *prometheus.CounterVec
	activationsInFlight prometheus.Gauge

	// Executor metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	deliveryDuration      prometheus.Histogram

	// Transport buffer metrics
	bufferSize      *prometheus.GaugeVec
	bufferCapacity  *prometheus.GaugeVec
	emitErrorsTotal *prometheus.CounterVec

	// Reconciler metrics
	reconcileRepairsTotal *prometheus.CounterVec

	// Leadership metrics
	isLeader prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initRegistryMetrics(reg)
	s.initEngineMetrics(reg)
	s.initExecutorMetrics(reg)
	s.initBufferMetrics(reg)
	s.initReconcilerMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initRegistryMetrics(reg prometheus.Registerer) {
	s.registryTicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opengine_registry_ticks_total",
		Help: "Total number of trigger registry ticks processed.",
	})
	s.registryTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "opengine_registry_tick_duration_seconds",
		Help:    "Duration of each registry tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.triggersDueTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opengine_registry_triggers_due_total",
		Help: "Total number of due triggers processed.",
	})
	s.activationsEmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opengine_registry_activations_emitted_total",
		Help: "Total number of activations emitted.",
	})
	s.triggersExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opengine_registry_triggers_exhausted_total",
		Help: "Total number of triggers that ran out of activations.",
	})

	s.register(reg, s.registryTicksTotal, "opengine_registry_ticks_total")
	s.register(reg, s.registryTickDuration, "opengine_registry_tick_duration_seconds")
	s.register(reg, s.triggersDueTotal, "opengine_registry_triggers_due_total")
	s.register(reg, s.activationsEmittedTotal, "opengine_registry_activations_emitted_total")
	s.register(reg, s.triggersExhaustedTotal, "opengine_registry_triggers_exhausted_total")
}

func (s *PrometheusSink) initEngineMetrics(reg prometheus.Registerer) {
	s.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opengine_engine_requests_total",
		Help: "Total number of gateway requests handled.",
	}, []string{"kind", "outcome"})

	s.requestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "opengine_engine_request_duration_seconds",
		Help:    "Request handling latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	s.activationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opengine_engine_activations_total",
		Help: "Total number of activations handled per outcome.",
	}, []string{"outcome"})

	s.activationsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opengine_engine_activations_in_flight",
		Help: "Number of activations currently being processed.",
	})

	s.register(reg, s.requestsTotal, "opengine_engine_requests_total")
	s.register(reg, s.requestDuration, "opengine_engine_request_duration_seconds")
	s.register(reg, s.activationsTotal, "opengine_engine_activations_total")
	s.register(reg, s.activationsInFlight, "opengine_engine_activations_in_flight")
}

func (s *PrometheusSink) initExecutorMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opengine_executor_delivery_attempts_total",
		Help: "Total number of execution delivery attempts.",
	}, []string{"attempt", "status_class"})

	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opengine_executor_delivery_outcomes_total",
		Help: "Total number of final delivery outcomes per execution.",
	}, []string{"outcome"})

	s.deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "opengine_executor_delivery_duration_seconds",
		Help:    "Execution request latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.register(reg, s.deliveryAttemptsTotal, "opengine_executor_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "opengine_executor_delivery_outcomes_total")
	s.register(reg, s.deliveryDuration, "opengine_executor_delivery_duration_seconds")
}

func (s *PrometheusSink) initBufferMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "opengine_buffer_size",
		Help: "Current number of messages in a transport buffer.",
	}, []string{"buffer"})
	s.bufferCapacity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "opengine_buffer_capacity",
		Help: "Configured capacity of a transport buffer.",
	}, []string{"buffer"})
	s.emitErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opengine_buffer_emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	}, []string{"buffer"})

	s.register(reg, s.bufferSize, "opengine_buffer_size")
	s.register(reg, s.bufferCapacity, "opengine_buffer_capacity")
	s.register(reg, s.emitErrorsTotal, "opengine_buffer_emit_errors_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.reconcileRepairsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opengine_reconciler_repairs_total",
		Help: "Total number of reconciler repairs per kind.",
	}, []string{"kind"})

	s.register(reg, s.reconcileRepairsTotal, "opengine_reconciler_repairs_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opengine_is_leader",
		Help: "1 when this instance holds the leader lock, 0 otherwise.",
	})

	s.register(reg, s.isLeader, "opengine_is_leader")
}

// register attempts to register a collector, logging any errors without
// propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Registry metrics implementation

func (s *PrometheusSink) RegistryTick(duration time.Duration, due int) {
	s.registryTicksTotal.Inc()
	s.registryTickDuration.Observe(duration.Seconds())
	s.triggersDueTotal.Add(float64(due))
}

func (s *PrometheusSink) ActivationEmitted() {
	s.activationsEmittedTotal.Inc()
}

func (s *PrometheusSink) TriggerExhausted() {
	s.triggersExhaustedTotal.Inc()
}

// Engine metrics implementation

func (s *PrometheusSink) RequestHandled(kind, outcome string, duration time.Duration) {
	s.requestsTotal.WithLabelValues(kind, outcome).Inc()
	s.requestDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) ActivationHandled(outcome string) {
	s.activationsTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) ActivationsInFlightIncr() {
	s.activationsInFlight.Inc()
}

func (s *PrometheusSink) ActivationsInFlightDecr() {
	s.activationsInFlight.Dec()
}

// Executor metrics implementation

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.deliveryDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

// Transport buffer metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(name string, size int) {
	s.bufferSize.WithLabelValues(name).Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(name string, capacity int) {
	s.bufferCapacity.WithLabelValues(name).Set(float64(capacity))
}

func (s *PrometheusSink) EmitError(name string) {
	s.emitErrorsTotal.WithLabelValues(name).Inc()
}

// Reconciler metrics implementation

func (s *PrometheusSink) ReconcileCycle(reemitted, failedInits, unbound, purged int) {
	s.reconcileRepairsTotal.WithLabelValues("reemitted_activation").Add(float64(reemitted))
	s.reconcileRepairsTotal.WithLabelValues("failed_init").Add(float64(failedInits))
	s.reconcileRepairsTotal.WithLabelValues("unbound_binding").Add(float64(unbound))
	s.reconcileRepairsTotal.WithLabelValues("purged_operation").Add(float64(purged))
}

// Leadership metrics implementation

func (s *PrometheusSink) LeaderStatusUpdate(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

var _ Sink = (*PrometheusSink)(nil)
