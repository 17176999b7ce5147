// Package metrics provides Prometheus metrics for the instance pool.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry holds the pool metrics plus Go runtime and process collectors.
// It is separate from the default registry so tests and embedders see only
// what the supervisor exports.
var registry = prometheus.NewRegistry()

var factory = promauto.With(registry)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: "renderpool"}),
	)
}

var (
	slotsRunning = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "renderpool",
		Subsystem: "slots",
		Name:      "running",
		Help:      "Number of slots not in the IDLE state",
	})

	slotsTotal = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "renderpool",
		Subsystem: "slots",
		Name:      "total",
		Help:      "Pool capacity",
	})

	slotState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "renderpool",
		Subsystem: "slot",
		Name:      "state",
		Help:      "Current slot state: 0 idle, 1 initializing, 2 running, 3 deinitializing",
	}, []string{"slot"})

	instanceFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "renderpool",
		Subsystem: "instance",
		Name:      "failures_total",
		Help:      "Launches that failed before the instance became ready",
	}, []string{"slot"})
)

// SetSlotCounts sets the running and total slot gauges.
func SetSlotCounts(running, total int) {
	slotsRunning.Set(float64(running))
	slotsTotal.Set(float64(total))
}

// SetSlotState records the numeric state of one slot.
func SetSlotState(slot, state int) {
	slotState.WithLabelValues(strconv.Itoa(slot)).Set(float64(state))
}

// IncInstanceFailures counts a failed launch for a slot.
func IncInstanceFailures(slot int) {
	instanceFailures.WithLabelValues(strconv.Itoa(slot)).Inc()
}

// Handler serves the pool registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
