// Package metrics holds the control plane's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ghostplane",
			Subsystem: "scheduler",
			Name:      "reconcile_cycles_total",
			Help:      "Total number of scheduler reconciliation cycles run.",
		},
	)

	InstancesAllocatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ghostplane",
			Subsystem: "scheduler",
			Name:      "instances_allocated_total",
			Help:      "Total number of instance.allocated events emitted by the scheduler.",
		},
	)

	InstancesDrainedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ghostplane",
			Subsystem: "scheduler",
			Name:      "instances_drained_total",
			Help:      "Total number of instances the scheduler marked for draining.",
		},
	)

	ReconcileErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ghostplane",
			Subsystem: "scheduler",
			Name:      "reconcile_errors_total",
			Help:      "Total number of errors encountered reconciling an env/process_type pair.",
		},
		[]string{"stage"},
	)

	ProjectionLagEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ghostplane",
			Subsystem: "projection",
			Name:      "checkpoint_lag_events",
			Help:      "Difference between the latest event_id and a handler's last applied checkpoint.",
		},
		[]string{"handler"},
	)

	IngressConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ghostplane",
			Subsystem: "ingress",
			Name:      "connections_total",
			Help:      "Total number of TCP connections accepted by the L4 proxy.",
		},
	)

	IngressNoBackendTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ghostplane",
			Subsystem: "ingress",
			Name:      "no_backend_total",
			Help:      "Total number of connections dropped because no healthy backend was available.",
		},
	)

	IngressBackendErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ghostplane",
			Subsystem: "ingress",
			Name:      "backend_errors_total",
			Help:      "Total number of failed backend dial attempts.",
		},
	)
)

// All returns every collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ReconcileCyclesTotal,
		InstancesAllocatedTotal,
		InstancesDrainedTotal,
		ReconcileErrorsTotal,
		ProjectionLagEvents,
		IngressConnectionsTotal,
		IngressNoBackendTotal,
		IngressBackendErrorsTotal,
	}
}
