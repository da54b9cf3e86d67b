// Package metrics holds nimbus's Prometheus instrumentation.
//
// Per the "global mutable state" design note, the registry is never a
// package-level global: callers construct one Metrics value at boot
// and pass it into component constructors explicitly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector nimbus exposes.
type Metrics struct {
	Registry *prometheus.Registry

	// Scheduler / actor lifecycle
	ActorsTotal         *prometheus.GaugeVec
	ActorsScheduled     prometheus.Counter
	ActorsFailed        prometheus.Counter
	SchedulingLatency   prometheus.Histogram
	AwakeDurationMillis *prometheus.CounterVec
	ActorKVBytes        *prometheus.GaugeVec

	// Runner pool / serverless
	RunnersTotal           *prometheus.GaugeVec
	ServerlessDesiredSlots *prometheus.GaugeVec
	ServerlessConnections  *prometheus.GaugeVec

	// Workflow engine
	ActivityLatency   *prometheus.HistogramVec
	WorkflowErrors    *prometheus.CounterVec
	WorkerLeasesHeld  prometheus.Gauge
	HistoryDiverged   prometheus.Counter

	// Transactional KV
	TxnRetries    *prometheus.CounterVec
	TxnCommits    *prometheus.CounterVec
	TxnConflicts  prometheus.Counter

	// Tunnel / gateway
	TunnelPending    *prometheus.GaugeVec
	TunnelAckTimeout prometheus.Counter

	// EPaxos
	EpoxyQuorumLatency *prometheus.HistogramVec
	EpoxyFastPath      prometheus.Counter
	EpoxySlowPath      prometheus.Counter
}

// New builds and registers every collector against reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Registry: reg,

		ActorsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nimbus_actors_total", Help: "Actors by namespace and state",
		}, []string{"namespace", "state"}),
		ActorsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_actors_scheduled_total", Help: "Actors successfully allocated to a runner",
		}),
		ActorsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_actors_failed_total", Help: "Actor allocation attempts that failed",
		}),
		SchedulingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "nimbus_scheduling_latency_seconds", Help: "Time to allocate an actor to a runner",
			Buckets: prometheus.DefBuckets,
		}),
		AwakeDurationMillis: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nimbus_actor_awake_duration_ms_total", Help: "Cumulative actor awake duration",
		}, []string{"namespace"}),
		ActorKVBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nimbus_actor_kv_bytes", Help: "Estimated per-actor KV storage size",
		}, []string{"namespace"}),

		RunnersTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nimbus_runners_total", Help: "Runners by namespace and status",
		}, []string{"namespace", "status"}),
		ServerlessDesiredSlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nimbus_serverless_desired_slots", Help: "Desired serverless slot count per pool",
		}, []string{"namespace", "runner_name"}),
		ServerlessConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nimbus_serverless_connections", Help: "Active outbound serverless connections per pool",
		}, []string{"namespace", "runner_name"}),

		ActivityLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "nimbus_activity_latency_seconds", Help: "Workflow activity execution latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"activity"}),
		WorkflowErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nimbus_workflow_errors_total", Help: "Workflow failures by workflow name",
		}, []string{"workflow"}),
		WorkerLeasesHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nimbus_worker_leases_held", Help: "Workflow leases currently held by this worker",
		}),
		HistoryDiverged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_workflow_history_diverged_total", Help: "Replays that hit HistoryDiverged",
		}),

		TxnRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nimbus_kv_txn_retries_total", Help: "Transaction retries by error kind",
		}, []string{"kind"}),
		TxnCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nimbus_kv_txn_commits_total", Help: "Transaction commit outcomes",
		}, []string{"outcome"}),
		TxnConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_kv_txn_conflicts_total", Help: "Commits rejected for a read/write conflict",
		}),

		TunnelPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nimbus_tunnel_pending_messages", Help: "Unacked tunnel messages per request",
		}, []string{"direction"}),
		TunnelAckTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_tunnel_ack_timeouts_total", Help: "Tunnel messages that timed out waiting for an ack",
		}),

		EpoxyQuorumLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "nimbus_epoxy_quorum_latency_seconds", Help: "Time to reach quorum for a command",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
		EpoxyFastPath: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_epoxy_fast_path_total", Help: "Commands committed via the fast path",
		}),
		EpoxySlowPath: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_epoxy_slow_path_total", Help: "Commands committed via the slow path",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.ActorsTotal, m.ActorsScheduled, m.ActorsFailed, m.SchedulingLatency,
		m.AwakeDurationMillis, m.ActorKVBytes, m.RunnersTotal, m.ServerlessDesiredSlots,
		m.ServerlessConnections, m.ActivityLatency, m.WorkflowErrors, m.WorkerLeasesHeld,
		m.HistoryDiverged, m.TxnRetries, m.TxnCommits, m.TxnConflicts, m.TunnelPending,
		m.TunnelAckTimeout, m.EpoxyQuorumLatency, m.EpoxyFastPath, m.EpoxySlowPath,
	} {
		reg.MustRegister(c)
	}

	return m
}

// Timer measures an operation's duration against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer into h.
func (t *Timer) ObserveDuration(h prometheus.Observer) time.Duration {
	d := time.Since(t.start)
	h.Observe(d.Seconds())
	return d
}
