package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Broker metrics
	SamplesIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attune_samples_ingested_total",
			Help: "Total number of samples stored by the broker",
		},
	)

	IngestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attune_ingest_errors_total",
			Help: "Total number of samples the broker failed to store by kind",
		},
		[]string{"kind"},
	)

	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attune_frames_dropped_total",
			Help: "Total number of frames dropped by reason",
		},
		[]string{"reason"},
	)

	ActionsBroadcast = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attune_actions_broadcast_total",
			Help: "Total number of actions broadcast to nodes",
		},
	)

	HeartbeatsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attune_heartbeats_sent_total",
			Help: "Total number of heartbeat broadcasts",
		},
	)

	Nodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "attune_nodes",
			Help: "Number of configured nodes by health status",
		},
		[]string{"status"},
	)

	BrokerPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attune_broker_peers",
			Help: "Number of open streams to the broker, agents and clients alike",
		},
	)

	EventsDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attune_events_dropped",
			Help: "Number of in-process events discarded because the event queue was full",
		},
	)

	// Agent metrics
	AgentSamplesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attune_agent_samples_sent_total",
			Help: "Total number of samples sent by the agent",
		},
	)

	AgentReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attune_agent_reconnects_total",
			Help: "Total number of agent reconnects",
		},
	)

	AgentActionsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attune_agent_actions_applied_total",
			Help: "Total number of actions handed to controllers by result",
		},
		[]string{"result"},
	)

	AgentCollectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attune_agent_collect_duration_seconds",
			Help:    "Time taken to run all collectors in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		},
	)

	// Window cache metrics
	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attune_cache_entries",
			Help: "Number of ticks held by the window cache",
		},
	)

	CacheBadIndices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attune_cache_bad_indices",
			Help: "Number of cache indices excluded from minibatch sampling",
		},
	)

	CacheRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attune_cache_refresh_duration_seconds",
			Help:    "Time taken to refresh the window cache in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Tuner metrics
	TrainingSteps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attune_tuner_training_steps_total",
			Help: "Total number of policy training steps",
		},
	)

	TrainingLoss = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attune_tuner_loss",
			Help: "Loss of the last training step",
		},
	)

	CumulativeReward = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attune_tuner_cumulative_reward",
			Help: "Aggregate throughput of the latest observation",
		},
	)

	// Store metrics
	StoreRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "attune_store_rows",
			Help: "Number of rows in the replay store by table",
		},
		[]string{"table"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SamplesIngested)
	prometheus.MustRegister(IngestErrors)
	prometheus.MustRegister(FramesDropped)
	prometheus.MustRegister(ActionsBroadcast)
	prometheus.MustRegister(HeartbeatsSent)
	prometheus.MustRegister(Nodes)
	prometheus.MustRegister(BrokerPeers)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(AgentSamplesSent)
	prometheus.MustRegister(AgentReconnects)
	prometheus.MustRegister(AgentActionsApplied)
	prometheus.MustRegister(AgentCollectDuration)
	prometheus.MustRegister(CacheEntries)
	prometheus.MustRegister(CacheBadIndices)
	prometheus.MustRegister(CacheRefreshDuration)
	prometheus.MustRegister(TrainingSteps)
	prometheus.MustRegister(TrainingLoss)
	prometheus.MustRegister(CumulativeReward)
	prometheus.MustRegister(StoreRows)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
