/*
Package metrics provides Prometheus metrics and the component health
registry for the attune daemons.

Every metric is a package-level variable registered with the default
registry in init(), so any package can update one without wiring:

	metrics.SamplesIngested.Inc()
	metrics.FramesDropped.WithLabelValues("decode").Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CacheRefreshDuration)

# Metric Families

	Broker   attune_samples_ingested_total, attune_ingest_errors_total{kind},
	         attune_frames_dropped_total{reason}, attune_actions_broadcast_total,
	         attune_heartbeats_sent_total, attune_nodes{status}
	Agent    attune_agent_samples_sent_total, attune_agent_reconnects_total,
	         attune_agent_actions_applied_total{result},
	         attune_agent_collect_duration_seconds
	Cache    attune_cache_entries, attune_cache_bad_indices,
	         attune_cache_refresh_duration_seconds
	Tuner    attune_tuner_training_steps_total, attune_tuner_loss,
	         attune_tuner_cumulative_reward
	Store    attune_store_rows{table}

Label values are bounded: ingest error kinds are "integrity" and "storage",
drop reasons are "decode", "unknown_command", "unknown_peer" and
"queue_full".

# Health Registry

Components report themselves with UpdateComponent. A daemon declares the
components it cannot run without using SetCriticalComponents.
ReadyHandler answers 503 until all of them are registered and healthy.
HealthHandler answers 503 while any registered component is unhealthy, and
LivenessHandler always answers 200.

	metrics.SetCriticalComponents("store", "transport")
	metrics.UpdateComponent("store", true, "")

# Store Collector

Collector polls row counts from a replay store into attune_store_rows. Give
it a reader connection of its own.
*/
package metrics
