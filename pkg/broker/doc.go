/*
Package broker is the routing and logging hub every agent connects to.

A single goroutine runs Start and owns everything: the router inbound
channel, the replay store (opened inside Start, never shared), the known
node set and the health tracker. Each pass of the loop handles at most one
inbound frame, then sends a heartbeat when nothing was broadcast for
broker.heartbeat_interval and recomputes the health report. The wait is
bounded by broker.poll_interval so those duties run without traffic.

Frames are handled by kind:

	data        stored as a sample at TickOf(timestamp), node marked seen
	STATUS      answered with the health report to the caller's identity
	ACTION      optionally stored, then broadcast to every known node
	HB          ignored
	other       logged and dropped

Nodes are peers with numeric identities. Publishers connect under
"publisher-<uuid>" and never receive broadcasts.

The health report is logged, published as a node.health event and pushed
into the metrics registry only when it changes. Health exposes the latest
report to other goroutines, which is how /status reads it.
*/
package broker
