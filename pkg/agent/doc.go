/*
Package agent is the per-node sampling and actuation loop.

Once per tick the agent runs its collectors in order, concatenates their
output and sends it to the broker as one data frame. Sampling happens at a
fixed offset into the tick (half a tick by default) so that small clock
differences between nodes do not move a sample across a tick boundary.

	 tick N                         tick N+1
	|---------------+--------------|---------------+--------------|
	                ^ collect+send                 ^ collect+send
	        offset  |<------ idle: GC, wait for ACTION/HB ------->|

Automatic garbage collection is disabled while the loop runs. The agent
collects explicitly once per tick, and only when the remaining idle time
exceeds agent.gc_idle_threshold, so a collection never lands inside the
sampling window.

Between samples the agent waits on the broker stream. ACTION frames with a
nonzero id go to the Controller; a controller error is logged and counted.
HB frames only refresh the heartbeat clock. If nothing arrives for
agent.reconnect_timeout (5s), or the stream ends, the agent drops the
stream and dials again. Dials run in the background, so a broker that
accepts connections but never answers cannot hold up sampling. Connectivity
faults never stop the loop.

FileCollector and FileController cover the common sysfs case: read the
first number from a list of files, and write each CPV value to the files
configured for it.
*/
package agent
