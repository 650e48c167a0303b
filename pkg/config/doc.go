/*
Package config loads and validates the attune configuration.

Config is a closed struct: every option has a named field and a default in
Default(). Loading is layered:

	Default()  →  YAML file (unknown keys rejected)  →  ATTUNE_* env  →  Validate()

Environment variables follow ATTUNE_<SECTION>_<FIELD>, for example
ATTUNE_BROKER_LISTEN_ADDR or ATTUNE_AGENT_NODE_ID. List-valued fields take
comma-separated values. cluster.nodes and agent.control_files are file-only.

Every error returned by Load, ApplyEnv and Validate wraps ErrInvalidConfig,
and is meant to be fatal at startup.

Example file:

	cluster:
	  tick: 1s
	  ticks_per_observation: 10
	  features_per_node: 22
	  nodes:
	    - {id: 0, role: server, hostname: mds0}
	    - {id: 1, role: client, hostname: client1}
	    - {id: 2, role: client, hostname: client2}
	storage:
	  backend: sqlite
	  path: /var/lib/attune/replay.db
	broker:
	  listen_addr: ":9123"
	  store_action: true
	reward:
	  devices_per_node: 2
	  device_stride: 11
	  read_field: 5
	  write_field: 6
	cpvs:
	  - {name: max_rpcs_in_flight, initial: 8, min: 1, max: 256, step: 1}
*/
package config
