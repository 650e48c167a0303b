/*
Package storage provides the durable backends for attune's replay store.

Two implementations satisfy the Store interface. Higher-level replay logic
(clock-skew correction, observations, duplicate policy) lives in pkg/replay
and is backend-agnostic.

# Architecture

	┌──────────────────── REPLAY STORAGE ──────────────────────┐
	│                                                            │
	│  ┌──────────────────────┐   ┌──────────────────────┐     │
	│  │     SQLiteStore       │   │      BoltStore        │     │
	│  │  modernc.org/sqlite   │   │   go.etcd.io/bbolt    │     │
	│  │  WAL, busy_timeout    │   │   shared handle per   │     │
	│  │  one conn per store   │   │   file, MVCC readers  │     │
	│  └──────────┬───────────┘   └──────────┬───────────┘     │
	│             │                          │                   │
	│  ┌──────────▼──────────────────────────▼───────────┐     │
	│  │                   Store                          │     │
	│  │  PutSample / GetSample / NodeSampleTicks         │     │
	│  │  SamplesBetween / CountAt / SamplesSince         │     │
	│  │  PutAction / GetAction / ActionRange             │     │
	│  │  ActionsBetween                                  │     │
	│  └─────────────────────────────────────────────────┘     │
	└────────────────────────────────────────────────────────┘

# Layout

SQLite:

	samples(node_id, ts, payload)  PRIMARY KEY (node_id, ts)
	                               INDEX samples_ts (ts)
	                               INDEX samples_ts_node (ts, node_id)
	actions(ts PRIMARY KEY, action)

The rowid of samples is the insertion sequence used by SamplesSince.

BoltDB buckets:

	samples          ts|node  → seq|payload    "all nodes at one ts"
	samples_by_node  node|ts  → (empty)        "one node across a ts range"
	samples_by_seq   seq      → ts|node        incremental pulls
	actions          ts       → action

Integers are big-endian with the sign bit flipped so byte order matches
numeric order and cursor Seek works for negative values.

# Concurrency

The broker holds the only writing Store. Readers (window cache, tuner,
tooling) open their own Store on the same path. SQLite relies on WAL for
writer serialization and reader snapshots across processes. bbolt takes an
exclusive file lock, so within one process every BoltStore on a path shares
a reference-counted handle; across processes use the sqlite backend. A bolt
open that waits out another process's lock fails with ErrLocked.

# Errors

Primary-key conflicts return ErrDuplicate and missing rows ErrNotFound, both
wrapped with context. Any other error comes from the engine unchanged.
*/
package storage
