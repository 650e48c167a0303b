/*
Package replay is the replay store: per-node samples and per-tick actions,
and the observation windows the tuner learns from.

DB wraps a storage.Store and adds the rules that make the raw rows usable:

  - InsertSample closes single-tick gaps caused by node clock drift. When a
    node has a sample at ts-2 and none at ts-1, the new sample lands at
    ts-1.
  - Duplicate (node, ts) and duplicate action ticks are logged at warn and
    reported as success. The first write wins.
  - With a node list configured, samples from unknown nodes, client samples
    of the wrong width and non-empty server samples fail with
    ErrIntegrityViolation.

An observation ending at ts covers ticks (ts-window, ts]. It fails with
ErrNotEnoughData when more than the tolerance of (node, tick) cells are
missing, counting every configured node. Only client nodes contribute to
the tensor; missing client cells read as zero.

	obs, err := db.Observation(ts)
	if errors.Is(err, replay.ErrNotEnoughData) {
		// retry on the next tick
	}
	throughput := obs.Last(0)
*/
package replay
