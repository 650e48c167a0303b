/*
Package window keeps a sliding in-memory view of the replay store and turns
it into observations, rewards and training minibatches.

Refresh pulls only rows with a sequence number above the last one seen,
ordered by (ts, node), so its cost is proportional to new data. Rows are
grouped into one entry per tick. A late row for a tick that is already
cached fills that entry; a late row older than every cached tick with no
entry of its own is dropped, which keeps entry ts strictly increasing.

An observation at cache index i needs the window of entries ending at i to
cover consecutive ticks and to miss no more client cells than the
tolerance. The transition at index i pairs that observation with the one at
i+1, the action applied at i, and the throughput change between them.

Minibatch remembers indices that lacked data once and never samples them
again. Corrupted throughput fails the call instead.
MinibatchFromDB samples directly from the store for callers without a warm
cache.

Reward is the sum of read and write throughput over the configured client
nodes and devices at the newest tick of an observation. A value outside
[0, MaxThroughput] is ErrCorruptedInput and is never clamped.
CumulativeReward reports the newest observation that is complete, even when
the last few ticks are gapped.
*/
package window
