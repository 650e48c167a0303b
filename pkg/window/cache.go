package window

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/cuemby/attune/pkg/config"
	"github.com/cuemby/attune/pkg/log"
	"github.com/cuemby/attune/pkg/metrics"
	"github.com/cuemby/attune/pkg/replay"
	"github.com/cuemby/attune/pkg/types"
	"github.com/rs/zerolog"
)

// Transition is one training sample: the observation at TS, the action
// applied at TS, the reward of reaching Next at TS+1, and Next.
type Transition struct {
	Observation *replay.Observation
	Action      int64
	Reward      float64
	Next        *replay.Observation
	TS          int64
}

type entry struct {
	ts     int64
	action int64
	// cells holds one payload per client in tensor order; nil is missing.
	cells [][]float64
}

// Cache is an in-memory sliding window over the replay store. Entries are
// one per tick in strictly increasing ts order. A Cache is owned by one
// goroutine.
type Cache struct {
	db        *replay.DB
	reward    *Reward
	rng       *rand.Rand
	window    int
	tolerance int
	clients   []int64
	clientIdx map[int64]int
	features  int

	entries []entry
	lastSeq uint64
	bad     map[int]bool

	logger zerolog.Logger
}

// New creates an empty cache over db. Call Refresh to load rows.
func New(db *replay.DB, reward config.RewardConfig, seed int64) *Cache {
	c := &Cache{
		db:        db,
		reward:    NewReward(reward),
		rng:       rand.New(rand.NewSource(seed)),
		window:    db.Window(),
		tolerance: db.Tolerance(),
		clients:   db.ClientIDs(),
		clientIdx: make(map[int64]int),
		features:  db.Features(),
		bad:       make(map[int]bool),
		logger:    log.WithComponent("window"),
	}
	for i, id := range c.clients {
		c.clientIdx[id] = i
	}
	return c
}

// Len returns the number of cached ticks.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Refresh loads rows stored since the last refresh and returns how many
// were added.
func (c *Cache) Refresh() (int, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CacheRefreshDuration)

	rows, err := c.db.Store().SamplesSince(c.lastSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to load new samples: %w", err)
	}

	added := 0
	for _, row := range rows {
		if row.Seq > c.lastSeq {
			c.lastSeq = row.Seq
		}

		idx, ok := c.clientIdx[row.NodeID]
		if !ok {
			continue
		}

		values, err := types.DecodePayload(row.Payload)
		if err != nil {
			c.logger.Warn().Err(err).Int64("node_id", row.NodeID).Int64("ts", row.TS).Msg("skipping undecodable sample")
			continue
		}
		if c.features == 0 {
			c.features = len(values)
		}
		if len(values) != c.features {
			c.logger.Warn().
				Int64("node_id", row.NodeID).
				Int64("ts", row.TS).
				Int("values", len(values)).
				Int("want", c.features).
				Msg("skipping sample of wrong width")
			continue
		}

		e := c.entryFor(row.TS)
		if e == nil {
			c.logger.Debug().Int64("node_id", row.NodeID).Int64("ts", row.TS).Msg("skipping late sample for uncached tick")
			continue
		}
		if row.Action != 0 {
			e.action = row.Action
		}
		e.cells[idx] = values
		added++
	}

	metrics.CacheEntries.Set(float64(len(c.entries)))
	if added > 0 {
		c.logger.Debug().Int("rows", added).Int("entries", len(c.entries)).Msg("cache refreshed")
	}
	return added, nil
}

// entryFor returns the entry for ts, appending one if ts is newer than every
// cached tick. It returns nil for an older tick that has no entry, since
// inserting it would break index order.
func (c *Cache) entryFor(ts int64) *entry {
	n := len(c.entries)
	if n == 0 || c.entries[n-1].ts < ts {
		c.entries = append(c.entries, entry{ts: ts, cells: make([][]float64, len(c.clients))})
		return &c.entries[n]
	}
	if c.entries[n-1].ts == ts {
		return &c.entries[n-1]
	}

	i := sort.Search(n, func(i int) bool { return c.entries[i].ts >= ts })
	if i < n && c.entries[i].ts == ts {
		return &c.entries[i]
	}
	return nil
}

// ObservationAt builds the observation ending at cache index idx. The
// window must cover consecutive ticks and have no more missing client cells
// than the tolerance.
func (c *Cache) ObservationAt(idx int) (*replay.Observation, error) {
	if idx < 0 || idx >= len(c.entries) {
		return nil, fmt.Errorf("%w: index %d outside cache of %d", replay.ErrNotEnoughData, idx, len(c.entries))
	}
	if idx < c.window-1 {
		return nil, fmt.Errorf("%w: index %d precedes the first full window", replay.ErrNotEnoughData, idx)
	}

	start := idx - c.window + 1
	end := c.entries[idx].ts
	if c.entries[start].ts != end-int64(c.window)+1 {
		return nil, fmt.Errorf("%w: ticks before %d are not contiguous", replay.ErrNotEnoughData, end)
	}

	obs := replay.NewObservation(end, c.clients, c.window, c.features)
	missing := 0
	for i := start; i <= idx; i++ {
		for ci, values := range c.entries[i].cells {
			if values == nil {
				missing++
				if missing > c.tolerance {
					return nil, fmt.Errorf("%w: too many missing cells in window ending at %d", replay.ErrNotEnoughData, end)
				}
				continue
			}
			copy(obs.Cell(ci, i-start), values)
		}
	}
	return obs, nil
}

// NextObservationAt builds the observation one tick after index idx.
func (c *Cache) NextObservationAt(idx int) (*replay.Observation, error) {
	if idx < 0 || idx >= len(c.entries)-1 {
		return nil, fmt.Errorf("%w: no tick after index %d", replay.ErrNotEnoughData, idx)
	}
	if c.entries[idx+1].ts != c.entries[idx].ts+1 {
		return nil, fmt.Errorf("%w: tick %d is missing", replay.ErrNotEnoughData, c.entries[idx].ts+1)
	}
	return c.ObservationAt(idx + 1)
}

// Observe returns the observation at the newest valid index among the last
// two.
func (c *Cache) Observe() (*replay.Observation, error) {
	n := len(c.entries)
	for idx := n - 1; idx >= n-2 && idx >= c.window-1; idx-- {
		obs, err := c.ObservationAt(idx)
		if err == nil {
			return obs, nil
		}
		if !errors.Is(err, replay.ErrNotEnoughData) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: no valid observation in the last two ticks", replay.ErrNotEnoughData)
}

// Throughput returns the aggregate throughput of obs.
func (c *Cache) Throughput(obs *replay.Observation) (float64, error) {
	return c.reward.Throughput(obs)
}

// CumulativeReward returns the throughput of the newest valid observation
// anywhere in the cache, or 0 when there is none yet.
func (c *Cache) CumulativeReward() (float64, error) {
	found, err := c.lastObservations(1)
	if err != nil {
		return 0, err
	}
	if len(found) == 0 {
		return 0, nil
	}
	return c.reward.Throughput(found[0])
}

// lastObservations walks back from the newest index and returns up to n
// valid observations, newest first. Gapped indices are skipped.
func (c *Cache) lastObservations(n int) ([]*replay.Observation, error) {
	var found []*replay.Observation
	for idx := len(c.entries) - 1; idx >= c.window-1 && len(found) < n; idx-- {
		obs, err := c.ObservationAt(idx)
		if errors.Is(err, replay.ErrNotEnoughData) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found = append(found, obs)
	}
	return found, nil
}

// CollectReward returns the throughput change between the two newest valid
// observations.
func (c *Cache) CollectReward() (float64, error) {
	found, err := c.lastObservations(2)
	if err != nil {
		return 0, err
	}
	if len(found) < 2 {
		return 0, fmt.Errorf("%w: need two observations for a reward", replay.ErrNotEnoughData)
	}
	return c.reward.Step(found[1], found[0])
}

// Minibatch samples up to n transitions with distinct ts, in random order.
// Indices that cannot produce a transition are excluded from later calls.
// It returns nil while the cache is shorter than one window plus one tick.
func (c *Cache) Minibatch(n int) ([]Transition, error) {
	if len(c.entries) < c.window+1 {
		return nil, nil
	}

	candidates := make([]int, 0, len(c.entries)-c.window)
	for i := c.window - 1; i < len(c.entries)-1; i++ {
		if !c.bad[i] {
			candidates = append(candidates, i)
		}
	}
	c.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	var out []Transition
	for _, i := range candidates {
		if len(out) == n {
			break
		}
		t, err := c.transitionAt(i)
		if errors.Is(err, replay.ErrNotEnoughData) {
			c.logger.Debug().Err(err).Int("index", i).Msg("excluding cache index from sampling")
			c.bad[i] = true
			continue
		}
		if err != nil {
			metrics.CacheBadIndices.Set(float64(len(c.bad)))
			return nil, err
		}
		out = append(out, t)
	}

	metrics.CacheBadIndices.Set(float64(len(c.bad)))
	return out, nil
}

func (c *Cache) transitionAt(i int) (Transition, error) {
	obs, err := c.ObservationAt(i)
	if err != nil {
		return Transition{}, err
	}
	next, err := c.NextObservationAt(i)
	if err != nil {
		return Transition{}, err
	}
	reward, err := c.reward.Step(obs, next)
	if err != nil {
		return Transition{}, err
	}
	return Transition{
		Observation: obs,
		Action:      c.entries[i].action,
		Reward:      reward,
		Next:        next,
		TS:          c.entries[i].ts,
	}, nil
}

// MinibatchFromDB samples up to n transitions straight from the replay
// store. Candidate ticks are those with a recorded action history and a full
// window behind them. It returns nil when the store holds too little data.
func (c *Cache) MinibatchFromDB(n int) ([]Transition, error) {
	actLo, actHi, err := c.db.ActionRange()
	if errors.Is(err, replay.ErrNotEnoughData) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	piLo, piHi, err := c.db.PIRange()
	if errors.Is(err, replay.ErrNotEnoughData) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	w := int64(c.window)
	if piHi-piLo < w || actHi-actLo < w {
		return nil, nil
	}

	lo := actLo
	if piLo+w-1 > lo {
		lo = piLo + w - 1
	}
	if lo >= actHi {
		return nil, nil
	}

	candidates := make([]int64, 0, actHi-lo)
	for ts := lo; ts < actHi; ts++ {
		candidates = append(candidates, ts)
	}
	c.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	var out []Transition
	for _, ts := range candidates {
		if len(out) == n {
			break
		}
		t, err := c.transitionFromDB(ts)
		if errors.Is(err, replay.ErrNotEnoughData) {
			c.logger.Debug().Err(err).Int64("ts", ts).Msg("skipping tick")
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (c *Cache) transitionFromDB(ts int64) (Transition, error) {
	obs, err := c.db.Observation(ts)
	if err != nil {
		return Transition{}, err
	}
	next, err := c.db.Observation(ts + 1)
	if err != nil {
		return Transition{}, err
	}
	reward, err := c.reward.Step(obs, next)
	if err != nil {
		return Transition{}, err
	}
	action, err := c.db.GetAction(ts)
	if err != nil {
		return Transition{}, err
	}
	return Transition{Observation: obs, Action: action, Reward: reward, Next: next, TS: ts}, nil
}
