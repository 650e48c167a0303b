package window

import (
	"errors"
	"fmt"
	"math"

	"github.com/cuemby/attune/pkg/config"
	"github.com/cuemby/attune/pkg/replay"
)

// ErrCorruptedInput means a throughput value is outside what the hardware
// can produce. The observation must not be used for learning.
var ErrCorruptedInput = errors.New("corrupted input")

// Reward computes aggregate throughput from the newest tick of an
// observation.
type Reward struct {
	cfg     config.RewardConfig
	clients map[int64]bool
}

// NewReward creates a reward function. An empty ClientNodes list sums over
// every client in the observation.
func NewReward(cfg config.RewardConfig) *Reward {
	r := &Reward{cfg: cfg}
	if len(cfg.ClientNodes) > 0 {
		r.clients = make(map[int64]bool, len(cfg.ClientNodes))
		for _, id := range cfg.ClientNodes {
			r.clients[id] = true
		}
	}
	return r
}

// Throughput returns the sum of read and write throughput over the selected
// client nodes and their devices at the newest tick of obs.
func (r *Reward) Throughput(obs *replay.Observation) (float64, error) {
	total := 0.0
	for ni, id := range obs.Nodes {
		if r.clients != nil && !r.clients[id] {
			continue
		}
		last := obs.Last(ni)
		for d := 0; d < r.cfg.DevicesPerNode; d++ {
			for _, field := range []int{r.cfg.ReadField, r.cfg.WriteField} {
				ix := d*r.cfg.DeviceStride + field
				if ix >= len(last) {
					return 0, fmt.Errorf("%w: node %d field %d beyond payload of %d values",
						ErrCorruptedInput, id, ix, len(last))
				}
				v := last[ix]
				if math.IsNaN(v) || v < 0 || v > r.cfg.MaxThroughput {
					return 0, fmt.Errorf("%w: node %d device %d throughput %g at ts %d",
						ErrCorruptedInput, id, d, v, obs.TS)
				}
				total += v
			}
		}
	}
	return total, nil
}

// Step returns the reward of moving from obs to next.
func (r *Reward) Step(obs, next *replay.Observation) (float64, error) {
	a, err := r.Throughput(obs)
	if err != nil {
		return 0, err
	}
	b, err := r.Throughput(next)
	if err != nil {
		return 0, err
	}
	return b - a, nil
}
