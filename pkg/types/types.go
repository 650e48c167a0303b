package types

import (
	"math"
	"sort"
	"time"
)

// NodeRole represents the role of a node in the tuned cluster
type NodeRole string

const (
	// NodeRoleClient nodes produce performance indicators every tick.
	NodeRoleClient NodeRole = "client"
	// NodeRoleServer nodes report an empty payload and only receive actions.
	NodeRoleServer NodeRole = "server"
)

// Node represents a cluster member producing samples and/or receiving actions
type Node struct {
	ID       int64    `yaml:"id"`
	Role     NodeRole `yaml:"role"`
	Hostname string   `yaml:"hostname,omitempty"`
}

// IsClient reports whether the node produces samples.
func (n Node) IsClient() bool {
	return n.Role == NodeRoleClient
}

// Sample is one performance-indicator vector reported by a node for one tick
type Sample struct {
	NodeID  int64
	TS      int64
	Payload []float64
}

// ActionRecord is an action persisted by the broker
type ActionRecord struct {
	TS     int64
	Action int64
}

// Action is what a controller receives: the action id followed by the
// current control-variable values.
type Action struct {
	ID     int64
	Values []float64
}

// Flatten returns the [id, values...] form of the action.
func (a Action) Flatten() []float64 {
	out := make([]float64, 0, len(a.Values)+1)
	out = append(out, float64(a.ID))
	return append(out, a.Values...)
}

// CPV describes a bounded control variable adjusted by discrete actions
type CPV struct {
	Name    string  `yaml:"name"`
	Initial float64 `yaml:"initial"`
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
	Step    float64 `yaml:"step"`
}

// TickOf converts a wall-clock instant expressed in fractional unix seconds
// to a tick index.
func TickOf(unixSeconds float64, tick time.Duration) int64 {
	return int64(math.Floor(unixSeconds / tick.Seconds()))
}

// TickStart returns the start of the tick containing t. Ticks are aligned
// to the unix epoch, so every node derives the same boundaries.
func TickStart(t time.Time, tick time.Duration) time.Time {
	ns, d := t.UnixNano(), int64(tick)
	q := ns / d
	if ns%d < 0 {
		q--
	}
	return time.Unix(0, q*d)
}

// UnixSeconds returns t as fractional unix seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// ClientIDs returns the ids of client nodes in ascending order.
func ClientIDs(nodes []Node) []int64 {
	var ids []int64
	for _, n := range nodes {
		if n.IsClient() {
			ids = append(ids, n.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NodeIDs returns all node ids in ascending order.
func NodeIDs(nodes []Node) []int64 {
	ids := make([]int64, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LookupHostname returns the node registered under hostname.
func LookupHostname(nodes []Node, hostname string) (Node, bool) {
	for _, n := range nodes {
		if n.Hostname == hostname {
			return n, true
		}
	}
	return Node{}, false
}
