package health

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrUnresponsive is returned by Report when a configured node has not been
// heard from within the threshold.
var ErrUnresponsive = errors.New("unresponsive nodes")

// Status is the health of one node
type Status string

const (
	StatusOK           Status = "ok"
	StatusNotSeen      Status = "not seen"
	StatusUnresponsive Status = "unresponsive"
)

// DefaultThreshold is how long a node may stay silent before it is
// unresponsive.
const DefaultThreshold = 20 * time.Second

// Tracker records when each node was last heard from. It is owned by the
// broker loop and is not safe for concurrent use.
type Tracker struct {
	nodes     []int64
	lastSeen  map[int64]time.Time
	threshold time.Duration
}

// NewTracker creates a tracker for the configured node ids. An empty list
// tracks whatever nodes show up.
func NewTracker(nodes []int64, threshold time.Duration) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	sorted := append([]int64(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return &Tracker{
		nodes:     sorted,
		lastSeen:  make(map[int64]time.Time),
		threshold: threshold,
	}
}

// Seen records that node was heard from at t.
func (tr *Tracker) Seen(node int64, t time.Time) {
	tr.lastSeen[node] = t
}

// LastSeen returns when node was last heard from.
func (tr *Tracker) LastSeen(node int64) (time.Time, bool) {
	t, ok := tr.lastSeen[node]
	return t, ok
}

// Known returns configured nodes plus any node seen so far, ascending.
func (tr *Tracker) Known() []int64 {
	set := make(map[int64]bool, len(tr.nodes)+len(tr.lastSeen))
	for _, n := range tr.nodes {
		set[n] = true
	}
	for n := range tr.lastSeen {
		set[n] = true
	}
	ids := make([]int64, 0, len(set))
	for n := range set {
		ids = append(ids, n)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Status returns the health of node at now.
func (tr *Tracker) Status(node int64, now time.Time) Status {
	t, ok := tr.lastSeen[node]
	switch {
	case !ok:
		return StatusNotSeen
	case now.Sub(t) > tr.threshold:
		return StatusUnresponsive
	default:
		return StatusOK
	}
}

// Counts returns how many configured nodes are in each status.
func (tr *Tracker) Counts(now time.Time) map[Status]int {
	counts := map[Status]int{StatusOK: 0, StatusNotSeen: 0, StatusUnresponsive: 0}
	for _, n := range tr.nodes {
		counts[tr.Status(n, now)]++
	}
	return counts
}

// Report renders the health string. Without a node list it lists seen
// nodes only. With one it covers every configured node in ascending order,
// prefixed with "All nodes healthy. " when all are ok, and returns
// ErrUnresponsive if any node went silent.
func (tr *Tracker) Report(now time.Time) (string, error) {
	var b strings.Builder

	if len(tr.nodes) == 0 {
		b.WriteString("node list is missing; ")
		for _, n := range tr.Known() {
			fmt.Fprintf(&b, "%d: ok;", n)
		}
		return b.String(), nil
	}

	allOK := true
	unresponsive := false
	for _, n := range tr.nodes {
		switch tr.Status(n, now) {
		case StatusOK:
			fmt.Fprintf(&b, "%d: ok;", n)
		case StatusNotSeen:
			allOK = false
			fmt.Fprintf(&b, "%d: not seen;", n)
		case StatusUnresponsive:
			allOK = false
			unresponsive = true
			fmt.Fprintf(&b, "%d: unresponsive, last seen at %s;", n, tr.lastSeen[n].Format(time.RFC3339))
		}
	}

	report := b.String()
	if allOK {
		report = "All nodes healthy. " + report
	}
	if unresponsive {
		return report, ErrUnresponsive
	}
	return report, nil
}
