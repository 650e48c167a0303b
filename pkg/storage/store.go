package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicate is returned when a primary key already exists.
	ErrDuplicate = errors.New("duplicate key")

	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLocked is returned when another process holds a bolt store open.
	// Only the sqlite backend supports readers in other processes.
	ErrLocked = errors.New("store locked by another process")
)

// SampleRow is a persisted sample as returned by range queries. Seq is the
// store's insertion sequence number; Action is the action recorded at the
// same ts, or 0.
type SampleRow struct {
	Seq     uint64
	NodeID  int64
	TS      int64
	Payload []byte
	Action  int64
}

// ActionRow is a recorded action.
type ActionRow struct {
	TS     int64
	Action int64
}

// Store defines the interface for replay storage.
// Both backends index samples by (node, ts), by ts, and by insertion sequence.
type Store interface {
	// Samples
	PutSample(nodeID, ts int64, payload []byte) error
	GetSample(nodeID, ts int64) ([]byte, error)
	DeleteSample(nodeID, ts int64) error
	// NodeSampleTicks returns the ticks in [from, to) that have a sample
	// for nodeID, ascending.
	NodeSampleTicks(nodeID, from, to int64) ([]int64, error)
	// SamplesBetween returns rows with from < ts <= to ordered by node
	// then ts.
	SamplesBetween(from, to int64) ([]SampleRow, error)
	CountAt(ts int64) (int, error)
	SampleRange() (min, max int64, err error)
	SampleCount() (int, error)
	// SamplesSince returns rows with Seq > seq ordered by ts then node,
	// joined with the action at the same ts.
	SamplesSince(seq uint64) ([]SampleRow, error)

	// Actions
	PutAction(ts, action int64) error
	GetAction(ts int64) (int64, error)
	DeleteAction(ts int64) error
	ActionRange() (min, max int64, err error)
	ActionCount() (int, error)
	// ActionsBetween returns actions with from <= ts <= to, ascending.
	ActionsBetween(from, to int64) ([]ActionRow, error)

	// Utility
	Close() error
}

// Backend names accepted by Open
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Open opens the named backend at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendSQLite:
		return NewSQLiteStore(path)
	case BackendBolt:
		return NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
