package replay

import (
	"errors"
	"fmt"

	"github.com/cuemby/attune/pkg/log"
	"github.com/cuemby/attune/pkg/storage"
	"github.com/cuemby/attune/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrNotEnoughData means the requested window has too little or gapped
	// history. Callers retry later or skip the tick.
	ErrNotEnoughData = errors.New("not enough data")

	// ErrIntegrityViolation means a row is malformed or does not belong to
	// the configured cluster.
	ErrIntegrityViolation = errors.New("integrity violation")
)

// Config describes the cluster shape the replay store serves
type Config struct {
	Nodes               []types.Node
	TicksPerObservation int
	// FeaturesPerNode is the client payload length. Zero accepts any
	// length and takes the observation width from the data.
	FeaturesPerNode int
	// MissingTolerance is the number of missing (node, tick) cells an
	// observation may have. Negative selects 20% of the window.
	MissingTolerance int
}

// DB is the replay store: samples and actions on top of a storage.Store
type DB struct {
	store     storage.Store
	cfg       Config
	nodes     []int64
	clients   []int64
	clientIdx map[int64]int
	roles     map[int64]types.NodeRole
	tolerance int
	logger    zerolog.Logger
}

// Open opens the named storage backend and wraps it in a DB.
func Open(backend, path string, cfg Config) (*DB, error) {
	store, err := storage.Open(backend, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay store: %w", err)
	}
	return New(store, cfg), nil
}

// New wraps an open store. The DB takes ownership of store.
func New(store storage.Store, cfg Config) *DB {
	if cfg.TicksPerObservation < 1 {
		cfg.TicksPerObservation = 1
	}

	db := &DB{
		store:     store,
		cfg:       cfg,
		nodes:     types.NodeIDs(cfg.Nodes),
		clients:   types.ClientIDs(cfg.Nodes),
		clientIdx: make(map[int64]int),
		roles:     make(map[int64]types.NodeRole),
		logger:    log.WithComponent("replay"),
	}
	for i, id := range db.clients {
		db.clientIdx[id] = i
	}
	for _, n := range cfg.Nodes {
		db.roles[n.ID] = n.Role
	}

	db.tolerance = cfg.MissingTolerance
	if db.tolerance < 0 {
		db.tolerance = int(float64(len(db.nodes)*cfg.TicksPerObservation) * 0.2)
	}
	return db
}

// Close closes the underlying store
func (db *DB) Close() error {
	return db.store.Close()
}

// Store returns the underlying storage backend.
func (db *DB) Store() storage.Store {
	return db.store
}

// ClientIDs returns client node ids in tensor order.
func (db *DB) ClientIDs() []int64 {
	return db.clients
}

// Window returns the number of ticks per observation.
func (db *DB) Window() int {
	return db.cfg.TicksPerObservation
}

// Features returns the configured client payload length, 0 if unchecked.
func (db *DB) Features() int {
	return db.cfg.FeaturesPerNode
}

// Tolerance returns the effective missing-cell tolerance.
func (db *DB) Tolerance() int {
	return db.tolerance
}

// InsertSample stores a sample and returns the tick it was stored at.
//
// If the node has a sample at ts-2 and none at ts-1, the sample is stored at
// ts-1: the node's clock drifted by one tick and the gap is closed instead of
// skipped. A duplicate (node, ts) is logged and reported as success.
func (db *DB) InsertSample(nodeID, ts int64, payload []float64) (int64, error) {
	if err := db.validateSample(nodeID, payload); err != nil {
		return 0, err
	}

	ticks, err := db.store.NodeSampleTicks(nodeID, ts-2, ts)
	if err != nil {
		return 0, fmt.Errorf("failed to read preceding ticks: %w", err)
	}
	if len(ticks) == 1 && ticks[0] == ts-2 {
		db.logger.Debug().
			Int64("node_id", nodeID).
			Int64("ts", ts).
			Msg("clock skew detected, storing sample one tick earlier")
		ts--
	}

	err = db.store.PutSample(nodeID, ts, types.EncodePayload(payload))
	if errors.Is(err, storage.ErrDuplicate) {
		db.logger.Warn().
			Int64("node_id", nodeID).
			Int64("ts", ts).
			Msg("duplicate sample ignored")
		return ts, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to insert sample: %w", err)
	}
	return ts, nil
}

func (db *DB) validateSample(nodeID int64, payload []float64) error {
	if len(db.roles) == 0 {
		return nil
	}

	role, ok := db.roles[nodeID]
	if !ok {
		return fmt.Errorf("%w: unknown node %d", ErrIntegrityViolation, nodeID)
	}
	if role == types.NodeRoleServer && len(payload) != 0 {
		return fmt.Errorf("%w: server node %d sent %d values", ErrIntegrityViolation, nodeID, len(payload))
	}
	if role == types.NodeRoleClient && db.cfg.FeaturesPerNode > 0 && len(payload) != db.cfg.FeaturesPerNode {
		return fmt.Errorf("%w: node %d sent %d values, want %d",
			ErrIntegrityViolation, nodeID, len(payload), db.cfg.FeaturesPerNode)
	}
	return nil
}

// InsertAction records the action applied at ts. A duplicate ts is logged
// and reported as success.
func (db *DB) InsertAction(ts, action int64) error {
	err := db.store.PutAction(ts, action)
	if errors.Is(err, storage.ErrDuplicate) {
		db.logger.Warn().Int64("ts", ts).Int64("action", action).Msg("duplicate action ignored")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

// GetSample returns the payload stored for (node, ts).
func (db *DB) GetSample(nodeID, ts int64) ([]float64, error) {
	data, err := db.store.GetSample(nodeID, ts)
	if err != nil {
		return nil, err
	}
	values, err := types.DecodePayload(data)
	if err != nil {
		return nil, fmt.Errorf("%w: sample (%d, %d): %v", ErrIntegrityViolation, nodeID, ts, err)
	}
	return values, nil
}

// GetAction returns the action recorded at ts, or 0 when there is none.
func (db *DB) GetAction(ts int64) (int64, error) {
	action, err := db.store.GetAction(ts)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	return action, err
}

// ActionCount returns the number of recorded actions.
func (db *DB) ActionCount() (int, error) {
	return db.store.ActionCount()
}

// SampleCount returns the number of stored samples.
func (db *DB) SampleCount() (int, error) {
	return db.store.SampleCount()
}

// PIRange returns the smallest and largest sample ts.
func (db *DB) PIRange() (int64, int64, error) {
	lo, hi, err := db.store.SampleRange()
	if errors.Is(err, storage.ErrNotFound) {
		return 0, 0, fmt.Errorf("%w: no samples", ErrNotEnoughData)
	}
	return lo, hi, err
}

// ActionRange returns the smallest and largest action ts.
func (db *DB) ActionRange() (int64, int64, error) {
	lo, hi, err := db.store.ActionRange()
	if errors.Is(err, storage.ErrNotFound) {
		return 0, 0, fmt.Errorf("%w: no actions", ErrNotEnoughData)
	}
	return lo, hi, err
}

// LastCompleteTick returns the newest tick with a sample from every known
// node.
func (db *DB) LastCompleteTick() (int64, error) {
	if len(db.nodes) == 0 {
		return 0, fmt.Errorf("%w: no nodes configured", ErrNotEnoughData)
	}

	lo, hi, err := db.PIRange()
	if err != nil {
		return 0, err
	}

	for ts := hi; ts >= lo; ts-- {
		count, err := db.store.CountAt(ts)
		if err != nil {
			return 0, fmt.Errorf("failed to count samples at %d: %w", ts, err)
		}
		if count >= len(db.nodes) {
			return ts, nil
		}
	}
	return 0, fmt.Errorf("%w: no complete tick in [%d, %d]", ErrNotEnoughData, lo, hi)
}

// Observation builds the observation window ending at ts from rows in
// (ts-window, ts]. Missing cells are zero-filled as long as there are no
// more of them than the tolerance.
func (db *DB) Observation(ts int64) (*Observation, error) {
	if len(db.clients) == 0 {
		return nil, fmt.Errorf("%w: no client nodes configured", ErrNotEnoughData)
	}

	window := db.cfg.TicksPerObservation
	start := ts - int64(window)

	rows, err := db.store.SamplesBetween(start, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to read window ending at %d: %w", ts, err)
	}

	expected := len(db.nodes) * window
	if missing := expected - len(rows); missing > db.tolerance {
		return nil, fmt.Errorf("%w: window ending at %d is missing %d of %d cells",
			ErrNotEnoughData, ts, missing, expected)
	}

	type cell struct {
		node, tick int
		values     []float64
	}
	cells := make([]cell, 0, len(rows))
	features := db.cfg.FeaturesPerNode

	for _, row := range rows {
		idx, ok := db.clientIdx[row.NodeID]
		if !ok {
			continue
		}
		values, err := types.DecodePayload(row.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: sample (%d, %d): %v", ErrIntegrityViolation, row.NodeID, row.TS, err)
		}
		if features == 0 {
			features = len(values)
		}
		if len(values) != features {
			return nil, fmt.Errorf("%w: sample (%d, %d) has %d values, want %d",
				ErrIntegrityViolation, row.NodeID, row.TS, len(values), features)
		}
		cells = append(cells, cell{node: idx, tick: int(row.TS - start - 1), values: values})
	}

	obs := NewObservation(ts, db.clients, window, features)
	for _, c := range cells {
		copy(obs.Cell(c.node, c.tick), c.values)
	}

	if filled := len(cells); filled < len(db.clients)*window {
		db.logger.Debug().
			Int64("ts", ts).
			Int("missing", len(db.clients)*window-filled).
			Msg("zero-filled missing cells")
	}
	return obs, nil
}

// LastNObservations returns up to n observations walking back from the
// newest tick, newest first. Ticks without enough data are skipped.
func (db *DB) LastNObservations(n int) ([]*Observation, error) {
	lo, hi, err := db.PIRange()
	if err != nil {
		return nil, err
	}

	var out []*Observation
	for ts := hi; ts >= lo && len(out) < n; ts-- {
		obs, err := db.Observation(ts)
		if errors.Is(err, ErrNotEnoughData) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}

	if len(out) < n {
		return nil, fmt.Errorf("%w: found %d of %d observations", ErrNotEnoughData, len(out), n)
	}
	return out, nil
}
