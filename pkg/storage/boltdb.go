package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketSamples       = []byte("samples")
	bucketSamplesByNode = []byte("samples_by_node")
	bucketSamplesBySeq  = []byte("samples_by_seq")
	bucketActions       = []byte("actions")
)

// bbolt holds an exclusive file lock, so every BoltStore in a process that
// points at the same file shares one handle. Read transactions on it are
// MVCC snapshots and never block the writer.
var (
	sharedMu  sync.Mutex
	sharedDBs = make(map[string]*sharedDB)
)

// boltLockTimeout bounds the wait for a file lock held by another process.
var boltLockTimeout = 5 * time.Second

type sharedDB struct {
	db   *bolt.DB
	refs int
}

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	path   string
	db     *bolt.DB
	closed bool
}

// NewBoltStore opens (or joins) the BoltDB replay store at path
func NewBoltStore(path string) (*BoltStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}

	sharedMu.Lock()
	defer sharedMu.Unlock()

	if s, ok := sharedDBs[abs]; ok {
		s.refs++
		return &BoltStore{path: abs, db: s.db}, nil
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(abs, 0600, &bolt.Options{Timeout: boltLockTimeout})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s (use the sqlite backend to read from several processes)", ErrLocked, abs)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSamples, bucketSamplesByNode, bucketSamplesBySeq, bucketActions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	sharedDBs[abs] = &sharedDB{db: db, refs: 1}
	return &BoltStore{path: abs, db: db}, nil
}

// Close releases this handle; the file is closed with the last one
func (s *BoltStore) Close() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	shared, ok := sharedDBs[s.path]
	if !ok {
		return nil
	}
	shared.refs--
	if shared.refs > 0 {
		return nil
	}
	delete(sharedDBs, s.path)
	return shared.db.Close()
}

// Sample operations
func (s *BoltStore) PutSample(nodeID, ts int64, payload []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		samples := tx.Bucket(bucketSamples)
		key := pairKey(ts, nodeID)
		if samples.Get(key) != nil {
			return fmt.Errorf("sample (%d, %d): %w", nodeID, ts, ErrDuplicate)
		}

		bySeq := tx.Bucket(bucketSamplesBySeq)
		seq, err := bySeq.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		value := make([]byte, 8+len(payload))
		binary.BigEndian.PutUint64(value, seq)
		copy(value[8:], payload)

		if err := samples.Put(key, value); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSamplesByNode).Put(pairKey(nodeID, ts), nil); err != nil {
			return err
		}
		return bySeq.Put(seqKey(seq), key)
	})
}

func (s *BoltStore) GetSample(nodeID, ts int64) ([]byte, error) {
	var payload []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketSamples).Get(pairKey(ts, nodeID))
		if value == nil {
			return fmt.Errorf("sample (%d, %d): %w", nodeID, ts, ErrNotFound)
		}
		payload = append([]byte(nil), value[8:]...)
		return nil
	})
	return payload, err
}

func (s *BoltStore) DeleteSample(nodeID, ts int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		samples := tx.Bucket(bucketSamples)
		key := pairKey(ts, nodeID)
		value := samples.Get(key)
		if value == nil {
			return fmt.Errorf("sample (%d, %d): %w", nodeID, ts, ErrNotFound)
		}
		seq := binary.BigEndian.Uint64(value[:8])

		if err := samples.Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSamplesByNode).Delete(pairKey(nodeID, ts)); err != nil {
			return err
		}
		return tx.Bucket(bucketSamplesBySeq).Delete(seqKey(seq))
	})
}

func (s *BoltStore) NodeSampleTicks(nodeID, from, to int64) ([]int64, error) {
	var ticks []int64
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSamplesByNode).Cursor()
		end := pairKey(nodeID, to)
		for k, _ := c.Seek(pairKey(nodeID, from)); k != nil && bytes.Compare(k, end) < 0; k, _ = c.Next() {
			_, ts := splitPairKey(k)
			ticks = append(ticks, ts)
		}
		return nil
	})
	return ticks, err
}

func (s *BoltStore) SamplesBetween(from, to int64) ([]SampleRow, error) {
	var rows []SampleRow
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSamples).Cursor()
		for k, v := c.Seek(pairKey(from+1, minInt64)); k != nil; k, v = c.Next() {
			ts, nodeID := splitPairKey(k)
			if ts > to {
				break
			}
			rows = append(rows, SampleRow{
				Seq:     binary.BigEndian.Uint64(v[:8]),
				NodeID:  nodeID,
				TS:      ts,
				Payload: append([]byte(nil), v[8:]...),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].NodeID != rows[j].NodeID {
			return rows[i].NodeID < rows[j].NodeID
		}
		return rows[i].TS < rows[j].TS
	})
	return rows, nil
}

func (s *BoltStore) CountAt(ts int64) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSamples).Cursor()
		for k, _ := c.Seek(pairKey(ts, minInt64)); k != nil; k, _ = c.Next() {
			kts, _ := splitPairKey(k)
			if kts != ts {
				break
			}
			count++
		}
		return nil
	})
	return count, err
}

func (s *BoltStore) SampleRange() (int64, int64, error) {
	var lo, hi int64
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSamples).Cursor()
		first, _ := c.First()
		if first == nil {
			return fmt.Errorf("samples: %w", ErrNotFound)
		}
		last, _ := c.Last()
		lo, _ = splitPairKey(first)
		hi, _ = splitPairKey(last)
		return nil
	})
	return lo, hi, err
}

func (s *BoltStore) SampleCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketSamples).Stats().KeyN
		return nil
	})
	return count, err
}

func (s *BoltStore) SamplesSince(seq uint64) ([]SampleRow, error) {
	var rows []SampleRow
	err := s.db.View(func(tx *bolt.Tx) error {
		samples := tx.Bucket(bucketSamples)
		actions := tx.Bucket(bucketActions)

		c := tx.Bucket(bucketSamplesBySeq).Cursor()
		for k, key := c.Seek(seqKey(seq + 1)); k != nil; k, key = c.Next() {
			value := samples.Get(key)
			if value == nil {
				continue
			}
			ts, nodeID := splitPairKey(key)
			row := SampleRow{
				Seq:     binary.BigEndian.Uint64(k),
				NodeID:  nodeID,
				TS:      ts,
				Payload: append([]byte(nil), value[8:]...),
			}
			if a := actions.Get(intKey(ts)); a != nil {
				row.Action = int64(binary.BigEndian.Uint64(a))
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TS != rows[j].TS {
			return rows[i].TS < rows[j].TS
		}
		return rows[i].NodeID < rows[j].NodeID
	})
	return rows, nil
}

// Action operations
func (s *BoltStore) PutAction(ts, action int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		key := intKey(ts)
		if b.Get(key) != nil {
			return fmt.Errorf("action at %d: %w", ts, ErrDuplicate)
		}
		value := make([]byte, 8)
		binary.BigEndian.PutUint64(value, uint64(action))
		return b.Put(key, value)
	})
}

func (s *BoltStore) GetAction(ts int64) (int64, error) {
	var action int64
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketActions).Get(intKey(ts))
		if value == nil {
			return fmt.Errorf("action at %d: %w", ts, ErrNotFound)
		}
		action = int64(binary.BigEndian.Uint64(value))
		return nil
	})
	return action, err
}

func (s *BoltStore) DeleteAction(ts int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActions).Delete(intKey(ts))
	})
}

func (s *BoltStore) ActionRange() (int64, int64, error) {
	var lo, hi int64
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketActions).Cursor()
		first, _ := c.First()
		if first == nil {
			return fmt.Errorf("actions: %w", ErrNotFound)
		}
		last, _ := c.Last()
		lo = decodeInt(first)
		hi = decodeInt(last)
		return nil
	})
	return lo, hi, err
}

func (s *BoltStore) ActionCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketActions).Stats().KeyN
		return nil
	})
	return count, err
}

func (s *BoltStore) ActionsBetween(from, to int64) ([]ActionRow, error) {
	var rows []ActionRow
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketActions).Cursor()
		max := intKey(to)
		for k, v := c.Seek(intKey(from)); k != nil && bytes.Compare(k, max) <= 0; k, v = c.Next() {
			rows = append(rows, ActionRow{
				TS:     decodeInt(k),
				Action: int64(binary.BigEndian.Uint64(v)),
			})
		}
		return nil
	})
	return rows, err
}

// Key helpers. Signed integers are stored with the sign bit flipped so that
// big-endian byte order matches numeric order.

const minInt64 = -1 << 63

func intKey(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v)^(1<<63))
	return b
}

func decodeInt(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

func pairKey(a, b int64) []byte {
	return append(intKey(a), intKey(b)...)
}

func splitPairKey(k []byte) (int64, int64) {
	return decodeInt(k[:8]), decodeInt(k[8:16])
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
