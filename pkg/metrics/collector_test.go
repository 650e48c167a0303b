package metrics

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeCounter struct {
	samples atomic.Int64
	fail    bool
}

func (f *fakeCounter) SampleCount() (int, error) {
	if f.fail {
		return 0, errors.New("locked")
	}
	return int(f.samples.Load()), nil
}

func (f *fakeCounter) ActionCount() (int, error) {
	if f.fail {
		return 0, errors.New("locked")
	}
	return 3, nil
}

// TestCollector tests that row counts reach the gauge
func TestCollector(t *testing.T) {
	store := &fakeCounter{}
	store.samples.Store(42)

	c := NewCollector(store, 10*time.Millisecond)
	c.Start()
	defer c.Stop()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(StoreRows.WithLabelValues("samples")) == 42
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(3), testutil.ToFloat64(StoreRows.WithLabelValues("actions")))

	store.samples.Store(43)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(StoreRows.WithLabelValues("samples")) == 43
	}, time.Second, 5*time.Millisecond)
}

// TestCollectorErrors tests that a failing store leaves gauges untouched
func TestCollectorErrors(t *testing.T) {
	StoreRows.WithLabelValues("samples").Set(7)

	c := NewCollector(&fakeCounter{fail: true}, time.Hour)
	c.collect()

	assert.Equal(t, float64(7), testutil.ToFloat64(StoreRows.WithLabelValues("samples")))
}
