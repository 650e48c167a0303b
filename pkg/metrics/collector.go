package metrics

import (
	"time"

	"github.com/cuemby/attune/pkg/log"
)

// RowCounter is the part of a replay store the collector reads
type RowCounter interface {
	SampleCount() (int, error)
	ActionCount() (int, error)
}

// Collector polls replay store row counts into attune_store_rows
type Collector struct {
	store    RowCounter
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector creates a collector over store. The store should be a reader
// connection of its own so polling never contends with the writer.
func NewCollector(store RowCounter, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer close(c.doneCh)
		defer ticker.Stop()

		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector and waits for the polling goroutine to exit
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) collect() {
	if n, err := c.store.SampleCount(); err == nil {
		StoreRows.WithLabelValues("samples").Set(float64(n))
	} else {
		log.Logger.Debug().Err(err).Msg("failed to count samples")
	}

	if n, err := c.store.ActionCount(); err == nil {
		StoreRows.WithLabelValues("actions").Set(float64(n))
	} else {
		log.Logger.Debug().Err(err).Msg("failed to count actions")
	}
}
