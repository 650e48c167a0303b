package agent

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Collector produces an ordered sequence of floats once per tick
type Collector interface {
	Collect() ([]float64, error)
}

// CollectorFunc adapts a function to Collector
type CollectorFunc func() ([]float64, error)

// Collect calls f.
func (f CollectorFunc) Collect() ([]float64, error) {
	return f()
}

// FileCollector reads the first number from each of its files, in order.
// It covers the usual procfs and sysfs counters.
type FileCollector struct {
	Paths []string
}

// Collect reads every file once.
func (c *FileCollector) Collect() ([]float64, error) {
	values := make([]float64, 0, len(c.Paths))
	for _, path := range c.Paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		fields := strings.Fields(string(data))
		if len(fields) == 0 {
			return nil, fmt.Errorf("%s is empty", path)
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		values = append(values, v)
	}
	return values, nil
}

// collectAll runs collectors in order and concatenates their output. The
// payload is only usable when every collector succeeded.
func collectAll(collectors []Collector) ([]float64, error) {
	var payload []float64
	for i, c := range collectors {
		values, err := c.Collect()
		if err != nil {
			return payload, fmt.Errorf("collector %d: %w", i, err)
		}
		payload = append(payload, values...)
	}
	return payload, nil
}
