// Package metrics is a small in-process collector for operational counters
// and latencies, exposed to administrators over HTTP.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const latencyWindow = 100

type Collector struct {
	mu        sync.RWMutex
	counters  map[string]map[string]int64
	latencies map[string][]time.Duration
}

func NewCollector() *Collector {
	return &Collector{
		counters:  make(map[string]map[string]int64),
		latencies: make(map[string][]time.Duration),
	}
}

// Inc bumps name for the given label pairs ("k", "v", ...). An odd trailing
// key is ignored.
func (c *Collector) Inc(name string, labels ...string) {
	if c == nil {
		return
	}
	key := labelKey(labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.counters[name]; !ok {
		c.counters[name] = make(map[string]int64)
	}
	c.counters[name][key]++
}

func labelKey(labels []string) string {
	if len(labels) < 2 {
		return "default"
	}
	parts := make([]string, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		parts = append(parts, labels[i]+":"+labels[i+1])
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (c *Collector) Observe(name string, d time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies[name] = append(c.latencies[name], d)
	if n := len(c.latencies[name]); n > latencyWindow {
		c.latencies[name] = c.latencies[name][n-latencyWindow:]
	}
}

// Since is meant for defer: defer m.Since("op", time.Now()).
func (c *Collector) Since(name string, start time.Time) {
	c.Observe(name, time.Since(start))
}

func (c *Collector) Count(name string, labels ...string) int64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[name][labelKey(labels)]
}

type Snapshot struct {
	Counters  map[string]map[string]int64   `json:"counters"`
	Latencies map[string]map[string]float64 `json:"latencies"`
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := Snapshot{
		Counters:  make(map[string]map[string]int64, len(c.counters)),
		Latencies: make(map[string]map[string]float64, len(c.latencies)),
	}
	for name, labels := range c.counters {
		out.Counters[name] = make(map[string]int64, len(labels))
		for k, v := range labels {
			out.Counters[name][k] = v
		}
	}
	for name, ds := range c.latencies {
		if len(ds) == 0 {
			continue
		}
		var sum, max time.Duration
		for _, d := range ds {
			sum += d
			if d > max {
				max = d
			}
		}
		out.Latencies[name] = map[string]float64{
			"avg_ms": float64(sum) / float64(len(ds)) / float64(time.Millisecond),
			"max_ms": float64(max) / float64(time.Millisecond),
		}
	}
	return out
}
