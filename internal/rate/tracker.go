package rate

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	CounterNetIn  = "netin"
	CounterNetOut = "netout"
)

type windowKey struct {
	entity  string
	counter string
}

// Tracker turns cumulative byte counters into bits-per-second rates averaged
// over a sliding window of samples per (entity, counter).
type Tracker struct {
	mu       sync.Mutex
	capacity int
	windows  map[windowKey]*Window
}

func NewTracker(capacity int) *Tracker {
	if capacity < 2 {
		capacity = 2
	}
	return &Tracker{capacity: capacity, windows: make(map[windowKey]*Window)}
}

// EntityKey builds the window key for one container on one node of one
// cluster. Two clusters reporting the same node name never share windows.
func EntityKey(cluster, node string, id int) string {
	return cluster + "/" + node + "-" + strconv.Itoa(id)
}

// Observe records value at now and returns the rate between the oldest
// retained sample and this one. The result is 0 without a prior sample or when
// no time has elapsed, and is negative when the counter went backwards.
func (t *Tracker) Observe(entity, counter string, value float64, now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := windowKey{entity: entity, counter: counter}
	w, ok := t.windows[k]
	if !ok {
		w = NewWindow(t.capacity)
		t.windows[k] = w
	}

	var rate float64
	if oldest, ok := w.Oldest(); ok {
		elapsed := now.Sub(oldest.At).Seconds()
		if elapsed > 0 {
			rate = (value - oldest.Value) * 8 / elapsed
		}
	}
	w.Push(Sample{Value: value, At: now})
	return rate
}

// Forget drops every window whose entity matches and reports how many were removed.
func (t *Tracker) Forget(match func(entity string) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for k := range t.windows {
		if match(k.entity) {
			delete(t.windows, k)
			removed++
		}
	}
	return removed
}

// OfNode matches the entity keys EntityKey produces for node in any cluster,
// so that "pve1" does not claim the windows of "pve1-2". Node names carry no
// slash; everything up to the last one is the cluster.
func OfNode(node string) func(entity string) bool {
	prefix := node + "-"
	return func(entity string) bool {
		if i := strings.LastIndexByte(entity, '/'); i >= 0 {
			entity = entity[i+1:]
		}
		rest, ok := strings.CutPrefix(entity, prefix)
		if !ok || rest == "" {
			return false
		}
		_, err := strconv.Atoi(rest)
		return err == nil
	}
}

// Len reports the number of tracked windows.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.windows)
}
