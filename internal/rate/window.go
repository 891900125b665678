package rate

import "time"

// Sample is one observed reading of a cumulative counter.
type Sample struct {
	Value float64
	At    time.Time
}

// Window is a fixed-capacity ring of the most recent samples for one counter.
// Pushing into a full window evicts the oldest sample.
type Window struct {
	buf   []Sample
	start int
	size  int
}

func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]Sample, capacity)}
}

func (w *Window) Cap() int { return len(w.buf) }

func (w *Window) Len() int { return w.size }

func (w *Window) Push(s Sample) {
	if w.size < len(w.buf) {
		w.buf[(w.start+w.size)%len(w.buf)] = s
		w.size++
		return
	}
	w.buf[w.start] = s
	w.start = (w.start + 1) % len(w.buf)
}

// Oldest returns the earliest retained sample.
func (w *Window) Oldest() (Sample, bool) {
	if w.size == 0 {
		return Sample{}, false
	}
	return w.buf[w.start], true
}

// Newest returns the most recently pushed sample.
func (w *Window) Newest() (Sample, bool) {
	if w.size == 0 {
		return Sample{}, false
	}
	return w.buf[(w.start+w.size-1)%len(w.buf)], true
}

// Samples copies the retained samples, oldest first.
func (w *Window) Samples() []Sample {
	out := make([]Sample, 0, w.size)
	for i := 0; i < w.size; i++ {
		out = append(out, w.buf[(w.start+i)%len(w.buf)])
	}
	return out
}
