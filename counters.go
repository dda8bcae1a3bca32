package mqttsim

import (
	"sync/atomic"
	"time"
)

// Counters is a plain aggregate of session activity.
type Counters struct {
	Received     uint64
	Published    uint64
	Connected    uint64
	Disconnected uint64
	Errored      uint64
}

// Add accumulates o into c.
func (c *Counters) Add(o Counters) {
	c.Received += o.Received
	c.Published += o.Published
	c.Connected += o.Connected
	c.Disconnected += o.Disconnected
	c.Errored += o.Errored
}

// Sub returns c - o, field by field.
func (c Counters) Sub(o Counters) Counters {
	return Counters{
		Received:     c.Received - o.Received,
		Published:    c.Published - o.Published,
		Connected:    c.Connected - o.Connected,
		Disconnected: c.Disconnected - o.Disconnected,
		Errored:      c.Errored - o.Errored,
	}
}

// NormalizeToPerSecond scales the counters, taken over elapsed, to a rate
// per second. A zero elapsed duration leaves c untouched.
func (c *Counters) NormalizeToPerSecond(elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	factor := float64(time.Second) / float64(elapsed)
	scale := func(v uint64) uint64 { return uint64(float64(v) * factor) }

	c.Received = scale(c.Received)
	c.Published = scale(c.Published)
	c.Connected = scale(c.Connected)
	c.Disconnected = scale(c.Disconnected)
	c.Errored = scale(c.Errored)
}

// sessionCounters is written by the owning loop and read by the controller.
type sessionCounters struct {
	received     atomic.Uint64
	published    atomic.Uint64
	connected    atomic.Uint64
	disconnected atomic.Uint64
	errored      atomic.Uint64
}

func (s *sessionCounters) snapshot() Counters {
	return Counters{
		Received:     s.received.Load(),
		Published:    s.published.Load(),
		Connected:    s.connected.Load(),
		Disconnected: s.disconnected.Load(),
		Errored:      s.errored.Load(),
	}
}

// LatencyValues is derived from a buffer of round trip samples. Samples that
// are zero or negative are unset slots and do not count.
type LatencyValues struct {
	Min time.Duration
	Max time.Duration
	Avg time.Duration
}

func NewLatencyValues(samples []time.Duration) LatencyValues {
	var lv LatencyValues
	var sum time.Duration
	n := 0
	for _, s := range samples {
		if s <= 0 {
			continue
		}
		if n == 0 || s < lv.Min {
			lv.Min = s
		}
		if s > lv.Max {
			lv.Max = s
		}
		sum += s
		n++
	}
	if n > 0 {
		lv.Avg = sum / time.Duration(n)
	}
	return lv
}

// Valid reports whether at least one sample contributed.
func (lv LatencyValues) Valid() bool {
	return lv.Max > 0
}

// MergeLatencies folds per-session snapshots into one: lowest minimum,
// highest maximum and the mean of the averages.
func MergeLatencies(all []LatencyValues) LatencyValues {
	var out LatencyValues
	var sum time.Duration
	n := 0
	for _, lv := range all {
		if !lv.Valid() {
			continue
		}
		if n == 0 || lv.Min < out.Min {
			out.Min = lv.Min
		}
		if lv.Max > out.Max {
			out.Max = lv.Max
		}
		sum += lv.Avg
		n++
	}
	if n > 0 {
		out.Avg = sum / time.Duration(n)
	}
	return out
}

const latencySlots = 8

// latencyRing keeps the most recent samples of one session. Only the owning
// loop writes; readers load each slot atomically.
type latencyRing struct {
	slots [latencySlots]atomic.Int64
	next  int
}

func (r *latencyRing) record(d time.Duration) {
	if d <= 0 {
		d = 1
	}
	r.slots[r.next].Store(int64(d))
	r.next = (r.next + 1) % latencySlots
}

func (r *latencyRing) values() LatencyValues {
	var samples [latencySlots]time.Duration
	for i := range r.slots {
		samples[i] = time.Duration(r.slots[i].Load())
	}
	return NewLatencyValues(samples[:])
}
