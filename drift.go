package mqttsim

import (
	"sync/atomic"
	"time"
)

const DefaultHeartbeat = time.Second

// DriftGauge measures how late a loop fires its own heartbeat. The loop
// writes the reading, the controller reads it.
type DriftGauge struct {
	period   time.Duration
	last     time.Time
	drift    atomic.Int64
	timer    *Timer
	observed atomic.Uint64
}

func NewDriftGauge(period time.Duration) *DriftGauge {
	if period <= 0 {
		period = DefaultHeartbeat
	}
	return &DriftGauge{period: period}
}

// Start arms the heartbeat. Call it on the loop goroutine.
func (g *DriftGauge) Start(l *Loop) {
	g.last = l.Now()
	g.timer = l.Every(g.period, func() {
		g.beat(l.Now())
	})
}

func (g *DriftGauge) Stop() {
	if g.timer != nil {
		g.timer.Stop()
	}
}

func (g *DriftGauge) beat(now time.Time) {
	elapsed := now.Sub(g.last)
	g.last = now
	d := g.period - elapsed
	if d < 0 {
		d = -d
	}
	g.drift.Store(int64(d))
	g.observed.Add(1)
}

// Drift is the latest reading.
func (g *DriftGauge) Drift() time.Duration {
	return time.Duration(g.drift.Load())
}
