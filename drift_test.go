package mqttsim

import (
	"testing"
	"time"
)

func TestDriftGaugeOnTime(t *testing.T) {
	loop, clock := newTestLoop()
	g := NewDriftGauge(time.Second)
	g.Start(loop)

	clock.advance(loop, time.Second)
	if d := g.Drift(); d != 0 {
		t.Errorf("Expected no drift, got %v", d)
	}
	if g.observed.Load() != 1 {
		t.Errorf("Expected 1 heartbeat, got %d", g.observed.Load())
	}
}

func TestDriftGaugeLate(t *testing.T) {
	loop, clock := newTestLoop()
	g := NewDriftGauge(time.Second)
	g.Start(loop)

	clock.advance(loop, 1300*time.Millisecond)
	if d := g.Drift(); d != 300*time.Millisecond {
		t.Errorf("Expected 300ms drift, got %v", d)
	}

	// Back on schedule: the next beat is one period after the late one.
	clock.advance(loop, time.Second)
	if d := g.Drift(); d != 0 {
		t.Errorf("Expected drift to recover, got %v", d)
	}
}

func TestDriftGaugeStop(t *testing.T) {
	loop, clock := newTestLoop()
	g := NewDriftGauge(0)
	if g.period != DefaultHeartbeat {
		t.Fatalf("Expected default heartbeat, got %v", g.period)
	}
	g.Start(loop)
	g.Stop()

	clock.advance(loop, 5*time.Second)
	if g.observed.Load() != 0 {
		t.Errorf("Stopped gauge still beating")
	}
}
