package mqttsim

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoopAfterFunc(t *testing.T) {
	loop, clock := newTestLoop()
	var fired int

	loop.AfterFunc(50*time.Millisecond, func() { fired++ })

	clock.advance(loop, 49*time.Millisecond)
	if fired != 0 {
		t.Fatalf("Timer fired early")
	}
	clock.advance(loop, time.Millisecond)
	if fired != 1 {
		t.Errorf("Expected 1 execution, got %d", fired)
	}
	if loop.Pending() != 0 {
		t.Errorf("Expected no pending timers, got %d", loop.Pending())
	}
}

func TestLoopEvery(t *testing.T) {
	loop, clock := newTestLoop()
	var count int

	timer := loop.Every(10*time.Millisecond, func() { count++ })

	for i := 0; i < 3; i++ {
		clock.advance(loop, 10*time.Millisecond)
	}
	if count != 3 {
		t.Errorf("Expected 3 executions, got %d", count)
	}
	if !timer.Active() {
		t.Error("Periodic timer should stay armed")
	}
}

func TestLoopEveryRearmsFromFireTime(t *testing.T) {
	loop, clock := newTestLoop()
	var count int

	loop.Every(10*time.Millisecond, func() { count++ })

	// A late pass fires once, then the next firing is a full period later.
	clock.advance(loop, 25*time.Millisecond)
	if count != 1 {
		t.Fatalf("Expected 1 execution, got %d", count)
	}
	clock.advance(loop, 9*time.Millisecond)
	if count != 1 {
		t.Errorf("Expected no execution before a full period, got %d", count)
	}
	clock.advance(loop, time.Millisecond)
	if count != 2 {
		t.Errorf("Expected 2 executions, got %d", count)
	}
}

func TestTimerResetMoves(t *testing.T) {
	loop, clock := newTestLoop()
	var count int

	timer := loop.NewTimer(func() { count++ })
	timer.Reset(10 * time.Millisecond)
	timer.Reset(20 * time.Millisecond)
	timer.Reset(20 * time.Millisecond)

	if loop.Pending() != 1 {
		t.Fatalf("Expected a single armed timer, got %d", loop.Pending())
	}
	clock.advance(loop, 10*time.Millisecond)
	if count != 0 {
		t.Errorf("Timer fired at its old deadline")
	}
	clock.advance(loop, 10*time.Millisecond)
	if count != 1 {
		t.Errorf("Expected 1 execution, got %d", count)
	}
}

func TestTimerStop(t *testing.T) {
	loop, clock := newTestLoop()
	var count int

	timer := loop.AfterFunc(10*time.Millisecond, func() { count++ })
	if !timer.Stop() {
		t.Error("Stop should report an armed timer")
	}
	if timer.Stop() {
		t.Error("Second Stop should report false")
	}
	clock.advance(loop, time.Second)
	if count != 0 {
		t.Errorf("Stopped timer fired %d times", count)
	}
}

func TestLoopZeroDelayRearmYields(t *testing.T) {
	loop, clock := newTestLoop()
	var count int

	var timer *Timer
	timer = loop.AfterFunc(0, func() {
		count++
		timer.Reset(0)
	})

	clock.advance(loop, 0)
	if count != 1 {
		t.Fatalf("Expected one execution per pass, got %d", count)
	}
	clock.advance(loop, 0)
	if count != 2 {
		t.Errorf("Expected 2 executions after two passes, got %d", count)
	}
}

func TestLoopSameDeadlineRunsInArmOrder(t *testing.T) {
	loop, clock := newTestLoop()
	var order []int

	for i := 0; i < 5; i++ {
		i := i
		loop.AfterFunc(time.Millisecond, func() { order = append(order, i) })
	}
	clock.advance(loop, time.Millisecond)

	for i, v := range order {
		if v != i {
			t.Fatalf("Expected arm order, got %v", order)
		}
	}
}

func TestLoopRunAndPost(t *testing.T) {
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	var executed int64
	fired := make(chan struct{})

	loop.Post(func() {
		atomic.AddInt64(&executed, 1)
		loop.AfterFunc(20*time.Millisecond, func() { close(fired) })
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("Timer armed from a posted function never fired")
	}
	if atomic.LoadInt64(&executed) != 1 {
		t.Errorf("Expected posted function to run once")
	}

	loop.Stop()
	<-loop.Done()

	if loop.Post(func() {}) {
		t.Error("Post should fail after the loop stopped")
	}
}

func TestLoopStopsOnContext(t *testing.T) {
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	loop.Post(func() {
		loop.Every(5*time.Millisecond, func() {})
	})
	cancel()

	select {
	case <-loop.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Loop did not stop after cancel")
	}
}
