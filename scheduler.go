package mqttsim

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

const loopInboxSize = 4096

// Loop is a single goroutine scheduler. Each shard owns exactly one; its
// timers, sessions and transport callbacks are only ever touched from the
// goroutine running Run. Other goroutines reach it through Post.
type Loop struct {
	timers timerHeap
	seq    uint64
	inbox  chan func()
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	now    func() time.Time
}

// Timer fires fn on its loop. A periodic timer re-arms itself at the moment
// it fires plus its period.
type Timer struct {
	loop   *Loop
	when   time.Time
	seq    uint64
	period time.Duration
	fn     func()
	index  int
}

func NewLoop() *Loop {
	return &Loop{
		inbox: make(chan func(), loopInboxSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		now:   time.Now,
	}
}

// Now is the loop's clock.
func (l *Loop) Now() time.Time {
	return l.now()
}

// NewTimer creates an unarmed timer.
func (l *Loop) NewTimer(fn func()) *Timer {
	return &Timer{loop: l, fn: fn, index: -1}
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := l.NewTimer(fn)
	t.Reset(d)
	return t
}

func (l *Loop) Every(interval time.Duration, fn func()) *Timer {
	t := l.NewTimer(fn)
	t.period = interval
	t.Reset(interval)
	return t
}

// Reset arms the timer d from now, moving it if it is already armed.
func (t *Timer) Reset(d time.Duration) {
	l := t.loop
	l.seq++
	t.when = l.now().Add(d)
	t.seq = l.seq
	if t.index >= 0 {
		heap.Fix(&l.timers, t.index)
		return
	}
	heap.Push(&l.timers, t)
}

// Stop disarms the timer. It reports whether the timer was armed.
func (t *Timer) Stop() bool {
	if t.index < 0 {
		return false
	}
	heap.Remove(&t.loop.timers, t.index)
	return true
}

func (t *Timer) Active() bool {
	return t.index >= 0
}

// Pending is the number of armed timers.
func (l *Loop) Pending() int {
	return len(l.timers)
}

// Post queues fn to run on the loop. It is safe from any goroutine and
// returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.inbox <- fn:
		return true
	case <-l.done:
		return false
	case <-l.quit:
		return false
	}
}

func (l *Loop) Stop() {
	l.once.Do(func() { close(l.quit) })
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	wake := time.NewTimer(time.Hour)
	defer wake.Stop()

	for {
		l.runDue(l.now())

		var wakeC <-chan time.Time
		if len(l.timers) > 0 {
			d := l.timers[0].when.Sub(l.now())
			if d < 0 {
				d = 0
			}
			wake.Reset(d)
			wakeC = wake.C
		}

		select {
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		case fn := <-l.inbox:
			fn()
		case <-wakeC:
		}
	}
}

// runDue fires every timer due at now. Timers armed while the pass is running
// wait for the next pass, so a zero delay re-arm yields to posted work.
func (l *Loop) runDue(now time.Time) {
	limit := l.seq
	for len(l.timers) > 0 {
		t := l.timers[0]
		if t.when.After(now) || t.seq > limit {
			return
		}
		heap.Pop(&l.timers)
		if t.period > 0 {
			t.Reset(t.period)
		}
		t.fn()
	}
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
