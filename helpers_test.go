package mqttsim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type publishedMsg struct {
	id      uint16
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// fakeConn records every call. With autoConnect set, Connect reports success
// on the next loop pass; otherwise the test drives events itself.
type fakeConn struct {
	loop *Loop
	opts ConnOptions
	bus  *EventBus

	autoConnect bool

	mu            sync.Mutex
	connects      int
	disconnects   int
	subscriptions []string
	published     []publishedMsg
	creds         [][2]string
	closed        bool
}

func newFakeConn(loop *Loop, opts ConnOptions) *fakeConn {
	return &fakeConn{loop: loop, opts: opts, bus: NewEventBus()}
}

func (c *fakeConn) Connect() {
	c.mu.Lock()
	c.connects++
	auto := c.autoConnect
	c.mu.Unlock()
	if auto {
		c.loop.AfterFunc(0, c.emitConnected)
	}
}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
}

func (c *fakeConn) Subscribe(topic string, qos byte) {
	c.mu.Lock()
	c.subscriptions = append(c.subscriptions, topic)
	c.mu.Unlock()
}

func (c *fakeConn) Publish(packetID uint16, topic string, payload []byte, qos byte, retain bool) {
	c.mu.Lock()
	c.published = append(c.published, publishedMsg{id: packetID, topic: topic, payload: payload, qos: qos, retain: retain})
	c.mu.Unlock()
}

func (c *fakeConn) SetCredentials(username, password string) {
	c.mu.Lock()
	c.creds = append(c.creds, [2]string{username, password})
	c.mu.Unlock()
}

func (c *fakeConn) On(eventName int, handler func(payload EventPayload) error) {
	c.bus.Subscribe(eventName, handler)
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) emitConnected() {
	c.bus.Publish(ConnEventConnected, &ConnEventConnectedPayload{Broker: "fake", Time: c.loop.Now()})
}

func (c *fakeConn) emitDisconnected(reason string) {
	c.bus.Publish(ConnEventDisconnected, &ConnEventDisconnectedPayload{Broker: "fake", Reason: reason, Time: c.loop.Now()})
}

func (c *fakeConn) emitError(kind ErrorKind) {
	c.bus.Publish(ConnEventError, &ConnEventErrorPayload{Kind: kind, Err: &ConnectionError{Kind: kind, Err: errors.New("fake")}})
}

func (c *fakeConn) emitMessage(payload []byte, at time.Time) {
	c.bus.Publish(ConnEventMessage, &ConnEventMessagePayload{Topic: "t", Payload: payload, Received: at})
}

func (c *fakeConn) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *fakeConn) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func (c *fakeConn) lastCreds() [2]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds[len(c.creds)-1]
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer hands out fakeConns and keeps them for inspection.
type fakeDialer struct {
	autoConnect bool

	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) dial(loop *Loop, opts ConnOptions) Connection {
	c := newFakeConn(loop, opts)
	c.autoConnect = d.autoConnect
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c
}

func (d *fakeDialer) all() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*fakeConn, len(d.conns))
	copy(out, d.conns)
	return out
}

// fakeClock drives a Loop by hand.
type fakeClock struct {
	now time.Time
}

func newTestLoop() (*Loop, *fakeClock) {
	c := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewLoop()
	l.now = func() time.Time { return c.now }
	return l, c
}

// advance moves the clock by d and runs one timer pass.
func (c *fakeClock) advance(l *Loop, d time.Duration) {
	c.now = c.now.Add(d)
	l.runDue(c.now)
}

func testSimConfig() SimulatorConfig {
	cfg := DefaultSimulatorConfig()
	cfg.Passive = 0
	cfg.BurstSpread = 0
	cfg.Log = LogConfig{}
	return cfg
}

func testPoolConfig(active, passive int, d *fakeDialer) PoolConfig {
	sim := testSimConfig()
	sim.Active = active
	sim.Passive = passive
	return PoolConfig{
		Sim:     sim,
		Active:  active,
		Passive: passive,
		Numbers: NewClientNumberPool(sim.Modulo),
		Log:     NewNopLog(),
		Dialer:  d.dial,
	}
}

// startLoop runs l until the test ends.
func startLoop(t *testing.T, l *Loop) *Loop {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

// onLoop runs fn on l and waits for it.
func onLoop(t *testing.T, l *Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, l.Post(func() {
		fn()
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not run the posted function")
	}
}
