package mqttsim

import (
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	reconnectFloor = 5000 * time.Millisecond
	minInterval    = time.Millisecond
)

type Role int

const (
	RoleActive Role = iota
	RolePassive
)

func (r Role) String() string {
	if r == RoleActive {
		return "active"
	}
	return "passive"
}

type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// sessionParams is what a pool resolves for each session before building it.
type sessionParams struct {
	index          int
	role           Role
	clientID       string
	subscribeTopic string
	publishTopic   topicTemplate
	rotatePerBurst bool
	username       credentialTemplate
	password       credentialTemplate
	payload        payloadTemplate
	qos            byte
	retain         bool
	burstSize      int
	interval       time.Duration
	reconnectDelay time.Duration
}

// Session is one simulated client. Everything except the counters, the
// latency ring and State is owned by the loop goroutine.
type Session struct {
	sessionParams

	loop    *Loop
	conn    Connection
	log     *Log
	rng     *rand.Rand
	numbers *ClientNumberPool

	state          atomic.Int32
	eligible       bool
	everConnected  bool
	onFirstConnect func()

	topic          string
	nextPublish    time.Time
	publishCounter uint64
	packetID       uint16

	reconnectTimer *Timer

	counters sessionCounters
	latency  latencyRing
}

func newSession(loop *Loop, conn Connection, p sessionParams, numbers *ClientNumberPool, rng *rand.Rand, log *Log) *Session {
	s := &Session{
		sessionParams: p,
		loop:          loop,
		conn:          conn,
		log:           log,
		rng:           rng,
		numbers:       numbers,
	}
	s.reconnectTimer = loop.NewTimer(s.connect)
	conn.SetCredentials(p.username.render(), p.password.render())

	conn.On(ConnEventConnected, func(payload EventPayload) error {
		s.onConnected(payload.(*ConnEventConnectedPayload))
		return nil
	})
	conn.On(ConnEventDisconnected, func(payload EventPayload) error {
		s.onDisconnected(payload.(*ConnEventDisconnectedPayload))
		return nil
	})
	conn.On(ConnEventError, func(payload EventPayload) error {
		s.onError(payload.(*ConnEventErrorPayload))
		return nil
	})
	conn.On(ConnEventMessage, func(payload EventPayload) error {
		s.onMessage(payload.(*ConnEventMessagePayload))
		return nil
	})
	return s
}

func (s *Session) ID() string {
	return s.clientID
}

func (s *Session) Role() Role {
	return s.role
}

// State is safe to call from any goroutine.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// connect starts a connection attempt unless one is running or established.
func (s *Session) connect() {
	if s.State() != StateDisconnected {
		return
	}
	s.setState(StateConnecting)
	s.log.Session("connecting", zap.String("client_id", s.clientID))
	s.conn.Connect()
}

func (s *Session) onConnected(p *ConnEventConnectedPayload) {
	s.setState(StateConnected)
	s.counters.connected.Add(1)
	s.log.Session("connected", zap.String("client_id", s.clientID), zap.String("broker", p.Broker))

	s.conn.Subscribe(s.subscribeTopic, s.qos)
	s.log.Session("subscribing", zap.String("client_id", s.clientID), zap.String("topic", s.subscribeTopic))

	if s.role == RoleActive {
		s.topic = s.publishTopic.render(s.numbers)
		s.nextPublish = p.Time.Add(s.interval)
		s.eligible = true
	}

	if !s.everConnected {
		s.everConnected = true
		if s.onFirstConnect != nil {
			s.onFirstConnect()
		}
	}
}

// onDisconnected leaves reconnecting to the reconnect timer.
func (s *Session) onDisconnected(p *ConnEventDisconnectedPayload) {
	s.setState(StateDisconnected)
	s.eligible = false
	s.counters.disconnected.Add(1)
	s.log.Session("disconnected", zap.String("client_id", s.clientID), zap.String("reason", p.Reason))
}

func (s *Session) onError(p *ConnEventErrorPayload) {
	s.setState(StateDisconnected)
	s.eligible = false
	s.counters.errored.Add(1)

	if s.username.random || s.password.random {
		s.conn.SetCredentials(s.username.render(), s.password.render())
	}
	s.reconnectTimer.Reset(s.reconnectDelay)

	s.log.Error(p.Err, "connection error, delayed reconnect",
		zap.String("client_id", s.clientID),
		zap.Stringer("kind", p.Kind),
		zap.Duration("reconnect_in", s.reconnectDelay),
	)
}

// publishDue sends one burst if the session is connected and its publish
// time has come.
func (s *Session) publishDue(now time.Time) {
	if s.State() != StateConnected || !s.eligible || now.Before(s.nextPublish) {
		return
	}
	s.nextPublish = s.nextPublish.Add(s.interval)

	for i := 0; i < s.burstSize; i++ {
		payload := s.payload.render(s.clientID, s.publishCounter, now, s.rng)
		s.publishCounter++
		s.conn.Publish(s.nextPacketID(), s.topic, payload, s.qos, s.retain)
		s.counters.published.Add(1)
	}

	if s.rotatePerBurst {
		s.topic = s.publishTopic.render(s.numbers)
	}
}

// nextPacketID never returns 0, which means no acknowledgement tracking.
func (s *Session) nextPacketID() uint16 {
	s.packetID++
	if s.packetID == 0 {
		s.packetID++
	}
	return s.packetID
}

func (s *Session) onMessage(p *ConnEventMessagePayload) {
	s.counters.received.Add(1)
	sent, ok := decodeLatencyProbe(p.Payload)
	if !ok {
		return
	}
	s.latency.record(p.Received.Sub(sent))
}

func (s *Session) Counters() Counters {
	return s.counters.snapshot()
}

func (s *Session) Latency() LatencyValues {
	return s.latency.values()
}

// Close disconnects and releases the transport. Call it on the loop
// goroutine, or after the loop has returned.
func (s *Session) Close() {
	s.reconnectTimer.Stop()
	s.eligible = false
	s.conn.Close()
	s.setState(StateDisconnected)
}

// reconnectDelay returns override when it is not negative. Otherwise it picks
// a delay of at least five seconds, spread over roughly as long as the whole
// population took to connect.
func reconnectDelay(override time.Duration, total int, delay time.Duration, rng *rand.Rand) time.Duration {
	if override >= 0 {
		return override
	}
	delayMs := float64(delay.Milliseconds())
	window := int64(float64(total+1) / (1000.0 / (delayMs + 1)) * 1000)
	if window < 1 {
		window = 1
	}
	return reconnectFloor + time.Duration(rng.Int64N(window))*time.Millisecond
}

// publishInterval returns base moved by up to spread in either direction,
// never below a millisecond.
func publishInterval(base, spread time.Duration, rng *rand.Rand) time.Duration {
	d := base
	if spread > 0 {
		d += time.Duration(rng.Int64N(int64(2*spread)+1)) - spread
	}
	if d < minInterval {
		d = minInterval
	}
	return d
}
