package mqttsim

import (
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

const (
	publishPollInterval = 10 * time.Millisecond
	connectBatchYield   = 100
)

// Pool owns the sessions of one shard. It staggers their first connection
// attempts and polls them for due publishes. All methods except
// TotalCounters, AllLatencies and Size run on the pool's loop.
type Pool struct {
	loop *Loop
	id   string
	log  *Log
	rng  *rand.Rand

	sessions []*Session
	pending  []*Session

	delay        time.Duration
	deferPublish bool
	drained      bool
	connected    int

	batchTimer *Timer
	pollTimer  *Timer
}

// NewPool builds every session of cfg on loop. It must be called on the
// goroutine that will run loop.
func NewPool(loop *Loop, cfg PoolConfig) (*Pool, error) {
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("pool %d: no dialer", cfg.Shard)
	}
	log := cfg.Log
	if log == nil {
		log = NewNopLog()
	}
	sim := cfg.Sim

	p := &Pool{
		loop:         loop,
		id:           randomString(),
		log:          log,
		rng:          rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		delay:        sim.Delay,
		deferPublish: sim.DeferPublish,
		sessions:     make([]*Session, 0, cfg.total()),
	}

	username := compileCredential(sim.Username)
	password := compileCredential(sim.Password)
	payload := compilePayload(sim.Payload, sim.PayloadCeiling)
	total := cfg.total()

	build := func(role Role, i, global int) {
		params := sessionParams{
			index:          i,
			role:           role,
			clientID:       p.clientID(sim.ClientID, role, global),
			subscribeTopic: p.subscribeTopic(sim.SubscribeTopic, role, i, cfg.Active),
			rotatePerBurst: sim.RotatePerBurst,
			username:       username,
			password:       password,
			payload:        payload,
			qos:            byte(sim.QoS),
			retain:         sim.Retain,
			burstSize:      sim.BurstSize,
			interval:       publishInterval(sim.BurstInterval, sim.BurstSpread, p.rng),
			reconnectDelay: reconnectDelay(sim.ReconnectInterval, total, sim.Delay, p.rng),
		}
		if role == RoleActive {
			params.publishTopic = p.publishTopic(sim.PublishTopic, i)
		}

		conn := cfg.Dialer(loop, ConnOptions{
			Host:           sim.hostFor(global),
			Port:           sim.Port,
			ClientID:       params.clientID,
			CleanSession:   sim.CleanSession,
			KeepAlive:      sim.KeepAlive,
			ConnectTimeout: sim.ConnectTimeout,
			TLS:            cfg.TLS,
		})
		s := newSession(loop, conn, params, cfg.Numbers, p.rng, log)
		s.onFirstConnect = p.sessionConnected
		p.sessions = append(p.sessions, s)
	}

	for i := 0; i < cfg.Active; i++ {
		build(RoleActive, i, cfg.ActiveOffset+i)
	}
	for i := 0; i < cfg.Passive; i++ {
		build(RolePassive, i, cfg.PassiveOffset+i)
	}

	// Pending is popped from the back, so the last session connects first.
	p.pending = make([]*Session, len(p.sessions))
	copy(p.pending, p.sessions)

	log.App("pool created",
		zap.Int("shard", cfg.Shard),
		zap.String("pool_id", p.id),
		zap.Int("active", cfg.Active),
		zap.Int("passive", cfg.Passive),
	)
	return p, nil
}

func (p *Pool) clientID(fixed string, role Role, global int) string {
	if fixed != "" {
		return compileCredential(fixed).render()
	}
	return fmt.Sprintf("mqtt_load_tester_%s_%d_%s", role, global, randomString())
}

func (p *Pool) subscribeTopic(override string, role Role, i, active int) string {
	if override != "" {
		return override
	}
	if role == RolePassive {
		return fmt.Sprintf("/silentpath/%s/#", randomString())
	}
	prev := (i - 1 + active) % active
	return fmt.Sprintf("/loadtester/clientpool_%s/%d/#", p.id, prev)
}

func (p *Pool) publishTopic(override string, i int) topicTemplate {
	if override != "" {
		return compileTopic(override)
	}
	return compileTopic(fmt.Sprintf("/loadtester/clientpool_%s/%d/hellofromtheloadtester", p.id, i))
}

func (p *Pool) ID() string {
	return p.id
}

func (p *Pool) Size() int {
	return len(p.sessions)
}

func (p *Pool) Sessions() []*Session {
	return p.sessions
}

// Start arms the batch connect timer and, unless publishing is deferred, the
// publish poll.
func (p *Pool) Start() {
	if p.delay <= 0 {
		p.batchTimer = p.loop.AfterFunc(0, p.connectBatch)
	} else {
		p.batchTimer = p.loop.Every(p.delay, p.connectOne)
	}
	if !p.deferPublish {
		p.startPublishing()
	}
}

// connectBatch drains the queue, yielding to the loop every
// connectBatchYield sessions.
func (p *Pool) connectBatch() {
	for n := 0; len(p.pending) > 0; n++ {
		if n == connectBatchYield {
			p.batchTimer.Reset(0)
			return
		}
		p.pop().connect()
	}
	p.queueDrained()
}

func (p *Pool) connectOne() {
	if len(p.pending) > 0 {
		p.pop().connect()
	}
	if len(p.pending) == 0 {
		p.batchTimer.Stop()
		p.queueDrained()
	}
}

func (p *Pool) pop() *Session {
	n := len(p.pending) - 1
	s := p.pending[n]
	p.pending[n] = nil
	p.pending = p.pending[:n]
	return s
}

func (p *Pool) queueDrained() {
	if p.drained {
		return
	}
	p.drained = true
	p.log.App("pool connect queue drained", zap.String("pool_id", p.id), zap.Int("sessions", len(p.sessions)))
	p.maybeStartPublishing()
}

func (p *Pool) sessionConnected() {
	p.connected++
	p.maybeStartPublishing()
}

func (p *Pool) maybeStartPublishing() {
	if !p.deferPublish || !p.drained || p.connected < len(p.sessions) {
		return
	}
	p.startPublishing()
}

func (p *Pool) startPublishing() {
	if p.pollTimer != nil {
		return
	}
	p.pollTimer = p.loop.Every(publishPollInterval, p.pollPublish)
}

func (p *Pool) pollPublish() {
	now := p.loop.Now()
	for _, s := range p.sessions {
		s.publishDue(now)
	}
}

// TotalCounters sums the counters of every session. Safe from any goroutine.
func (p *Pool) TotalCounters() Counters {
	var total Counters
	for _, s := range p.sessions {
		total.Add(s.Counters())
	}
	return total
}

// AllLatencies returns a snapshot for every active session that has seen at
// least one probe.
func (p *Pool) AllLatencies() []LatencyValues {
	var out []LatencyValues
	for _, s := range p.sessions {
		if s.role != RoleActive {
			continue
		}
		if lv := s.Latency(); lv.Valid() {
			out = append(out, lv)
		}
	}
	return out
}

// Close stops the pool's timers and disconnects every session.
func (p *Pool) Close() {
	if p.batchTimer != nil {
		p.batchTimer.Stop()
	}
	if p.pollTimer != nil {
		p.pollTimer.Stop()
	}
	p.pending = nil
	for _, s := range p.sessions {
		s.Close()
	}
	p.log.App("pool closed", zap.String("pool_id", p.id))
}
