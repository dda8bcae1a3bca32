package mqttsim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// constructMu serializes pool construction across shards. Paho registers
// its packet handlers lazily on first use, which races when many clients
// are built at once.
var constructMu sync.Mutex

// Starter builds one pool on the goroutine that drives its loop and keeps
// running that loop until it is cancelled.
type Starter struct {
	cfg   PoolConfig
	loop  *Loop
	gauge *DriftGauge

	pool  atomic.Pointer[Pool]
	err   atomic.Pointer[error]
	ready chan struct{}
}

func NewStarter(cfg PoolConfig, gauge *DriftGauge) *Starter {
	return &Starter{
		cfg:   cfg,
		loop:  NewLoop(),
		gauge: gauge,
		ready: make(chan struct{}),
	}
}

// Pool is nil until construction finished, or forever if it failed.
func (s *Starter) Pool() *Pool {
	return s.pool.Load()
}

// Err is the construction error, if any.
func (s *Starter) Err() error {
	if e := s.err.Load(); e != nil {
		return *e
	}
	return nil
}

// Ready is closed once construction has finished or failed.
func (s *Starter) Ready() <-chan struct{} {
	return s.ready
}

func (s *Starter) Loop() *Loop {
	return s.loop
}

// Run constructs the pool and drives the loop until ctx is done. The pool is
// closed on this goroutine before Run returns.
func (s *Starter) Run(ctx context.Context) error {
	log := s.cfg.Log
	if log == nil {
		log = NewNopLog()
	}

	constructMu.Lock()
	pool, err := NewPool(s.loop, s.cfg)
	constructMu.Unlock()
	if err != nil {
		err = fmt.Errorf("shard %d: %w", s.cfg.Shard, err)
		s.err.Store(&err)
		close(s.ready)
		log.Error(err, "pool construction failed", zap.Int("shard", s.cfg.Shard))
		return err
	}
	s.pool.Store(pool)
	close(s.ready)

	s.gauge.Start(s.loop)
	pool.Start()
	s.loop.Run(ctx)

	s.gauge.Stop()
	pool.Close()
	return nil
}

// Stop ends Run without cancelling its context.
func (s *Starter) Stop() {
	s.loop.Stop()
}
