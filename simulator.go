package mqttsim

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Stats is one reporting cycle.
type Stats struct {
	Clients int
	Threads int

	Total Counters
	Rate  Counters

	// RecvMinusSent is diagnostic only; it goes negative on loss and positive
	// when subscriptions fan out.
	RecvMinusSent int64

	DriftAvg time.Duration
	DriftMax time.Duration
	Drifts   []time.Duration

	Latency LatencyValues
}

// Simulator splits the population into shards, runs one loop per shard and
// reports on all of them.
type Simulator struct {
	cfg     SimulatorConfig
	log     *Log
	tls     *tls.Config
	numbers *ClientNumberPool
	dialer  Dialer
	out     io.Writer

	starters []*Starter
	gauges   []*DriftGauge

	mu     sync.Mutex
	prev   Counters
	prevAt time.Time
}

// New validates cfg and loads TLS material. No connection is made until Run.
func New(cfg SimulatorConfig, log *Log) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tlsConfig, err := cfg.LoadTLS()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = NewNopLog()
	}
	return &Simulator{
		cfg:     cfg,
		log:     log,
		tls:     tlsConfig,
		numbers: NewClientNumberPool(cfg.Modulo),
		out:     os.Stdout,
	}, nil
}

// SetDialer replaces the MQTT transport for every shard.
func (s *Simulator) SetDialer(d Dialer) {
	s.dialer = d
}

// SetOutput sets where the status line goes. Nil disables it.
func (s *Simulator) SetOutput(w io.Writer) {
	s.out = w
}

// Threads is the number of shards that will run, or are running.
func (s *Simulator) Threads() int {
	if s.starters != nil {
		return len(s.starters)
	}
	return len(s.plan())
}

func (s *Simulator) threadCount() int {
	if s.cfg.Threads > 0 {
		return s.cfg.Threads
	}
	return runtime.GOMAXPROCS(0)
}

// plan assigns the active and passive populations to shards. Shards left
// with nobody are dropped.
func (s *Simulator) plan() []PoolConfig {
	t := s.threadCount()
	active := splitEven(s.cfg.Active, t)
	passive := splitEven(s.cfg.Passive, t)

	var shards []PoolConfig
	activeOffset, passiveOffset := 0, 0
	for i := 0; i < t; i++ {
		if active[i]+passive[i] == 0 {
			continue
		}
		shards = append(shards, PoolConfig{
			Sim:           s.cfg,
			TLS:           s.tls,
			Shard:         len(shards),
			Active:        active[i],
			Passive:       passive[i],
			ActiveOffset:  activeOffset,
			PassiveOffset: passiveOffset,
			Numbers:       s.numbers,
			Log:           s.log,
		})
		activeOffset += active[i]
		passiveOffset += passive[i]
	}
	return shards
}

// SplitClients divides total over at most t shards. Sizes differ by at most
// one and sum to total; no shard is empty.
func SplitClients(total, t int) []int {
	var out []int
	for _, n := range splitEven(total, t) {
		if n > 0 {
			out = append(out, n)
		}
	}
	return out
}

// splitEven returns exactly t sizes; the first total%t get one extra.
func splitEven(total, t int) []int {
	if t < 1 {
		t = 1
	}
	out := make([]int, t)
	if total <= 0 {
		return out
	}
	base, extra := total/t, total%t
	for i := range out {
		out[i] = base
		if i < extra {
			out[i]++
		}
	}
	return out
}

func (s *Simulator) build() {
	shards := s.plan()
	s.starters = make([]*Starter, len(shards))
	s.gauges = make([]*DriftGauge, len(shards))
	for i, pc := range shards {
		if s.dialer != nil {
			pc.Dialer = s.dialer
		} else {
			pc.Dialer = NewMQTTDialer(NewResolver(), s.log)
		}
		s.gauges[i] = NewDriftGauge(s.cfg.Heartbeat)
		s.starters[i] = NewStarter(pc, s.gauges[i])
	}
}

// Run starts every shard and reports until ctx is done, then disconnects all
// sessions and waits for the shards to finish. It returns early with an error
// when no shard could build its pool. A Simulator runs once.
func (s *Simulator) Run(ctx context.Context) error {
	if err := RaiseFileLimit(fileLimit); err != nil {
		s.log.Warn("raising the open file limit failed", zap.Error(err))
	}

	if s.starters == nil {
		s.build()
	}
	runner, err := NewShardRunner(len(s.starters))
	if err != nil {
		return fmt.Errorf("shard runner: %w", err)
	}
	defer runner.Stop()

	s.log.App("simulator starting",
		zap.Int("active", s.cfg.Active),
		zap.Int("passive", s.cfg.Passive),
		zap.Int("threads", len(s.starters)),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	for i, st := range s.starters {
		st := st
		if err := runner.Submit(func() { _ = st.Run(gctx) }); err != nil {
			cancel()
			return fmt.Errorf("start shard %d: %w", i, err)
		}
	}

	// Stop early when no shard could build its pool.
	g.Go(func() error {
		var errs []error
		for _, st := range s.starters {
			select {
			case <-st.Ready():
			case <-gctx.Done():
				return nil
			}
			if err := st.Err(); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 && len(errs) == len(s.starters) {
			return fmt.Errorf("every shard failed: %w", multierr.Combine(errs...))
		}
		return nil
	})

	metrics := NewMetrics()
	reporter := NewReporter(s.out)

	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.StatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				reporter.Finish()
				return nil
			case now := <-ticker.C:
				stats := s.Collect(now)
				metrics.Observe(stats)
				reporter.Render(stats)
			}
		}
	})

	if s.cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: s.cfg.MetricsAddr, Handler: metrics.Handler()}
		g.Go(func() error {
			s.log.App("serving metrics", zap.String("addr", s.cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		for _, st := range s.starters {
			st.Stop()
		}
		runner.Wait()
		return nil
	})

	err = g.Wait()
	s.log.App("simulator stopped")
	return err
}

// Collect sums every shard, computes rates against the previous call and
// summarizes drift and latency. The first call reports zero rates.
func (s *Simulator) Collect(now time.Time) Stats {
	st := Stats{Threads: len(s.starters)}
	var latencies []LatencyValues

	for _, starter := range s.starters {
		pool := starter.Pool()
		if pool == nil {
			continue
		}
		st.Clients += pool.Size()
		st.Total.Add(pool.TotalCounters())
		latencies = append(latencies, pool.AllLatencies()...)
	}
	st.Latency = MergeLatencies(latencies)
	st.RecvMinusSent = int64(st.Total.Received) - int64(st.Total.Published)

	var sum time.Duration
	st.Drifts = make([]time.Duration, len(s.gauges))
	for i, g := range s.gauges {
		d := g.Drift()
		st.Drifts[i] = d
		sum += d
		if d > st.DriftMax {
			st.DriftMax = d
		}
	}
	if len(s.gauges) > 0 {
		st.DriftAvg = sum / time.Duration(len(s.gauges))
	}

	s.mu.Lock()
	// The first cycle has no previous reading to rate against.
	if !s.prevAt.IsZero() {
		st.Rate = st.Total.Sub(s.prev)
		st.Rate.NormalizeToPerSecond(now.Sub(s.prevAt))
	}
	s.prev = st.Total
	s.prevAt = now
	s.mu.Unlock()

	return st
}
