package mqttsim

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSimulatorRunAgainstFakeBroker(t *testing.T) {
	cfg := testSimConfig()
	cfg.Active = 10
	cfg.Passive = 2
	cfg.Threads = 3
	cfg.BurstInterval = 20 * time.Millisecond
	cfg.BurstSize = 2
	cfg.StatsInterval = 20 * time.Millisecond

	sim, err := New(cfg, nil)
	require.NoError(t, err)

	d := &fakeDialer{autoConnect: true}
	sim.SetDialer(d.dial)
	var out bytes.Buffer
	sim.SetOutput(&out)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, sim.Run(ctx))

	conns := d.all()
	require.Len(t, conns, 12)
	published := 0
	for _, c := range conns {
		assert.GreaterOrEqual(t, c.connectCount(), 1)
		assert.True(t, c.isClosed(), "every session is closed on shutdown")
		published += c.publishedCount()
	}
	assert.Positive(t, published)

	assert.Equal(t, 3, sim.Threads())
	stats := sim.Collect(time.Now())
	assert.Equal(t, 12, stats.Clients)
	assert.Equal(t, 3, stats.Threads)
	assert.Equal(t, uint64(12), stats.Total.Connected)
	assert.Equal(t, uint64(published), stats.Total.Published)
	assert.Len(t, stats.Drifts, 3)

	line := out.String()
	assert.Contains(t, line, clearLine)
	assert.Contains(t, line, "Clients: 12. Threads: 3.")
	assert.True(t, strings.HasSuffix(line, "\n"), "status line is finished on exit")
}

func TestSimulatorRunWithoutOutput(t *testing.T) {
	cfg := testSimConfig()
	cfg.Active = 2
	cfg.Threads = 4
	cfg.StatsInterval = 10 * time.Millisecond

	sim, err := New(cfg, nil)
	require.NoError(t, err)
	d := &fakeDialer{autoConnect: true}
	sim.SetDialer(d.dial)
	sim.SetOutput(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, sim.Run(ctx))

	// Two clients over four threads leave two shards empty.
	assert.Equal(t, 2, sim.Threads())
	assert.Len(t, d.all(), 2)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testSimConfig()
	cfg.QoS = 7
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestSplitClients(t *testing.T) {
	assert.Equal(t, []int{4, 3, 3}, SplitClients(10, 3))
	assert.Equal(t, []int{1, 1}, SplitClients(2, 8))
	assert.Equal(t, []int{5}, SplitClients(5, 0))
	assert.Empty(t, SplitClients(0, 4))
}

func TestSplitClientsProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		total := rapid.IntRange(0, 100_000).Draw(t, "total")
		threads := rapid.IntRange(1, 256).Draw(t, "threads")

		sizes := SplitClients(total, threads)
		if len(sizes) > threads {
			t.Fatalf("%d shards for %d threads", len(sizes), threads)
		}
		sum, lo, hi := 0, total+1, 0
		for _, n := range sizes {
			if n <= 0 {
				t.Fatalf("empty shard in %v", sizes)
			}
			sum += n
			lo = min(lo, n)
			hi = max(hi, n)
		}
		if sum != total {
			t.Fatalf("sizes %v sum to %d, want %d", sizes, sum, total)
		}
		if len(sizes) > 0 && hi-lo > 1 {
			t.Fatalf("unbalanced split %v", sizes)
		}
	})
}

func TestSimulatorPlanOffsets(t *testing.T) {
	cfg := testSimConfig()
	cfg.Active = 7
	cfg.Passive = 2
	cfg.Threads = 3

	sim, err := New(cfg, nil)
	require.NoError(t, err)
	shards := sim.plan()
	require.Len(t, shards, 3)

	want := []struct{ active, passive, activeOff, passiveOff int }{
		{3, 1, 0, 0},
		{2, 1, 3, 1},
		{2, 0, 5, 2},
	}
	for i, w := range want {
		assert.Equal(t, i, shards[i].Shard)
		assert.Equal(t, w.active, shards[i].Active, "shard %d", i)
		assert.Equal(t, w.passive, shards[i].Passive, "shard %d", i)
		assert.Equal(t, w.activeOff, shards[i].ActiveOffset, "shard %d", i)
		assert.Equal(t, w.passiveOff, shards[i].PassiveOffset, "shard %d", i)
		assert.Same(t, sim.numbers, shards[i].Numbers)
	}
}

func TestCollectRates(t *testing.T) {
	cfg := testSimConfig()
	cfg.Active = 1
	cfg.Threads = 1
	sim, err := New(cfg, nil)
	require.NoError(t, err)

	d := &fakeDialer{}
	sim.SetDialer(d.dial)
	sim.build()
	st := sim.starters[0]

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = st.Run(ctx)
	}()
	<-st.Ready()
	require.NoError(t, st.Err())

	base := time.Unix(1_700_000_000, 0)
	emit := func(n int) {
		posted := make(chan struct{})
		require.True(t, st.Loop().Post(func() {
			for i := 0; i < n; i++ {
				d.all()[0].emitMessage([]byte("x"), base)
			}
			close(posted)
		}))
		<-posted
	}

	emit(4)
	first := sim.Collect(base)
	assert.Equal(t, 1, first.Clients)
	assert.Equal(t, uint64(4), first.Total.Received)
	assert.Zero(t, first.Rate, "no rate before a previous reading exists")

	emit(4)
	second := sim.Collect(base.Add(2 * time.Second))
	assert.Equal(t, uint64(8), second.Total.Received)
	assert.Equal(t, uint64(2), second.Rate.Received, "rate is per second")
	assert.Equal(t, int64(8), second.RecvMinusSent)

	cancel()
	<-done
}

func TestSimulatorStopsWhenEveryShardFails(t *testing.T) {
	cfg := testSimConfig()
	cfg.Active = 4
	cfg.Threads = 2

	sim, err := New(cfg, nil)
	require.NoError(t, err)
	sim.SetOutput(nil)
	sim.build()
	for _, st := range sim.starters {
		st.cfg.Dialer = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	err = sim.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "every shard failed")
	assert.Less(t, time.Since(start), 2*time.Second, "returns without waiting for cancellation")
	assert.NoError(t, ctx.Err())
}

func TestSimulatorKeepsRunningWhenSomeShardsFail(t *testing.T) {
	cfg := testSimConfig()
	cfg.Active = 4
	cfg.Threads = 2
	cfg.StatsInterval = 10 * time.Millisecond

	sim, err := New(cfg, nil)
	require.NoError(t, err)
	sim.SetOutput(nil)
	d := &fakeDialer{autoConnect: true}
	sim.SetDialer(d.dial)
	sim.build()
	sim.starters[0].cfg.Dialer = nil

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.NoError(t, sim.Run(ctx))

	assert.Len(t, d.all(), 2, "the healthy shard still runs")
	assert.Equal(t, 2, sim.Collect(time.Now()).Clients)
}
