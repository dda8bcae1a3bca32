package mqttsim

import (
	"context"
	"fmt"
	"net"
	"time"
)

const (
	resolveTimeout = 10 * time.Second

	// failureTTL is how long a failed lookup is answered from cache.
	failureTTL = time.Second
)

type resolveFailure struct {
	err   error
	until time.Time
}

// Resolver caches lookups per hostname. Each shard owns one and only touches
// its maps on the shard's loop; the lookups themselves run on their own
// goroutine and post their answer back.
type Resolver struct {
	cache    map[string][]string
	failed   map[string]resolveFailure
	inflight map[string][]func(addrs []string, err error)
	lookup   func(ctx context.Context, host string) ([]string, error)
}

func NewResolver() *Resolver {
	return &Resolver{
		cache:    make(map[string][]string),
		failed:   make(map[string]resolveFailure),
		inflight: make(map[string][]func(addrs []string, err error)),
		lookup:   net.DefaultResolver.LookupHost,
	}
}

// Resolve calls done on loop with the addresses of host. Cached answers and
// IP literals are delivered before Resolve returns. Otherwise one lookup per
// host runs off the loop and every caller waiting on it gets its answer.
// Call it on the loop goroutine.
func (r *Resolver) Resolve(loop *Loop, host string, done func(addrs []string, err error)) {
	if addrs, ok := r.cache[host]; ok {
		done(addrs, nil)
		return
	}
	if ip := net.ParseIP(host); ip != nil {
		addrs := []string{ip.String()}
		r.cache[host] = addrs
		done(addrs, nil)
		return
	}
	if f, ok := r.failed[host]; ok {
		if loop.Now().Before(f.until) {
			done(nil, f.err)
			return
		}
		delete(r.failed, host)
	}

	waiters, running := r.inflight[host]
	r.inflight[host] = append(waiters, done)
	if running {
		return
	}

	go func() {
		addrs, err := r.resolve(context.Background(), host)
		loop.Post(func() {
			r.finish(loop, host, addrs, err)
		})
	}()
}

func (r *Resolver) finish(loop *Loop, host string, addrs []string, err error) {
	waiters := r.inflight[host]
	delete(r.inflight, host)
	if err != nil {
		r.failed[host] = resolveFailure{err: err, until: loop.Now().Add(failureTTL)}
	} else {
		r.cache[host] = addrs
	}
	for _, done := range waiters {
		done(addrs, err)
	}
}

// resolve does the network lookup. It touches no resolver state. An empty
// answer is a host-not-found connection error.
func (r *Resolver) resolve(ctx context.Context, host string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return nil, &ConnectionError{Kind: ErrHostNotFound, Err: err}
	}
	if len(addrs) == 0 {
		return nil, &ConnectionError{Kind: ErrHostNotFound, Err: fmt.Errorf("no addresses for %s", host)}
	}
	return addrs, nil
}
