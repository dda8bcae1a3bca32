package mqttsim

import (
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// ShardRunner hosts shard loops. Each submitted task keeps one worker and is
// pinned to an OS thread for as long as it runs.
type ShardRunner struct {
	pool *ants.Pool
	wg   sync.WaitGroup
}

func NewShardRunner(size int) (*ShardRunner, error) {
	if size < 1 {
		size = 1
	}
	pool, err := ants.NewPool(size, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}
	return &ShardRunner{pool: pool}, nil
}

func (r *ShardRunner) Submit(task func()) error {
	r.wg.Add(1)
	err := r.pool.Submit(func() {
		defer r.wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		task()
	})
	if err != nil {
		r.wg.Done()
	}
	return err
}

// Running is the number of shard loops currently hosted.
func (r *ShardRunner) Running() int {
	return r.pool.Running()
}

func (r *ShardRunner) Wait() {
	r.wg.Wait()
}

func (r *ShardRunner) Stop() {
	r.Wait()
	r.pool.Release()
}
