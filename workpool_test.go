package mqttsim

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardRunnerHostsEveryTask(t *testing.T) {
	r, err := NewShardRunner(3)
	require.NoError(t, err)
	defer r.Stop()

	var ran atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Submit(func() {
			<-release
			ran.Add(1)
		}))
	}

	assert.Eventually(t, func() bool { return r.Running() == 3 }, time.Second, 5*time.Millisecond)
	close(release)
	r.Wait()
	assert.Equal(t, int32(3), ran.Load())
}

func TestShardRunnerMinimumSize(t *testing.T) {
	r, err := NewShardRunner(0)
	require.NoError(t, err)

	done := make(chan struct{})
	require.NoError(t, r.Submit(func() { close(done) }))
	<-done
	r.Stop()
}
