package transport

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueueRunsCallbacksOneAtATime(t *testing.T) {
	var (
		q      EventQueue
		active atomic.Int32
		ran    atomic.Int32
		wg     sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				q.Post(func() {
					assert.Equal(t, int32(1), active.Add(1))
					ran.Add(1)
					active.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	// A post that finds the queue busy returns before its callback runs.
	require.Eventually(t, func() bool { return ran.Load() == 400 }, time.Second, 5*time.Millisecond)
}

func TestEventQueueQueuesNestedPosts(t *testing.T) {
	var (
		q     EventQueue
		order []string
	)
	q.Post(func() {
		order = append(order, "outer start")
		q.Post(func() { order = append(order, "nested") })
		order = append(order, "outer end")
	})
	require.Equal(t, []string{"outer start", "outer end", "nested"}, order)
}
