package llmabuse

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConcurrentSubmissionsPerUserRejectsSecond(t *testing.T) {
	cfg := DefaultConfig().Clamp()
	cfg.MinIntervalPerUser = 0
	g := New(cfg)

	var wg sync.WaitGroup
	results := make(chan bool, 2)
	wg.Add(2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			<-start
			_, ok := g.Acquire("user1", "group1")
			results <- ok
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	accepted := 0
	for ok := range results {
		if ok {
			accepted++
		}
	}
	require.Equal(t, 1, accepted)
}

func TestReleaseFreesSlotForNextAcquire(t *testing.T) {
	cfg := DefaultConfig().Clamp()
	cfg.MinIntervalPerUser = 0
	g := New(cfg)

	guard, ok := g.Acquire("user1", "")
	require.True(t, ok)

	_, ok = g.Acquire("user1", "")
	require.False(t, ok)

	guard.Release()

	_, ok = g.Acquire("user1", "")
	require.True(t, ok)
}

func TestMinIntervalRejectsRapidResubmission(t *testing.T) {
	cfg := DefaultConfig().Clamp()
	cfg.MinIntervalPerUser = 50 * time.Millisecond
	g := New(cfg)

	guard, ok := g.Acquire("user1", "")
	require.True(t, ok)
	guard.Release()

	_, ok = g.Acquire("user1", "")
	require.False(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = g.Acquire("user1", "")
	require.True(t, ok)
}

func TestClampBoundsConfig(t *testing.T) {
	cfg := Config{MaxConcurrentGlobal: 1000, MaxConcurrentPerUser: 0, MaxConcurrentPerGroup: -5, MinIntervalPerUser: -time.Second}.Clamp()
	require.Equal(t, 64, cfg.MaxConcurrentGlobal)
	require.Equal(t, 1, cfg.MaxConcurrentPerUser)
	require.Equal(t, 1, cfg.MaxConcurrentPerGroup)
	require.Equal(t, time.Duration(0), cfg.MinIntervalPerUser)
}
