// Package llmabuse implements the backpressure gate in front of every LLM
// submission: a global inflight cap, per-user and per-group caps, and a
// per-user minimum submission interval. Guards release their counters
// via defer; per-key state lives in sync.Maps of atomics.
package llmabuse

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Config mirrors LlmAbuseConfig::from_state's defaults and clamp ranges.
type Config struct {
	Enabled               bool
	MaxConcurrentGlobal   int
	MaxConcurrentPerUser  int
	MaxConcurrentPerGroup int
	MinIntervalPerUser    time.Duration
}

// DefaultConfig returns the gate's stock limits.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		MaxConcurrentGlobal:   2,
		MaxConcurrentPerUser:  1,
		MaxConcurrentPerGroup: 1,
		MinIntervalPerUser:    10 * time.Second,
	}
}

// Clamp bounds the configured limits: global [1,64], per-user
// [1,16], per-group [1,16], min-interval-seconds [0,3600].
func (c Config) Clamp() Config {
	c.MaxConcurrentGlobal = clampInt(c.MaxConcurrentGlobal, 1, 64)
	c.MaxConcurrentPerUser = clampInt(c.MaxConcurrentPerUser, 1, 16)
	c.MaxConcurrentPerGroup = clampInt(c.MaxConcurrentPerGroup, 1, 16)
	if c.MinIntervalPerUser < 0 {
		c.MinIntervalPerUser = 0
	}
	if c.MinIntervalPerUser > 3600*time.Second {
		c.MinIntervalPerUser = 3600 * time.Second
	}
	return c
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Gate enforces Config's limits across every LLM submission in the process.
type Gate struct {
	cfg Config

	globalInflight int64

	perUser  sync.Map // userID -> *int64
	perGroup sync.Map // groupID -> *int64

	// perUserLimiter enforces MinIntervalPerUser via a one-token bucket
	// refilling every interval, one limiter per userID.
	perUserLimiter sync.Map // userID -> *rate.Limiter
}

// New creates a Gate enforcing cfg (already clamped).
func New(cfg Config) *Gate {
	return &Gate{cfg: cfg}
}

// Guard is returned by Acquire; callers must call Release exactly once,
// typically via defer, once the task completes.
type Guard struct {
	gate    *Gate
	userID  string
	groupID string
}

// Release decrements every counter this guard incremented. Safe to call
// from a deferred statement.
func (g *Guard) Release() {
	atomic.AddInt64(&g.gate.globalInflight, -1)
	if g.userID != "" {
		if v, ok := g.gate.perUser.Load(g.userID); ok {
			atomic.AddInt64(v.(*int64), -1)
		}
	}
	if g.groupID != "" {
		if v, ok := g.gate.perGroup.Load(g.groupID); ok {
			atomic.AddInt64(v.(*int64), -1)
		}
	}
}

// Acquire attempts to admit one LLM task for (userID, groupID). On reject
// it returns ok=false and no counter is incremented; on
// admit, the caller must Release the returned Guard when the task ends.
func (g *Gate) Acquire(userID, groupID string) (*Guard, bool) {
	if !g.cfg.Enabled {
		return &Guard{gate: g}, true
	}

	if !g.checkMinInterval(userID) {
		return nil, false
	}

	if !incrementIfUnder(&g.globalInflight, int64(g.cfg.MaxConcurrentGlobal)) {
		return nil, false
	}

	userCounter := g.counterFor(&g.perUser, userID)
	if userID != "" && !incrementIfUnder(userCounter, int64(g.cfg.MaxConcurrentPerUser)) {
		atomic.AddInt64(&g.globalInflight, -1)
		return nil, false
	}

	groupCounter := g.counterFor(&g.perGroup, groupID)
	if groupID != "" && !incrementIfUnder(groupCounter, int64(g.cfg.MaxConcurrentPerGroup)) {
		atomic.AddInt64(&g.globalInflight, -1)
		if userID != "" {
			atomic.AddInt64(userCounter, -1)
		}
		return nil, false
	}

	return &Guard{gate: g, userID: userID, groupID: groupID}, true
}

func (g *Gate) counterFor(m *sync.Map, key string) *int64 {
	if key == "" {
		var zero int64
		return &zero
	}
	v, _ := m.LoadOrStore(key, new(int64))
	return v.(*int64)
}

// incrementIfUnder performs an atomic compare-and-increment: it only
// bumps counter if doing so keeps it at or under limit.
func incrementIfUnder(counter *int64, limit int64) bool {
	for {
		cur := atomic.LoadInt64(counter)
		if cur >= limit {
			return false
		}
		if atomic.CompareAndSwapInt64(counter, cur, cur+1) {
			return true
		}
	}
}

// checkMinInterval enforces MinIntervalPerUser via a per-user token-bucket
// limiter (one token, refilling every MinIntervalPerUser) rather than
// tracking raw timestamps, so the same limiter also bounds burst admission
// if the interval is later tightened at runtime.
func (g *Gate) checkMinInterval(userID string) bool {
	if userID == "" || g.cfg.MinIntervalPerUser <= 0 {
		return true
	}
	return g.limiterFor(userID).Allow()
}

func (g *Gate) limiterFor(userID string) *rate.Limiter {
	v, _ := g.perUserLimiter.LoadOrStore(userID, rate.NewLimiter(rate.Every(g.cfg.MinIntervalPerUser), 1))
	return v.(*rate.Limiter)
}
