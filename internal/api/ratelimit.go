package api

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/moltstreet/market-engine/internal/metrics"
)

// AgentLimiter keeps one token bucket per agent.
type AgentLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewAgentLimiter(perSecond float64, burst int) *AgentLimiter {
	return &AgentLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether agentID may place another order now.
func (l *AgentLimiter) Allow(agentID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[agentID]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[agentID] = lim
	}
	l.mu.Unlock()

	if !lim.Allow() {
		metrics.RateLimited.Inc()
		return false
	}
	return true
}
