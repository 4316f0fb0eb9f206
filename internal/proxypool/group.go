// Package proxypool partitions sessions across outbound proxy groups and
// schedules inspect admission, proxy health, and login-retry reassignment.
package proxypool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagernet/sing-box/adapter"

	"github.com/inspectd/inspectd/internal/session"
)

// Group is one outbound proxy plus the sessions bound to it.
type Group struct {
	ID  int
	URL string // "" = direct

	outbound adapter.Outbound

	mu       sync.RWMutex
	sessions []*session.Session

	// Counters use atomics for lock-free reads on the selection hot path.
	active           atomic.Int64
	total            atomic.Int64
	lastRequest      atomic.Int64 // unix-nano of last request start; 0 = never
	failures         atomic.Int64
	loginFailures    atomic.Int64
	successfulLogins atomic.Int64
	// ratedFailures feeds the success rate; steamguard false positives are
	// counted in loginFailures but never here.
	ratedFailures atomic.Int64
}

// Outbound returns the group's dialer.
func (g *Group) Outbound() adapter.Outbound {
	return g.outbound
}

// SuccessRate is successfulLogins / (successfulLogins + charged failures),
// 0 when no login has completed either way.
func (g *Group) SuccessRate() float64 {
	succ := g.successfulLogins.Load()
	fail := g.ratedFailures.Load()
	if succ+fail == 0 {
		return 0
	}
	return float64(succ) / float64(succ+fail)
}

// CanAccept reports whether the group admits a new request start.
func (g *Group) CanAccept(maxRequests int, cooldown time.Duration, now time.Time) bool {
	if g.active.Load() >= int64(maxRequests) {
		return false
	}
	last := g.lastRequest.Load()
	return last == 0 || now.UnixNano()-last >= int64(cooldown)
}

// markSelected accounts for a request start.
func (g *Group) markSelected(now time.Time) {
	g.active.Add(1)
	g.total.Add(1)
	g.lastRequest.Store(now.UnixNano())
}

// release accounts for a request completion.
func (g *Group) release(success bool) {
	// Clamp at zero; double releases must not go negative.
	for {
		cur := g.active.Load()
		if cur <= 0 {
			break
		}
		if g.active.CompareAndSwap(cur, cur-1) {
			break
		}
	}
	if !success {
		g.failures.Add(1)
	}
}

// availableSession returns any bound session with ready ∧ ¬busy.
func (g *Group) availableSession() *session.Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, s := range g.sessions {
		if s.Available() {
			return s
		}
	}
	return nil
}

// hasAvailableSession reports whether any bound session is ready ∧ ¬busy.
func (g *Group) hasAvailableSession() bool {
	return g.availableSession() != nil
}

// BotCount returns the number of bound sessions.
func (g *Group) BotCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

func (g *Group) bind(s *session.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.sessions {
		if existing.ID() == s.ID() {
			return
		}
	}
	g.sessions = append(g.sessions, s)
}

func (g *Group) unbind(s *session.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, existing := range g.sessions {
		if existing.ID() == s.ID() {
			g.sessions = append(g.sessions[:i], g.sessions[i+1:]...)
			return
		}
	}
}

func (g *Group) clearSessions() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions = nil
}

// GroupStats is a point-in-time snapshot for the stats surface.
type GroupStats struct {
	ID               int     `json:"id"`
	URL              string  `json:"url,omitempty"`
	Bots             int     `json:"bots"`
	ActiveRequests   int64   `json:"active_requests"`
	TotalRequests    int64   `json:"total_requests"`
	Failures         int64   `json:"failures"`
	LoginFailures    int64   `json:"login_failures"`
	SuccessfulLogins int64   `json:"successful_logins"`
	SuccessRate      float64 `json:"success_rate"`
	Failed           bool    `json:"failed"`
}

func (g *Group) stats(failed bool) GroupStats {
	return GroupStats{
		ID:               g.ID,
		URL:              g.URL,
		Bots:             g.BotCount(),
		ActiveRequests:   g.active.Load(),
		TotalRequests:    g.total.Load(),
		Failures:         g.failures.Load(),
		LoginFailures:    g.loginFailures.Load(),
		SuccessfulLogins: g.successfulLogins.Load(),
		SuccessRate:      g.SuccessRate(),
		Failed:           failed,
	}
}
