package proxypool

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/inspectd/inspectd/internal/outbound"
	"github.com/inspectd/inspectd/internal/session"
)

// Selection strategies.
const (
	StrategyLeastLoaded = "least_loaded"
	StrategyRoundRobin  = "round_robin"
)

// Pool health thresholds for marking a group failed.
const (
	failedLoginFailureMin  = 5
	failedSuccessRateLimit = 0.3
)

// steamguardRetryDelay is forced on steamguard reassignments regardless of
// the configured retry delay.
const steamguardRetryDelay = 10 * time.Second

var ErrNoSessionsAvailable = errors.New("no sessions available")

// RetryPolicy controls login-failure reassignment.
type RetryPolicy struct {
	Enabled       bool
	MaxRetries    int
	ExcludeFailed bool
	Delay         time.Duration
}

// Config wires a Pool.
type Config struct {
	MaxRequestsPerProxy int
	RequestCooldown     time.Duration
	Strategy            string
	Retry               RetryPolicy
}

// Pool owns the proxy groups and the session-to-group binding. Sessions hold
// no back-reference; the binding lives in sessionGroup so a group can be
// swapped under a session atomically.
type Pool struct {
	cfg    Config
	groups []*Group

	sessionGroup *xsync.Map[string, int] // session id -> group id
	retryCounts  *xsync.Map[string, int] // session id -> consecutive login retries
	failed       *xsync.Map[int, struct{}]

	cursor atomic.Int64 // round_robin position
}

// New creates a Pool over the given groups.
func New(cfg Config, groups []*Group) *Pool {
	if cfg.MaxRequestsPerProxy <= 0 {
		cfg.MaxRequestsPerProxy = 1
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyLeastLoaded
	}
	return &Pool{
		cfg:          cfg,
		groups:       groups,
		sessionGroup: xsync.NewMap[string, int](),
		retryCounts:  xsync.NewMap[string, int](),
		failed:       xsync.NewMap[int, struct{}](),
	}
}

// LoadGroups reads one proxy URL per line from path and builds an outbound
// dialer per group. Blank lines and #-comments are skipped. A missing or
// empty file yields a single direct group.
func LoadGroups(path string, b outbound.Builder) ([]*Group, error) {
	var urls []string
	if path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			sc := bufio.NewScanner(f)
			for sc.Scan() {
				line := strings.TrimSpace(sc.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				urls = append(urls, line)
			}
			scanErr := sc.Err()
			f.Close()
			if scanErr != nil {
				return nil, fmt.Errorf("read proxies file: %w", scanErr)
			}
		case os.IsNotExist(err):
			log.Printf("[proxypool] proxies file %s not found, using direct connection", path)
		default:
			return nil, fmt.Errorf("open proxies file: %w", err)
		}
	}
	if len(urls) == 0 {
		urls = []string{""}
	}

	groups := make([]*Group, 0, len(urls))
	for i, u := range urls {
		ob, err := outbound.BuildProxyOutbound(b, fmt.Sprintf("proxy-%d", i), u)
		if err != nil {
			return nil, fmt.Errorf("proxy %d (%s): %w", i, u, err)
		}
		groups = append(groups, &Group{ID: i, URL: u, outbound: ob})
	}
	log.Printf("[proxypool] loaded %d proxy group(s)", len(groups))
	return groups, nil
}

// Distribute spreads sessions across groups in contiguous chunks of
// ceil(len(sessions)/len(groups)), binding each session's dialer for its
// next login. A live session keeps its current transport until it relogs.
func (p *Pool) Distribute(sessions []*session.Session) {
	for _, g := range p.groups {
		g.clearSessions()
	}
	p.sessionGroup.Clear()
	if len(sessions) == 0 || len(p.groups) == 0 {
		return
	}

	perGroup := (len(sessions) + len(p.groups) - 1) / len(p.groups)
	for i, s := range sessions {
		g := p.groups[i/perGroup]
		g.bind(s)
		p.sessionGroup.Store(s.ID(), g.ID)
		s.SetDialer(g.outbound, g.URL)
	}
	log.Printf("[proxypool] distributed %d session(s) across %d group(s), %d per group",
		len(sessions), len(p.groups), perGroup)
}

// Groups returns the group list.
func (p *Pool) Groups() []*Group { return p.groups }

// GroupFor returns the group a session is bound to.
func (p *Pool) GroupFor(s *session.Session) (*Group, bool) {
	gid, ok := p.sessionGroup.Load(s.ID())
	if !ok || gid < 0 || gid >= len(p.groups) {
		return nil, false
	}
	return p.groups[gid], true
}

// isFailed reports whether the group has been marked failed.
func (p *Pool) isFailed(g *Group) bool {
	_, ok := p.failed.Load(g.ID)
	return ok
}

// SelectSession picks an admissible group with an available session and
// charges it with a request start. The caller must pair every successful
// selection with a Release.
func (p *Pool) SelectSession() (*session.Session, *Group, error) {
	now := time.Now()
	switch p.cfg.Strategy {
	case StrategyRoundRobin:
		return p.selectRoundRobin(now)
	default:
		return p.selectLeastLoaded(now)
	}
}

func (p *Pool) selectLeastLoaded(now time.Time) (*session.Session, *Group, error) {
	var best *Group
	var bestLoad float64
	for _, g := range p.groups {
		if !g.CanAccept(p.cfg.MaxRequestsPerProxy, p.cfg.RequestCooldown, now) {
			continue
		}
		if !g.hasAvailableSession() {
			continue
		}
		bots := g.BotCount()
		if bots == 0 {
			bots = 1
		}
		load := float64(g.active.Load()) / float64(bots)
		if best == nil || load < bestLoad {
			best, bestLoad = g, load
		}
	}
	return p.commitSelection(best, now)
}

func (p *Pool) selectRoundRobin(now time.Time) (*session.Session, *Group, error) {
	n := len(p.groups)
	if n == 0 {
		return nil, nil, ErrNoSessionsAvailable
	}
	start := int(p.cursor.Load()) % n
	for i := 0; i < n; i++ {
		g := p.groups[(start+i)%n]
		if !g.CanAccept(p.cfg.MaxRequestsPerProxy, p.cfg.RequestCooldown, now) {
			continue
		}
		if !g.hasAvailableSession() {
			continue
		}
		p.cursor.Store(int64((start + i + 1) % n))
		return p.commitSelection(g, now)
	}
	return nil, nil, ErrNoSessionsAvailable
}

func (p *Pool) commitSelection(g *Group, now time.Time) (*session.Session, *Group, error) {
	if g == nil {
		return nil, nil, ErrNoSessionsAvailable
	}
	s := g.availableSession()
	if s == nil {
		// Raced away between the scan and the pick.
		return nil, nil, ErrNoSessionsAvailable
	}
	g.markSelected(now)
	return s, g, nil
}

// Release returns a request slot to the group and records the outcome.
func (p *Pool) Release(g *Group, success bool) {
	if g == nil {
		return
	}
	g.release(success)
}

// CanAcceptMoreRequests reports whether any group currently admits a
// request start. It deliberately ignores session availability; the queue
// uses it as a cheap backpressure gate.
func (p *Pool) CanAcceptMoreRequests() bool {
	now := time.Now()
	for _, g := range p.groups {
		if g.CanAccept(p.cfg.MaxRequestsPerProxy, p.cfg.RequestCooldown, now) {
			return true
		}
	}
	return false
}

// MaxConcurrency is the pool-wide request ceiling: per-proxy limit times the
// number of groups not marked failed.
func (p *Pool) MaxConcurrency() int {
	healthy := 0
	for _, g := range p.groups {
		if !p.isFailed(g) {
			healthy++
		}
	}
	return healthy * p.cfg.MaxRequestsPerProxy
}

// RetryDecision is the outcome of a login-failure consultation.
type RetryDecision struct {
	ShouldRetry bool
	// NewGroup is non-nil when the session was reassigned to a different
	// group; the supervisor re-issues the login after RetryDelay.
	NewGroup   *Group
	RetryDelay time.Duration
	RetryCount int
}

// HandleLoginFailure records a login failure against the session's group and
// decides whether and where to retry. Steamguard failures are counted but
// never charged against the group's success rate, and force a fixed delay.
func (p *Pool) HandleLoginFailure(s *session.Session, reason session.FailReason) RetryDecision {
	g, ok := p.GroupFor(s)
	if ok {
		g.loginFailures.Add(1)
		if reason != session.ReasonSteamGuard {
			g.ratedFailures.Add(1)
			p.maybeMarkFailed(g)
		}
	}

	if !p.cfg.Retry.Enabled {
		return RetryDecision{}
	}

	var count int
	p.retryCounts.Compute(s.ID(), func(old int, _ bool) (int, xsync.ComputeOp) {
		count = old + 1
		return count, xsync.UpdateOp
	})
	if count > p.cfg.Retry.MaxRetries {
		// The count stays on record until HandleLoginSuccess clears it, so
		// further failures keep reporting no-retry.
		if count == p.cfg.Retry.MaxRetries+1 {
			log.Printf("[proxypool] session %s exhausted %d login retries", s.Username(), p.cfg.Retry.MaxRetries)
		}
		return RetryDecision{RetryCount: count}
	}

	delay := p.cfg.Retry.Delay
	if reason == session.ReasonSteamGuard {
		delay = steamguardRetryDelay
	}

	dec := RetryDecision{ShouldRetry: true, RetryDelay: delay, RetryCount: count}
	next := p.pickReassignmentGroup(g)
	if next != nil && (g == nil || next.ID != g.ID) {
		if g != nil {
			g.unbind(s)
		}
		next.bind(s)
		p.sessionGroup.Store(s.ID(), next.ID)
		s.UpdateProxy(next.outbound, next.URL)
		dec.NewGroup = next
		log.Printf("[proxypool] session %s reassigned group %v -> %d (reason=%s, retry %d/%d)",
			s.Username(), groupIDOrNone(g), next.ID, reason, count, p.cfg.Retry.MaxRetries)
	}
	return dec
}

// HandleLoginSuccess credits the session's group and clears its retry count.
func (p *Pool) HandleLoginSuccess(s *session.Session) {
	if g, ok := p.GroupFor(s); ok {
		g.successfulLogins.Add(1)
	}
	p.retryCounts.Delete(s.ID())
}

// pickReassignmentGroup picks the best alternative group: highest success
// rate first (bucketed by 0.1 so near-equal rates tie), fewest bound
// sessions second. exclude is skipped, as are failed groups when the policy
// says so and groups already at the per-proxy session packing limit.
func (p *Pool) pickReassignmentGroup(exclude *Group) *Group {
	var candidates []*Group
	for _, g := range p.groups {
		if exclude != nil && g.ID == exclude.ID {
			continue
		}
		if p.cfg.Retry.ExcludeFailed && p.isFailed(g) {
			continue
		}
		if g.BotCount() >= p.cfg.MaxRequestsPerProxy {
			continue
		}
		candidates = append(candidates, g)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ri := int(candidates[i].SuccessRate() * 10)
		rj := int(candidates[j].SuccessRate() * 10)
		if ri != rj {
			return ri > rj
		}
		return candidates[i].BotCount() < candidates[j].BotCount()
	})
	return candidates[0]
}

// maybeMarkFailed applies the group health rule: more than
// failedLoginFailureMin charged failures and a success rate below
// failedSuccessRateLimit.
func (p *Pool) maybeMarkFailed(g *Group) {
	if g.ratedFailures.Load() > failedLoginFailureMin && g.SuccessRate() < failedSuccessRateLimit {
		if _, loaded := p.failed.LoadOrStore(g.ID, struct{}{}); !loaded {
			log.Printf("[proxypool] group %d marked failed (failures=%d rate=%.2f)",
				g.ID, g.ratedFailures.Load(), g.SuccessRate())
		}
	}
}

// Stats snapshots every group for the stats surface.
func (p *Pool) Stats() []GroupStats {
	out := make([]GroupStats, 0, len(p.groups))
	for _, g := range p.groups {
		out = append(out, g.stats(p.isFailed(g)))
	}
	return out
}

func groupIDOrNone(g *Group) any {
	if g == nil {
		return "none"
	}
	return g.ID
}
