// Package fleet supervises the session fleet: staged activation, login
// failure recovery, spare rotation, and the pending-auth surface.
package fleet

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"

	"github.com/inspectd/inspectd/internal/account"
	"github.com/inspectd/inspectd/internal/proxypool"
	"github.com/inspectd/inspectd/internal/session"
)

// Initial activation pacing.
const (
	initialLoginChunk = 3
	initialLoginGap   = 3 * time.Second
)

// Per-reason login retry delays.
const (
	steamGuardRetryDelay = 15 * time.Second
	proxyRetryDelay      = 10 * time.Second
	rateLimitBaseDelay   = 30 * time.Second
	rateLimitMaxDelay    = 120 * time.Second
	unreadyRecheckDelay  = 5 * time.Second
)

var ErrNoPendingAuth = errors.New("no session pending auth for that username")

// Config wires a Supervisor.
type Config struct {
	Accounts      []account.Account
	MaxOnlineBots int
	// SpareAccountDelay paces spare activations.
	SpareAccountDelay time.Duration
	// MaintenanceSchedule is a cron spec for checkAndMaintainBotCount.
	MaintenanceSchedule string

	Pool    *proxypool.Pool
	Factory session.Factory

	RequestDelay  time.Duration
	RequestTTL    time.Duration
	ReloginMin    time.Duration
	ReloginJitter time.Duration

	// OnReady fires when the fleet gains its first ready session; OnUnready
	// when it loses the last one. Both optional.
	OnReady   func()
	OnUnready func()
}

// SessionStatus is a point-in-time view of one session for the status
// surface.
type SessionStatus struct {
	Username string `json:"username"`
	State    string `json:"state"`
	Ready    bool   `json:"ready"`
	Busy     bool   `json:"busy"`
	Proxy    string `json:"proxy,omitempty"`
}

// Supervisor owns the fleet. All session lifecycle events funnel through a
// single event loop goroutine; timers re-enter through the public surface.
type Supervisor struct {
	cfg    Config
	events chan session.Event

	mu            sync.Mutex
	sessions      []*session.Session
	byID          map[string]*session.Session
	byUser        map[string]*session.Session
	spareAccounts []account.Account
	spareQueue    []account.Account
	draining      bool
	fleetReady    bool

	pendingAuth *xsync.Map[string, pendingAuthEntry]
	failedUsers *xsync.Map[string, struct{}]

	cron     *cron.Cron
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Supervisor. Call Start to begin activation.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Factory == nil {
		return nil, errors.New("fleet: factory is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("fleet: proxy pool is required")
	}
	if cfg.MaxOnlineBots <= 0 || cfg.MaxOnlineBots > len(cfg.Accounts) {
		cfg.MaxOnlineBots = len(cfg.Accounts)
	}
	if cfg.SpareAccountDelay <= 0 {
		cfg.SpareAccountDelay = 5 * time.Second
	}
	if cfg.MaintenanceSchedule == "" {
		cfg.MaintenanceSchedule = "@every 30s"
	}
	s := &Supervisor{
		cfg:         cfg,
		events:      make(chan session.Event, 64),
		byID:        make(map[string]*session.Session),
		byUser:      make(map[string]*session.Session),
		pendingAuth: xsync.NewMap[string, pendingAuthEntry](),
		failedUsers: xsync.NewMap[string, struct{}](),
		cron:        cron.New(),
		stop:        make(chan struct{}),
	}
	if _, err := s.cron.AddFunc(cfg.MaintenanceSchedule, s.checkAndMaintainBotCount); err != nil {
		return nil, fmt.Errorf("fleet: maintenance schedule: %w", err)
	}
	return s, nil
}

// Start launches the event loop, the staged initial activation, and the
// maintenance schedule.
func (s *Supervisor) Start() {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.eventLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.activateInitial()
	}()
	s.cron.Start()
}

// Close stops timers, the event loop, and every session.
func (s *Supervisor) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.cron.Stop()
	s.mu.Lock()
	sessions := append([]*session.Session(nil), s.sessions...)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
	s.wg.Wait()
}

// activateInitial splits the account list at maxOnlineBots and activates the
// prefix in chunks, keeping the suffix as spares.
func (s *Supervisor) activateInitial() {
	initial := s.cfg.Accounts[:s.cfg.MaxOnlineBots]
	s.mu.Lock()
	s.spareAccounts = append([]account.Account(nil), s.cfg.Accounts[s.cfg.MaxOnlineBots:]...)
	s.mu.Unlock()

	log.Printf("[fleet] activating %d account(s) in chunks of %d, %d spare(s)",
		len(initial), initialLoginChunk, len(s.cfg.Accounts)-len(initial))

	for start := 0; start < len(initial); start += initialLoginChunk {
		end := start + initialLoginChunk
		if end > len(initial) {
			end = len(initial)
		}
		var chunk []*session.Session
		for _, acct := range initial[start:end] {
			chunk = append(chunk, s.addBot(acct))
		}
		// Distribute before login so the chunk's first connection already
		// goes through its assigned proxy.
		s.cfg.Pool.Distribute(s.Sessions())
		for _, sess := range chunk {
			sess.LogIn("")
		}
		if end < len(initial) {
			select {
			case <-time.After(initialLoginGap):
			case <-s.stop:
				return
			}
		}
	}
}

// addBot creates a session for the account and appends it to the fleet. The
// event channel is attached at construction, before any login, so
// synchronous failures are observed.
func (s *Supervisor) addBot(acct account.Account) *session.Session {
	sess := session.New(session.Config{
		Account:       acct,
		Events:        s.events,
		Factory:       s.cfg.Factory,
		RequestDelay:  s.cfg.RequestDelay,
		RequestTTL:    s.cfg.RequestTTL,
		ReloginMin:    s.cfg.ReloginMin,
		ReloginJitter: s.cfg.ReloginJitter,
	})
	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	s.byID[sess.ID()] = sess
	s.byUser[acct.Username] = sess
	s.mu.Unlock()
	return sess
}

func (s *Supervisor) eventLoop() {
	for {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-s.stop:
			return
		}
	}
}

func (s *Supervisor) handleEvent(ev session.Event) {
	sess := s.sessionByID(ev.SessionID)
	if sess == nil {
		return
	}
	switch ev.Kind {
	case session.EventReady:
		s.noteReadiness()
	case session.EventUnready:
		s.noteReadiness()
		time.AfterFunc(unreadyRecheckDelay, s.checkAndMaintainBotCount)
	case session.EventLoginSuccess:
		s.cfg.Pool.HandleLoginSuccess(sess)
		s.pendingAuth.Delete(ev.Username)
	case session.EventLoginFailed:
		s.handleLoginFailed(sess, ev)
	case session.EventAuthFailed:
		log.Printf("[fleet] account %s failed permanently: %v", ev.Username, ev.Err)
		s.failedUsers.Store(ev.Username, struct{}{})
		s.trySpareAccount()
	case session.EventGuardRequired:
		log.Printf("[fleet] account %s requires an interactive guard code", ev.Username)
		s.pendingAuth.Store(ev.Username, pendingAuthEntry{sess: sess, since: time.Now()})
	}
}

func (s *Supervisor) handleLoginFailed(sess *session.Session, ev session.Event) {
	dec := s.cfg.Pool.HandleLoginFailure(sess, ev.Reason)
	if !dec.ShouldRetry {
		log.Printf("[fleet] account %s out of login retries (reason=%s): %v", ev.Username, ev.Reason, ev.Err)
		s.failedUsers.Store(ev.Username, struct{}{})
		s.trySpareAccount()
		return
	}
	delay := retryDelay(ev.Reason, dec)
	log.Printf("[fleet] account %s login failed (reason=%s, retry %d in %s): %v",
		ev.Username, ev.Reason, dec.RetryCount, delay, ev.Err)
	time.AfterFunc(delay, func() {
		select {
		case <-s.stop:
			return
		default:
		}
		sess.LogIn("")
	})
}

// retryDelay maps a failure reason to the wait before the next login
// attempt. Rate limits back off exponentially on the retry count.
func retryDelay(reason session.FailReason, dec proxypool.RetryDecision) time.Duration {
	switch reason {
	case session.ReasonSteamGuard:
		return steamGuardRetryDelay
	case session.ReasonProxy:
		return proxyRetryDelay
	case session.ReasonRateLimit:
		n := dec.RetryCount
		if n < 1 {
			n = 1
		}
		d := rateLimitBaseDelay
		for i := 1; i < n; i++ {
			d *= 2
			if d >= rateLimitMaxDelay {
				return rateLimitMaxDelay
			}
		}
		return d
	default:
		if dec.RetryDelay > 0 {
			return dec.RetryDelay
		}
		return 5 * time.Second
	}
}

// noteReadiness flips the fleet-level ready flag on edges.
func (s *Supervisor) noteReadiness() {
	ready := s.ReadyCount() > 0
	s.mu.Lock()
	changed := ready != s.fleetReady
	s.fleetReady = ready
	s.mu.Unlock()
	if !changed {
		return
	}
	if ready {
		log.Printf("[fleet] ready")
		if s.cfg.OnReady != nil {
			s.cfg.OnReady()
		}
	} else {
		log.Printf("[fleet] unready, no session is ready")
		if s.cfg.OnUnready != nil {
			s.cfg.OnUnready()
		}
	}
}

// trySpareAccount pushes the next unused spare onto the activation queue and
// ensures a single drainer is running. It never logs in directly.
func (s *Supervisor) trySpareAccount() {
	s.mu.Lock()
	acct, ok := s.popSpareLocked()
	if !ok {
		s.mu.Unlock()
		log.Printf("[fleet] no spare accounts left")
		return
	}
	s.spareQueue = append(s.spareQueue, acct)
	startDrain := !s.draining
	if startDrain {
		s.draining = true
	}
	s.mu.Unlock()
	if startDrain {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.drainSpares()
		}()
	}
}

// popSpareLocked removes the next spare that has not failed. Caller holds mu.
func (s *Supervisor) popSpareLocked() (account.Account, bool) {
	for len(s.spareAccounts) > 0 {
		acct := s.spareAccounts[0]
		s.spareAccounts = s.spareAccounts[1:]
		if _, failed := s.failedUsers.Load(acct.Username); failed {
			continue
		}
		return acct, true
	}
	return account.Account{}, false
}

// drainSpares activates one queued spare per spareAccountDelay tick. When
// the fleet is already at target, the queue is flushed back to the spare
// list for the maintenance loop to reconsider.
func (s *Supervisor) drainSpares() {
	for {
		select {
		case <-time.After(s.cfg.SpareAccountDelay):
		case <-s.stop:
			return
		}

		s.mu.Lock()
		if len(s.spareQueue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		if s.readyCountLocked() >= s.cfg.MaxOnlineBots {
			s.spareAccounts = append(s.spareQueue, s.spareAccounts...)
			s.spareQueue = nil
			s.draining = false
			s.mu.Unlock()
			return
		}
		acct := s.spareQueue[0]
		s.spareQueue = s.spareQueue[1:]
		s.mu.Unlock()

		log.Printf("[fleet] activating spare account %s", acct.Username)
		sess := s.addBot(acct)
		s.cfg.Pool.Distribute(s.Sessions())
		sess.LogIn("")
	}
}

// checkAndMaintainBotCount tops the activation queue up to the online
// target.
func (s *Supervisor) checkAndMaintainBotCount() {
	s.mu.Lock()
	needed := s.cfg.MaxOnlineBots - s.readyCountLocked() - len(s.spareQueue)
	pushed := 0
	for needed > 0 {
		acct, ok := s.popSpareLocked()
		if !ok {
			break
		}
		s.spareQueue = append(s.spareQueue, acct)
		needed--
		pushed++
	}
	startDrain := pushed > 0 && !s.draining
	if startDrain {
		s.draining = true
	}
	s.mu.Unlock()

	if pushed > 0 {
		log.Printf("[fleet] maintenance queued %d spare(s)", pushed)
	}
	if startDrain {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.drainSpares()
		}()
	}
}

// pendingAuthEntry parks a session waiting for an operator code.
type pendingAuthEntry struct {
	sess  *session.Session
	since time.Time
}

// PendingAuth describes one parked session for the operator surface.
type PendingAuth struct {
	Username    string  `json:"username"`
	WaitSeconds float64 `json:"wait_seconds"`
}

// SubmitAuthCode hands an operator-supplied guard code to the parked
// session. The pending entry clears itself on login success.
func (s *Supervisor) SubmitAuthCode(username, code string) error {
	entry, ok := s.pendingAuth.Load(username)
	if !ok {
		return ErrNoPendingAuth
	}
	go entry.sess.LogIn(code)
	return nil
}

// PendingAuthDetails lists accounts waiting for an interactive code with
// their elapsed wait.
func (s *Supervisor) PendingAuthDetails() []PendingAuth {
	out := []PendingAuth{}
	s.pendingAuth.Range(func(username string, entry pendingAuthEntry) bool {
		out = append(out, PendingAuth{
			Username:    username,
			WaitSeconds: time.Since(entry.since).Seconds(),
		})
		return true
	})
	return out
}

// PendingAuthCount returns the number of parked sessions.
func (s *Supervisor) PendingAuthCount() int {
	return s.pendingAuth.Size()
}

func (s *Supervisor) sessionByID(id string) *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id]
}

// Sessions returns a snapshot of the fleet.
func (s *Supervisor) Sessions() []*session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*session.Session(nil), s.sessions...)
}

// AvailableSession returns any ready, non-busy session.
func (s *Supervisor) AvailableSession() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.Available() {
			return sess
		}
	}
	return nil
}

func (s *Supervisor) readyCountLocked() int {
	n := 0
	for _, sess := range s.sessions {
		if sess.Ready() {
			n++
		}
	}
	return n
}

// ReadyCount returns the number of ready sessions.
func (s *Supervisor) ReadyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyCountLocked()
}

// TotalCount returns the fleet size including sessions not yet ready.
func (s *Supervisor) TotalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// FleetStatus summarizes the fleet for the status surface.
type FleetStatus struct {
	Online       int    `json:"online"`
	Target       int    `json:"target"`
	Total        int    `json:"total"`
	Busy         int    `json:"busy"`
	Failed       int    `json:"failed"`
	Spares       int    `json:"spares"`
	QueuedSpares int    `json:"queuedSpares"`
	PendingAuth  int    `json:"pendingAuth"`
	Status       string `json:"status"`
}

// FleetStatus reports aggregate fleet health. "optimal" means at target,
// "recovering" means short of target with spares queued or pending,
// "degraded" means short with nothing in flight to fix it.
func (s *Supervisor) FleetStatus() FleetStatus {
	s.mu.Lock()
	online := s.readyCountLocked()
	busy := 0
	for _, sess := range s.sessions {
		if sess.Busy() {
			busy++
		}
	}
	total := len(s.sessions)
	spares := len(s.spareAccounts)
	queued := len(s.spareQueue)
	s.mu.Unlock()

	st := FleetStatus{
		Online:       online,
		Target:       s.cfg.MaxOnlineBots,
		Total:        total,
		Busy:         busy,
		Failed:       s.failedUsers.Size(),
		Spares:       spares,
		QueuedSpares: queued,
		PendingAuth:  s.pendingAuth.Size(),
	}
	switch {
	case online >= s.cfg.MaxOnlineBots:
		st.Status = "optimal"
	case queued > 0 || st.PendingAuth > 0 || spares > 0:
		st.Status = "recovering"
	default:
		st.Status = "degraded"
	}
	return st
}

// Status snapshots every session for the status surface.
func (s *Supervisor) Status() []SessionStatus {
	sessions := s.Sessions()
	out := make([]SessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, SessionStatus{
			Username: sess.Username(),
			State:    sess.State().String(),
			Ready:    sess.Ready(),
			Busy:     sess.Busy(),
			Proxy:    sess.ProxyURL(),
		})
	}
	return out
}
