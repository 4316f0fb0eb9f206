package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sagernet/sing-box/adapter"

	"github.com/inspectd/inspectd/internal/account"
	"github.com/inspectd/inspectd/internal/inspect"
	"github.com/inspectd/inspectd/internal/scanloop"
)

var (
	ErrNotReady     = errors.New("session not ready")
	ErrBusy         = errors.New("session busy")
	ErrTTLExceeded  = errors.New("ttl exceeded")
	ErrDisconnected = errors.New("session disconnected")
)

// State is the session readiness state.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateLoggedOn
	StateLicenseRequested
	StateGCConnecting
	StateReady
	StateGCDisconnected
	StateDisconnected
)

func (st State) String() string {
	switch st {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateLoggedOn:
		return "logged_on"
	case StateLicenseRequested:
		return "license_requested"
	case StateGCConnecting:
		return "gc_connecting"
	case StateReady:
		return "ready"
	case StateGCDisconnected:
		return "gc_disconnected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "invalid"
	}
}

// Config wires a Session.
type Config struct {
	Account account.Account
	// Events receives lifecycle messages; the consumer must keep draining.
	Events  chan<- Event
	Factory Factory

	RequestDelay  time.Duration
	RequestTTL    time.Duration
	ReloginMin    time.Duration
	ReloginJitter time.Duration
}

type inspectResult struct {
	item  *inspect.Item
	delay time.Duration
	err   error
}

type pendingInspect struct {
	link      inspect.Link
	issuedAt  time.Time
	ttl       *time.Timer
	delivered bool // guarded by Session.mu
	once      sync.Once
	result    chan inspectResult
}

func (p *pendingInspect) deliver(res inspectResult) {
	p.once.Do(func() { p.result <- res })
}

// Session is the runtime for one account. It owns exactly one transport at
// a time; all mutable state is guarded by mu, and at most one inspect is in
// flight (serialized by busy).
type Session struct {
	id   string
	acct account.Account

	events  chan<- Event
	factory Factory

	requestDelay  time.Duration
	requestTTL    time.Duration
	reloginMin    time.Duration
	reloginJitter time.Duration

	mu        sync.Mutex
	state     State
	busy      bool
	relogin   bool
	ownsGame  bool
	current   *pendingInspect
	transport Transport
	dialer    adapter.Outbound
	proxyURL  string
	gen       int // transport generation; stale hook callbacks are dropped

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Session and starts its periodic relogin loop.
func New(cfg Config) *Session {
	s := &Session{
		id:            uuid.NewString(),
		acct:          cfg.Account,
		events:        cfg.Events,
		factory:       cfg.Factory,
		requestDelay:  cfg.RequestDelay,
		requestTTL:    cfg.RequestTTL,
		reloginMin:    cfg.ReloginMin,
		reloginJitter: cfg.ReloginJitter,
		state:         StateNew,
		stop:          make(chan struct{}),
	}
	if s.reloginMin <= 0 {
		s.reloginMin = scanloop.DefaultMinInterval
	}
	if s.reloginJitter < 0 {
		s.reloginJitter = scanloop.DefaultJitterRange
	}
	go scanloop.Run(s.stop, s.reloginMin, s.reloginJitter, s.reloginCycle)
	return s
}

// ID returns the stable session id.
func (s *Session) ID() string { return s.id }

// Username returns the bound account's username.
func (s *Session) Username() string { return s.acct.Username }

// Account returns the bound account.
func (s *Session) Account() account.Account { return s.acct }

// State returns the current readiness state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether both transport and game-coordinator channel are up.
func (s *Session) Ready() bool {
	return s.State() == StateReady
}

// Busy reports whether an inspect is in flight or within its post-reply
// spacing delay.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Available reports ready ∧ ¬busy.
func (s *Session) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady && !s.busy
}

// ProxyURL returns the currently bound proxy URL ("" = direct).
func (s *Session) ProxyURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxyURL
}

// SetDialer binds the outbound dialer used by the next transport. Unlike
// UpdateProxy it does not tear down a live transport; it is meant for
// pre-login distribution.
func (s *Session) SetDialer(dialer adapter.Outbound, proxyURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialer = dialer
	s.proxyURL = proxyURL
}

// UpdateProxy tears down the transport and rebinds the session to a new
// outbound dialer. The next LogIn builds a fresh transport with re-attached
// hooks.
func (s *Session) UpdateProxy(dialer adapter.Outbound, proxyURL string) {
	s.mu.Lock()
	old := s.transport
	s.transport = nil
	s.gen++
	s.dialer = dialer
	s.proxyURL = proxyURL
	pending := s.takePendingLocked()
	s.state = StateDisconnected
	s.mu.Unlock()

	if old != nil {
		go old.Close()
	}
	if pending != nil {
		pending.deliver(inspectResult{err: ErrDisconnected})
	}
}

// LogIn initiates an authenticated connection. An explicit code overrides
// the account's auth secret. Failures surface as lifecycle events; hooks
// are attached before any dialing so synchronous errors are observed too.
func (s *Session) LogIn(code string) {
	s.mu.Lock()
	old := s.transport
	t := s.factory(s.dialer)
	s.transport = t
	s.gen++
	gen := s.gen
	wasRelogin := s.relogin
	s.relogin = false
	s.state = StateConnecting
	s.mu.Unlock()

	if old != nil {
		go old.Close()
	}

	if code == "" {
		code = s.acct.LoginCode(time.Now())
	}
	creds := Credentials{
		Username:  s.acct.Username,
		Password:  s.acct.Password,
		GuardCode: code,
	}
	if err := t.Connect(creds, s.makeHooks(t, gen, wasRelogin)); err != nil {
		s.handleDisconnect(gen, fmt.Errorf("connect: %w", err), 0)
	}
}

// LogOff performs an orderly logoff of the current transport.
func (s *Session) LogOff() {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t != nil {
		t.LogOff()
	}
}

// Close stops the relogin loop and tears down the transport.
func (s *Session) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.gen++
	pending := s.takePendingLocked()
	s.state = StateDisconnected
	s.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
	if pending != nil {
		pending.deliver(inspectResult{err: ErrDisconnected})
	}
}

// Inspect issues a single inspect for the link. Valid only when
// ready ∧ ¬busy. The returned delay is the remaining request spacing the
// caller must honor before this session accepts another inspect.
func (s *Session) Inspect(ctx context.Context, link inspect.Link) (*inspect.Item, time.Duration, error) {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return nil, 0, ErrNotReady
	}
	if s.busy {
		s.mu.Unlock()
		return nil, 0, ErrBusy
	}
	p := &pendingInspect{
		link:     link,
		issuedAt: time.Now(),
		result:   make(chan inspectResult, 1),
	}
	p.ttl = time.AfterFunc(s.requestTTL, func() { s.abortInspect(p, ErrTTLExceeded) })
	s.busy = true
	s.current = p
	t := s.transport
	s.mu.Unlock()

	if err := t.SendInspect(link.Owner(), link.A, link.D); err != nil {
		s.abortInspect(p, fmt.Errorf("send inspect: %w", err))
	}

	select {
	case res := <-p.result:
		return res.item, res.delay, res.err
	case <-ctx.Done():
		s.abortInspect(p, ctx.Err())
		res := <-p.result
		return res.item, res.delay, res.err
	}
}

// reloginCycle runs on the jittered relogin cadence: when a
// game-coordinator session exists, flag a relogin and cycle logoff/logon.
func (s *Session) reloginCycle() {
	s.mu.Lock()
	hasGC := s.state == StateReady || s.state == StateGCDisconnected
	if !hasGC {
		s.mu.Unlock()
		return
	}
	s.relogin = true
	t := s.transport
	s.mu.Unlock()

	if t != nil {
		t.LogOff()
	}
	s.LogIn("")
}

func (s *Session) makeHooks(t Transport, gen int, wasRelogin bool) Hooks {
	return Hooks{
		LoggedOn: func(ownsGame bool) {
			s.mu.Lock()
			if gen != s.gen {
				s.mu.Unlock()
				return
			}
			s.state = StateLoggedOn
			s.ownsGame = ownsGame
			needLicense := !ownsGame && !wasRelogin
			if needLicense {
				s.state = StateLicenseRequested
			}
			s.mu.Unlock()

			s.emit(EventLoginSuccess, nil, "")

			if needLicense {
				if err := t.RequestLicense(); err != nil {
					s.handleDisconnect(gen, fmt.Errorf("request license: %w", err), 0)
					return
				}
			}
			if err := t.PlayGame(); err != nil {
				s.handleDisconnect(gen, fmt.Errorf("play game: %w", err), 0)
				return
			}

			s.mu.Lock()
			if gen == s.gen {
				s.state = StateGCConnecting
			}
			s.mu.Unlock()
		},
		GCReady: func() {
			s.mu.Lock()
			if gen != s.gen {
				s.mu.Unlock()
				return
			}
			s.state = StateReady
			s.mu.Unlock()
			s.emit(EventReady, nil, "")
		},
		GCDisconnected: func() {
			s.mu.Lock()
			if gen != s.gen || s.state != StateReady {
				s.mu.Unlock()
				return
			}
			s.state = StateGCDisconnected
			s.mu.Unlock()
			s.emit(EventUnready, nil, "")
		},
		InspectReply: func(reply *inspect.Reply) {
			s.handleReply(gen, reply)
		},
		Disconnected: func(err error, eresult int) {
			s.handleDisconnect(gen, err, eresult)
		},
	}
}

// handleReply resolves the in-flight inspect when the reply correlates with
// it; replies with a non-matching asset id are dropped silently.
func (s *Session) handleReply(gen int, reply *inspect.Reply) {
	s.mu.Lock()
	if gen != s.gen || s.current == nil || s.current.delivered || s.current.link.A != reply.AssetID {
		s.mu.Unlock()
		return
	}
	p := s.current
	p.delivered = true
	delay := s.requestDelay - time.Since(p.issuedAt)
	if delay < 0 {
		delay = 0
	}
	s.mu.Unlock()

	p.ttl.Stop()
	p.deliver(inspectResult{item: inspect.Normalize(p.link, reply), delay: delay})

	// busy holds through the spacing delay; the request slot clears with it.
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.current == p {
			s.current = nil
			s.busy = false
		}
		s.mu.Unlock()
	})
}

// abortInspect rejects the in-flight inspect and releases busy immediately.
func (s *Session) abortInspect(p *pendingInspect, err error) {
	s.mu.Lock()
	if s.current != p || p.delivered {
		s.mu.Unlock()
		return
	}
	p.delivered = true
	s.current = nil
	s.busy = false
	s.mu.Unlock()

	p.ttl.Stop()
	p.deliver(inspectResult{err: err})
}

// takePendingLocked removes the in-flight inspect, releasing busy. Caller
// holds mu and must deliver the rejection outside the lock.
func (s *Session) takePendingLocked() *pendingInspect {
	p := s.current
	if p == nil || p.delivered {
		return nil
	}
	p.delivered = true
	s.current = nil
	s.busy = false
	p.ttl.Stop()
	return p
}

func (s *Session) handleDisconnect(gen int, err error, eresult int) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	wasReady := s.state == StateReady
	s.state = StateDisconnected
	pending := s.takePendingLocked()
	s.mu.Unlock()

	if pending != nil {
		pending.deliver(inspectResult{err: ErrDisconnected})
	}
	if wasReady {
		s.emit(EventUnready, nil, "")
	}

	reason := Classify(err, eresult)
	switch reason {
	case ReasonAuth:
		s.emit(EventAuthFailed, err, reason)
	case ReasonGuardRequired:
		s.emit(EventGuardRequired, err, reason)
	default:
		s.emit(EventLoginFailed, err, reason)
	}
}

func (s *Session) emit(kind EventKind, err error, reason FailReason) {
	ev := Event{
		SessionID: s.id,
		Username:  s.acct.Username,
		Kind:      kind,
		Err:       err,
		Reason:    reason,
	}
	select {
	case s.events <- ev:
	case <-s.stop:
	}
}
