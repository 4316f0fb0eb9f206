package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inspectd/inspectd/internal/account"
	"github.com/inspectd/inspectd/internal/inspect"
	"github.com/inspectd/inspectd/internal/session"
	"github.com/inspectd/inspectd/internal/testutil"
)

func newTestSession(t *testing.T, mod func(*session.Config)) (*session.Session, *testutil.FakeFactory, chan session.Event) {
	t.Helper()
	events := make(chan session.Event, 32)
	factory := &testutil.FakeFactory{}
	cfg := session.Config{
		Account:      account.Account{Username: "bot1", Password: "pw"},
		Events:       events,
		Factory:      factory.New,
		RequestDelay: 40 * time.Millisecond,
		RequestTTL:   time.Second,
		ReloginMin:   time.Hour,
	}
	if mod != nil {
		mod(&cfg)
	}
	s := session.New(cfg)
	t.Cleanup(s.Close)
	return s, factory, events
}

func waitEvent(t *testing.T, events <-chan session.Event, kind session.EventKind) session.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", what)
}

func TestSessionBecomesReady(t *testing.T) {
	s, factory, events := newTestSession(t, nil)

	tp := testutil.LogInReady(s, factory)
	waitEvent(t, events, session.EventLoginSuccess)
	waitEvent(t, events, session.EventReady)

	if !s.Ready() || !s.Available() {
		t.Errorf("state = %s, want ready and available", s.State())
	}
	if tp.LicenseCalls() != 0 {
		t.Errorf("license requested for an owned game")
	}
	if tp.PlayCalls() != 1 {
		t.Errorf("PlayGame calls = %d, want 1", tp.PlayCalls())
	}
}

func TestSessionRequestsLicenseWhenUnowned(t *testing.T) {
	s, factory, events := newTestSession(t, nil)

	s.LogIn("")
	tp := factory.Last()
	tp.FireLoggedOn(false)
	waitEvent(t, events, session.EventLoginSuccess)

	if tp.LicenseCalls() != 1 {
		t.Errorf("license calls = %d, want 1", tp.LicenseCalls())
	}
}

func TestSessionPassesGuardCode(t *testing.T) {
	s, factory, _ := newTestSession(t, func(cfg *session.Config) {
		cfg.Account = account.Account{Username: "bot1", Password: "pw", AuthSecret: "XYZZY"}
	})

	s.LogIn("")
	if got := factory.Last().Creds().GuardCode; got != "XYZZY" {
		t.Errorf("guard code = %q, want the static secret", got)
	}

	s.LogIn("OVERRIDE")
	if got := factory.Last().Creds().GuardCode; got != "OVERRIDE" {
		t.Errorf("guard code = %q, want the explicit override", got)
	}
}

func TestInspectSerializedAndPaced(t *testing.T) {
	s, factory, events := newTestSession(t, func(cfg *session.Config) {
		cfg.RequestDelay = 200 * time.Millisecond
	})
	tp := testutil.LogInReady(s, factory)
	waitEvent(t, events, session.EventReady)

	link := inspect.Link{S: 1, A: 42, D: 3}
	type outcome struct {
		item *inspect.Item
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		item, _, err := s.Inspect(context.Background(), link)
		done <- outcome{item, err}
	}()

	eventually(t, "session busy", s.Busy)

	// A second inspect while one is in flight is rejected.
	if _, _, err := s.Inspect(context.Background(), inspect.Link{S: 1, A: 43, D: 3}); !errors.Is(err, session.ErrBusy) {
		t.Errorf("concurrent inspect err = %v, want ErrBusy", err)
	}

	tp.FireReply(&inspect.Reply{AssetID: 42, Paintwear: 0.25})
	res := <-done
	if res.err != nil {
		t.Fatalf("inspect: %v", res.err)
	}
	if res.item.FloatValue != 0.25 || res.item.A != "42" {
		t.Errorf("unexpected item: %+v", res.item)
	}

	// busy holds through the pacing delay, then clears.
	if !s.Busy() {
		t.Error("busy cleared before the pacing delay")
	}
	eventually(t, "busy clears after pacing delay", func() bool { return !s.Busy() })
}

func TestInspectTTLReleasesBusyImmediately(t *testing.T) {
	s, factory, events := newTestSession(t, func(cfg *session.Config) {
		cfg.RequestTTL = 30 * time.Millisecond
	})
	testutil.LogInReady(s, factory)
	waitEvent(t, events, session.EventReady)

	_, _, err := s.Inspect(context.Background(), inspect.Link{S: 1, A: 7, D: 1})
	if !errors.Is(err, session.ErrTTLExceeded) {
		t.Fatalf("err = %v, want ErrTTLExceeded", err)
	}
	if s.Busy() {
		t.Error("busy not released on TTL abort")
	}
	if !s.Available() {
		t.Error("session not available after TTL abort")
	}
}

func TestReplyWithWrongAssetIgnored(t *testing.T) {
	s, factory, events := newTestSession(t, func(cfg *session.Config) {
		cfg.RequestTTL = 60 * time.Millisecond
	})
	tp := testutil.LogInReady(s, factory)
	waitEvent(t, events, session.EventReady)

	done := make(chan error, 1)
	go func() {
		_, _, err := s.Inspect(context.Background(), inspect.Link{S: 1, A: 100, D: 1})
		done <- err
	}()
	eventually(t, "session busy", s.Busy)

	// A reply for a different asset must not resolve the pending inspect.
	tp.FireReply(&inspect.Reply{AssetID: 999, Paintwear: 0.5})
	select {
	case err := <-done:
		if !errors.Is(err, session.ErrTTLExceeded) {
			t.Fatalf("err = %v, want TTL after dropping foreign reply", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inspect never resolved")
	}
}

func TestInspectRequiresReady(t *testing.T) {
	s, _, _ := newTestSession(t, nil)
	if _, _, err := s.Inspect(context.Background(), inspect.Link{S: 1, A: 1, D: 1}); !errors.Is(err, session.ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
}

func TestDisconnectEmitsClassifiedEvents(t *testing.T) {
	cases := []struct {
		name    string
		eresult int
		kind    session.EventKind
		reason  session.FailReason
	}{
		{"steamguard", 63, session.EventLoginFailed, session.ReasonSteamGuard},
		{"ratelimit", 84, session.EventLoginFailed, session.ReasonRateLimit},
		{"auth", 61, session.EventAuthFailed, session.ReasonAuth},
		{"guard required", 85, session.EventGuardRequired, session.ReasonGuardRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, factory, events := newTestSession(t, nil)
			s.LogIn("")
			factory.Last().FireDisconnected(errors.New("logon failure"), tc.eresult)
			ev := waitEvent(t, events, tc.kind)
			if ev.Reason != tc.reason {
				t.Errorf("reason = %s, want %s", ev.Reason, tc.reason)
			}
		})
	}
}

func TestGCDisconnectEmitsUnready(t *testing.T) {
	s, factory, events := newTestSession(t, nil)
	tp := testutil.LogInReady(s, factory)
	waitEvent(t, events, session.EventReady)

	tp.FireGCDisconnected()
	waitEvent(t, events, session.EventUnready)
	if s.Ready() {
		t.Error("still ready after GC disconnect")
	}
}

func TestUpdateProxyRejectsPendingAndDropsStaleHooks(t *testing.T) {
	s, factory, events := newTestSession(t, func(cfg *session.Config) {
		cfg.RequestTTL = time.Second
	})
	tp := testutil.LogInReady(s, factory)
	waitEvent(t, events, session.EventReady)

	done := make(chan error, 1)
	go func() {
		_, _, err := s.Inspect(context.Background(), inspect.Link{S: 1, A: 5, D: 1})
		done <- err
	}()
	eventually(t, "session busy", s.Busy)

	s.UpdateProxy(nil, "http://127.0.0.1:8080")
	if err := <-done; !errors.Is(err, session.ErrDisconnected) {
		t.Fatalf("err = %v, want ErrDisconnected", err)
	}
	if s.ProxyURL() != "http://127.0.0.1:8080" {
		t.Errorf("proxy url = %q", s.ProxyURL())
	}
	eventually(t, "old transport closed", tp.Closed)

	// Stale hook events from the torn-down transport must be ignored.
	tp.FireGCReady()
	if s.Ready() {
		t.Error("stale GCReady flipped state on rebound session")
	}
}

func TestSyncConnectErrorSurfacesAsLoginFailed(t *testing.T) {
	s, factory, events := newTestSession(t, nil)
	factory.Prepare = func(tp *testutil.FakeTransport) {
		tp.ConnectErr = errors.New("proxy connect: connection refused")
	}
	s.LogIn("")
	ev := waitEvent(t, events, session.EventLoginFailed)
	if ev.Reason != session.ReasonProxy {
		t.Errorf("reason = %s, want proxy", ev.Reason)
	}
	if s.State() != session.StateDisconnected {
		t.Errorf("state = %s, want disconnected", s.State())
	}
}
