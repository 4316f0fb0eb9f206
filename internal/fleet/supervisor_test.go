package fleet

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/inspectd/inspectd/internal/account"
	"github.com/inspectd/inspectd/internal/proxypool"
	"github.com/inspectd/inspectd/internal/session"
	"github.com/inspectd/inspectd/internal/testutil"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", what)
}

func testAccounts(n int) []account.Account {
	out := make([]account.Account, n)
	for i := range out {
		out[i] = account.Account{Username: fmt.Sprintf("bot%d", i), Password: "pw"}
	}
	return out
}

func testPool() *proxypool.Pool {
	return proxypool.New(proxypool.Config{
		MaxRequestsPerProxy: 5,
		Strategy:            proxypool.StrategyLeastLoaded,
		Retry: proxypool.RetryPolicy{
			Enabled:    true,
			MaxRetries: 3,
			Delay:      20 * time.Millisecond,
		},
	}, []*proxypool.Group{{ID: 0}, {ID: 1}})
}

func newTestSupervisor(t *testing.T, accounts []account.Account, maxOnline int, spareDelay time.Duration) (*Supervisor, *testutil.FakeFactory) {
	t.Helper()
	factory := &testutil.FakeFactory{}
	sup, err := New(Config{
		Accounts:          accounts,
		MaxOnlineBots:     maxOnline,
		SpareAccountDelay: spareDelay,
		Pool:              testPool(),
		Factory:           factory.New,
		RequestDelay:      10 * time.Millisecond,
		RequestTTL:        time.Second,
		ReloginMin:        time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sup.Close)
	return sup, factory
}

// readyAll fires the happy-path hooks on every created transport.
func readyAll(factory *testutil.FakeFactory) {
	for _, tp := range factory.Transports() {
		tp.FireLoggedOn(true)
		tp.FireGCReady()
	}
}

func TestRetryDelayTable(t *testing.T) {
	cases := []struct {
		name   string
		reason session.FailReason
		dec    proxypool.RetryDecision
		want   time.Duration
	}{
		{"steamguard", session.ReasonSteamGuard, proxypool.RetryDecision{RetryCount: 1}, 15 * time.Second},
		{"proxy", session.ReasonProxy, proxypool.RetryDecision{RetryCount: 1}, 10 * time.Second},
		{"ratelimit first", session.ReasonRateLimit, proxypool.RetryDecision{RetryCount: 1}, 30 * time.Second},
		{"ratelimit second", session.ReasonRateLimit, proxypool.RetryDecision{RetryCount: 2}, 60 * time.Second},
		{"ratelimit third", session.ReasonRateLimit, proxypool.RetryDecision{RetryCount: 3}, 120 * time.Second},
		{"ratelimit capped", session.ReasonRateLimit, proxypool.RetryDecision{RetryCount: 6}, 120 * time.Second},
		{"default from policy", session.ReasonUnknown, proxypool.RetryDecision{RetryDelay: 7 * time.Second}, 7 * time.Second},
		{"default fallback", session.ReasonUnknown, proxypool.RetryDecision{}, 5 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := retryDelay(tc.reason, tc.dec); got != tc.want {
				t.Errorf("retryDelay(%s) = %s, want %s", tc.reason, got, tc.want)
			}
		})
	}
}

func TestInitialActivationSplitsAtTarget(t *testing.T) {
	sup, factory := newTestSupervisor(t, testAccounts(5), 3, 50*time.Millisecond)
	sup.Start()

	eventually(t, "three sessions created", func() bool { return sup.TotalCount() == 3 })
	eventually(t, "three logins issued", func() bool { return factory.Count() == 3 })

	sup.mu.Lock()
	spares := len(sup.spareAccounts)
	sup.mu.Unlock()
	if spares != 2 {
		t.Errorf("spares = %d, want 2", spares)
	}
}

func TestFleetReadyEdge(t *testing.T) {
	readyCh := make(chan struct{}, 1)
	factory := &testutil.FakeFactory{}
	sup, err := New(Config{
		Accounts:          testAccounts(2),
		MaxOnlineBots:     2,
		SpareAccountDelay: 50 * time.Millisecond,
		Pool:              testPool(),
		Factory:           factory.New,
		ReloginMin:        time.Hour,
		OnReady:           func() { readyCh <- struct{}{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sup.Close)
	sup.Start()

	eventually(t, "sessions created", func() bool { return factory.Count() == 2 })
	readyAll(factory)

	select {
	case <-readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("fleet ready callback never fired")
	}
	if sup.ReadyCount() != 2 {
		t.Errorf("ready count = %d, want 2", sup.ReadyCount())
	}
	if st := sup.FleetStatus(); st.Status != "optimal" {
		t.Errorf("status = %q, want optimal", st.Status)
	}
}

func TestAuthFailedPromotesSpareWithStagger(t *testing.T) {
	const spareDelay = 120 * time.Millisecond
	sup, factory := newTestSupervisor(t, testAccounts(6), 3, spareDelay)
	sup.Start()
	eventually(t, "initial sessions created", func() bool { return sup.TotalCount() == 3 })

	// Terminal credential failure on one account.
	factory.Transports()[0].FireDisconnected(errors.New("InvalidPassword"), session.EResultInvalidPassword)

	eventually(t, "spare queued", func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		// Raw field reads; TotalCount would re-take mu.
		return len(sup.spareQueue) > 0 || len(sup.sessions) > 3
	})

	// The spare is not activated before the stagger delay.
	if sup.TotalCount() != 3 {
		t.Errorf("spare activated before the stagger delay")
	}
	eventually(t, "one spare activated", func() bool { return sup.TotalCount() == 4 })

	// Only one spare comes up; a second is not activated in the same tick.
	time.Sleep(spareDelay / 2)
	if got := sup.TotalCount(); got != 4 {
		t.Errorf("total = %d, want 4 (one spare per tick)", got)
	}
	if st := sup.FleetStatus(); st.Failed != 1 {
		t.Errorf("failed = %d, want 1", st.Failed)
	}
}

func TestSpareDrainFlushesAtTarget(t *testing.T) {
	sup, factory := newTestSupervisor(t, testAccounts(2), 1, 60*time.Millisecond)
	sup.Start()
	eventually(t, "initial session created", func() bool { return sup.TotalCount() == 1 })
	readyAll(factory)
	eventually(t, "fleet at target", func() bool { return sup.ReadyCount() == 1 })

	sup.trySpareAccount()
	time.Sleep(200 * time.Millisecond)

	if got := sup.TotalCount(); got != 1 {
		t.Errorf("total = %d, spare activated while at target", got)
	}
	sup.mu.Lock()
	defer sup.mu.Unlock()
	if len(sup.spareQueue) != 0 {
		t.Errorf("spare queue not flushed: %d", len(sup.spareQueue))
	}
	if len(sup.spareAccounts) != 1 {
		t.Errorf("flushed spare not returned: %d", len(sup.spareAccounts))
	}
}

func TestMaintenanceTopsUpQueue(t *testing.T) {
	sup, _ := newTestSupervisor(t, testAccounts(4), 2, 60*time.Millisecond)
	sup.Start()
	eventually(t, "initial sessions created", func() bool { return sup.TotalCount() == 2 })

	// Nothing is ready, so maintenance queues spares up to the target.
	sup.checkAndMaintainBotCount()
	eventually(t, "spares activated by maintenance", func() bool { return sup.TotalCount() == 4 })
}

func TestSubmitAuthCode(t *testing.T) {
	sup, factory := newTestSupervisor(t, testAccounts(1), 1, 50*time.Millisecond)
	sup.Start()
	eventually(t, "session created", func() bool { return factory.Count() == 1 })

	if err := sup.SubmitAuthCode("bot0", "G7XQ2"); !errors.Is(err, ErrNoPendingAuth) {
		t.Fatalf("err = %v, want ErrNoPendingAuth", err)
	}

	factory.Transports()[0].FireDisconnected(session.ErrGuardCodeRequired, session.EResultAccountLoginDeniedNeed2FA)
	eventually(t, "session parked for auth", func() bool { return sup.PendingAuthCount() == 1 })

	details := sup.PendingAuthDetails()
	if len(details) != 1 || details[0].Username != "bot0" {
		t.Fatalf("unexpected pending details: %+v", details)
	}

	if err := sup.SubmitAuthCode("bot0", "G7XQ2"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "relogin issued with code", func() bool {
		return factory.Count() == 2 && factory.Last().Creds().GuardCode == "G7XQ2"
	})

	// A successful login clears the pending entry.
	factory.Last().FireLoggedOn(true)
	eventually(t, "pending entry cleared", func() bool { return sup.PendingAuthCount() == 0 })
}
