package dispatch

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/inspectd/inspectd/internal/account"
	"github.com/inspectd/inspectd/internal/inspect"
	"github.com/inspectd/inspectd/internal/proxypool"
	"github.com/inspectd/inspectd/internal/queue"
	"github.com/inspectd/inspectd/internal/session"
	"github.com/inspectd/inspectd/internal/store"
	"github.com/inspectd/inspectd/internal/testutil"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "items.db"), 16)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newReadySession(t *testing.T, factory *testutil.FakeFactory, ttl time.Duration) (*session.Session, *testutil.FakeTransport) {
	t.Helper()
	events := make(chan session.Event, 32)
	sess := session.New(session.Config{
		Account:      account.Account{Username: "bot0", Password: "pw"},
		Events:       events,
		Factory:      factory.New,
		RequestDelay: 200 * time.Millisecond,
		RequestTTL:   ttl,
		ReloginMin:   time.Hour,
	})
	t.Cleanup(sess.Close)
	tp := testutil.LogInReady(sess, factory)
	if !sess.Ready() {
		t.Fatal("session did not come up")
	}
	return sess, tp
}

func newTestPool(sessions ...*session.Session) *proxypool.Pool {
	pool := proxypool.New(proxypool.Config{
		MaxRequestsPerProxy: 5,
		Strategy:            proxypool.StrategyLeastLoaded,
	}, []*proxypool.Group{{ID: 0}})
	pool.Distribute(sessions)
	return pool
}

func TestHandleResolvesAndPersists(t *testing.T) {
	factory := &testutil.FakeFactory{}
	sess, tp := newReadySession(t, factory, time.Second)
	pool := newTestPool(sess)
	st := newTestStore(t)
	d := New(pool, nil, st, nil)

	link := inspect.Link{M: 9, A: 222, D: 333}
	entry := &queue.Entry{Link: link, Price: 1999, HasPrice: true}

	type outcome struct {
		item  *inspect.Item
		delay time.Duration
		err   error
	}
	res := make(chan outcome, 1)
	go func() {
		item, delay, err := d.Handle(entry)
		res <- outcome{item, delay, err}
	}()

	waitForSend(t, tp)
	seed := 7
	tp.FireReply(&inspect.Reply{AssetID: 222, Defindex: 7, Paintwear: 0.25, Paintseed: &seed})

	out := <-res
	if out.err != nil {
		t.Fatal(out.err)
	}
	if out.item.FloatValue != 0.25 || out.item.A != "222" {
		t.Errorf("item = %+v", out.item)
	}
	if out.item.Price == nil || *out.item.Price != 1999 {
		t.Errorf("price = %v, want the submitted 1999", out.item.Price)
	}
	if out.item.LowRank == nil {
		t.Error("rank annotation missing")
	}
	if out.delay <= 0 {
		t.Errorf("delay = %s, want a positive spacing remainder", out.delay)
	}

	if _, ok, err := st.Lookup(link); err != nil || !ok {
		t.Errorf("resolved item not persisted: ok=%v err=%v", ok, err)
	}

	stats := pool.Stats()[0]
	if stats.TotalRequests != 1 || stats.ActiveRequests != 0 || stats.Failures != 0 {
		t.Errorf("group accounting: %+v", stats)
	}
}

func TestHandleNoSessionsAvailable(t *testing.T) {
	d := New(newTestPool(), nil, newTestStore(t), nil)

	_, _, err := d.Handle(&queue.Entry{Link: inspect.Link{S: 1, A: 1, D: 1}})
	if !errors.Is(err, queue.ErrNoBotsAvailable) {
		t.Errorf("err = %v, want ErrNoBotsAvailable", err)
	}
}

func TestHandleInspectFailureChargesGroup(t *testing.T) {
	factory := &testutil.FakeFactory{}
	sess, _ := newReadySession(t, factory, 50*time.Millisecond)
	pool := newTestPool(sess)
	d := New(pool, nil, newTestStore(t), nil)

	// No reply arrives, so the short TTL expires the request.
	_, _, err := d.Handle(&queue.Entry{Link: inspect.Link{S: 1, A: 555, D: 1}})
	if err == nil || !errors.Is(err, session.ErrTTLExceeded) {
		t.Fatalf("err = %v, want a TTL failure", err)
	}
	stats := pool.Stats()[0]
	if stats.Failures != 1 || stats.ActiveRequests != 0 {
		t.Errorf("group accounting after failure: %+v", stats)
	}
}

func waitForSend(t *testing.T, tp *testutil.FakeTransport) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(tp.Calls()) > 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("inspect never reached the transport")
}
