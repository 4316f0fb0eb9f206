// Package testutil provides fakes for exercising session and pool logic
// without a live upstream.
package testutil

import (
	"sync"

	"github.com/sagernet/sing-box/adapter"

	"github.com/inspectd/inspectd/internal/inspect"
	"github.com/inspectd/inspectd/internal/session"
)

// InspectCall records one SendInspect invocation.
type InspectCall struct {
	Owner   uint64
	AssetID uint64
	D       uint64
}

// FakeTransport is a scriptable Transport. Tests drive the session state
// machine by firing the registered hooks.
type FakeTransport struct {
	mu    sync.Mutex
	hooks session.Hooks
	creds session.Credentials

	ConnectErr error
	LicenseErr error
	PlayErr    error
	SendErr    error

	calls        []InspectCall
	licenseCalls int
	playCalls    int
	loggedOff    bool
	closed       bool
}

func (f *FakeTransport) Connect(creds session.Credentials, hooks session.Hooks) error {
	f.mu.Lock()
	f.creds = creds
	f.hooks = hooks
	f.mu.Unlock()
	return f.ConnectErr
}

func (f *FakeTransport) RequestLicense() error {
	f.mu.Lock()
	f.licenseCalls++
	f.mu.Unlock()
	return f.LicenseErr
}

func (f *FakeTransport) PlayGame() error {
	f.mu.Lock()
	f.playCalls++
	f.mu.Unlock()
	return f.PlayErr
}

// LicenseCalls returns how many times RequestLicense ran.
func (f *FakeTransport) LicenseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.licenseCalls
}

// PlayCalls returns how many times PlayGame ran.
func (f *FakeTransport) PlayCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playCalls
}

func (f *FakeTransport) SendInspect(owner, assetID, d uint64) error {
	f.mu.Lock()
	f.calls = append(f.calls, InspectCall{Owner: owner, AssetID: assetID, D: d})
	f.mu.Unlock()
	return f.SendErr
}

func (f *FakeTransport) LogOff() {
	f.mu.Lock()
	f.loggedOff = true
	f.mu.Unlock()
}

func (f *FakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Creds returns the credentials from the last Connect.
func (f *FakeTransport) Creds() session.Credentials {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds
}

// Calls returns a copy of the recorded SendInspect calls.
func (f *FakeTransport) Calls() []InspectCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]InspectCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// LoggedOff reports whether LogOff has been called.
func (f *FakeTransport) LoggedOff() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedOff
}

// Closed reports whether Close has been called.
func (f *FakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeTransport) hooksCopy() session.Hooks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hooks
}

// FireLoggedOn invokes the LoggedOn hook as the upstream would.
func (f *FakeTransport) FireLoggedOn(ownsGame bool) {
	if h := f.hooksCopy(); h.LoggedOn != nil {
		h.LoggedOn(ownsGame)
	}
}

// FireGCReady invokes the GCReady hook.
func (f *FakeTransport) FireGCReady() {
	if h := f.hooksCopy(); h.GCReady != nil {
		h.GCReady()
	}
}

// FireGCDisconnected invokes the GCDisconnected hook.
func (f *FakeTransport) FireGCDisconnected() {
	if h := f.hooksCopy(); h.GCDisconnected != nil {
		h.GCDisconnected()
	}
}

// FireReply invokes the InspectReply hook.
func (f *FakeTransport) FireReply(reply *inspect.Reply) {
	if h := f.hooksCopy(); h.InspectReply != nil {
		h.InspectReply(reply)
	}
}

// FireDisconnected invokes the Disconnected hook.
func (f *FakeTransport) FireDisconnected(err error, eresult int) {
	if h := f.hooksCopy(); h.Disconnected != nil {
		h.Disconnected(err, eresult)
	}
}

// FakeFactory hands out a fresh FakeTransport per LogIn and remembers them.
type FakeFactory struct {
	mu         sync.Mutex
	transports []*FakeTransport

	// Prepare, when set, configures each new transport before use.
	Prepare func(*FakeTransport)
}

// New is a session.Factory.
func (f *FakeFactory) New(adapter.Outbound) session.Transport {
	t := &FakeTransport{}
	f.mu.Lock()
	if f.Prepare != nil {
		f.Prepare(t)
	}
	f.transports = append(f.transports, t)
	f.mu.Unlock()
	return t
}

// Last returns the most recently created transport, nil when none exists.
func (f *FakeFactory) Last() *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

// Count returns how many transports have been created.
func (f *FakeFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

// Transports returns all created transports in creation order.
func (f *FakeFactory) Transports() []*FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeTransport(nil), f.transports...)
}
