package session

import (
	"github.com/sagernet/sing-box/adapter"

	"github.com/inspectd/inspectd/internal/inspect"
)

// Credentials are presented to the upstream at connect time.
type Credentials struct {
	Username  string
	Password  string
	GuardCode string
}

// Hooks receive asynchronous transport events. A transport must register
// them before dialing so that no event is lost; all hooks may be invoked
// from the transport's own goroutines.
type Hooks struct {
	// LoggedOn fires when the authenticated logon completes. ownsGame
	// reports whether the account already holds the game license.
	LoggedOn func(ownsGame bool)
	// GCReady fires when the game-coordinator channel comes up.
	GCReady func()
	// GCDisconnected fires when the game-coordinator channel drops; the
	// transport keeps reconnecting on its own.
	GCDisconnected func()
	// InspectReply delivers an item payload for an earlier SendInspect.
	InspectReply func(reply *inspect.Reply)
	// Disconnected fires once when the transport goes down for good, either
	// during connect or later. eresult is 0 when unknown.
	Disconnected func(err error, eresult int)
}

// Transport is one upstream wire connection. Implementations own their
// goroutines and report everything through Hooks. A Transport is used for a
// single connect cycle; proxy rebinding discards it and builds a new one.
type Transport interface {
	// Connect starts the authenticated connection. Registration of hooks
	// happens before any dialing. A non-nil return reports a synchronous
	// setup failure; asynchronous failures arrive via Hooks.Disconnected.
	Connect(creds Credentials, hooks Hooks) error
	// RequestLicense requests the free game license; valid after LoggedOn.
	RequestLicense() error
	// PlayGame announces "played games: none, then the game" to force the
	// game-coordinator handshake; valid after LoggedOn.
	PlayGame() error
	// SendInspect issues a single inspect for (owner, assetID, d).
	SendInspect(owner, assetID, d uint64) error
	// LogOff performs an orderly logoff; the transport may reconnect only
	// via a new Connect.
	LogOff()
	// Close tears the connection down without ceremony.
	Close() error
}

// Factory builds a transport bound to an outbound dialer. dialer may be nil
// for direct connections.
type Factory func(dialer adapter.Outbound) Transport
