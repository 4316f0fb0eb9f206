package main

import (
	"errors"

	"github.com/sagernet/sing-box/adapter"

	"github.com/inspectd/inspectd/internal/session"
)

// errNoWireClient is reported until a game-coordinator wire client is wired
// in. The daemon still serves cached items; live inspects need a Transport
// implementation behind this factory.
var errNoWireClient = errors.New("no upstream wire client built in")

type unimplementedTransport struct{}

func (unimplementedTransport) Connect(session.Credentials, session.Hooks) error {
	return errNoWireClient
}
func (unimplementedTransport) RequestLicense() error            { return errNoWireClient }
func (unimplementedTransport) PlayGame() error                  { return errNoWireClient }
func (unimplementedTransport) SendInspect(_, _, _ uint64) error { return errNoWireClient }
func (unimplementedTransport) LogOff()                          {}
func (unimplementedTransport) Close() error                     { return nil }

// newUpstreamTransport is the session factory used by the fleet. Swap this
// for a real game-coordinator client to go live.
func newUpstreamTransport(_ adapter.Outbound) session.Transport {
	return unimplementedTransport{}
}
