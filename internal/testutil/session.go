package testutil

import "github.com/inspectd/inspectd/internal/session"

// LogInReady logs the session in through the factory and fires the hooks
// that take it all the way to ready. Returns the transport driving it.
func LogInReady(s *session.Session, f *FakeFactory) *FakeTransport {
	s.LogIn("")
	t := f.Last()
	t.FireLoggedOn(true)
	t.FireGCReady()
	return t
}

// DrainEvents discards everything currently buffered on the event channel.
func DrainEvents(ch <-chan session.Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
