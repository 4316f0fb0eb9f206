// Package session implements the runtime for one authenticated upstream
// client: login, readiness tracking, serialized inspects, and lifecycle
// event emission. The wire protocol itself lives behind the Transport
// interface.
package session

// EventKind tags a lifecycle message on the session event channel.
type EventKind int

const (
	// EventReady fires when both the transport and the game-coordinator
	// channel are up.
	EventReady EventKind = iota
	// EventUnready fires when a previously ready session loses either leg.
	EventUnready
	// EventLoginSuccess fires when the authenticated logon completes.
	EventLoginSuccess
	// EventLoginFailed fires for retryable login failures; Reason carries the
	// classification.
	EventLoginFailed
	// EventAuthFailed fires for terminal credential failures.
	EventAuthFailed
	// EventGuardRequired fires when the upstream genuinely demands an
	// interactive guard code (distinct from the false-positive steamguard
	// classification).
	EventGuardRequired
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventUnready:
		return "unready"
	case EventLoginSuccess:
		return "loginSuccess"
	case EventLoginFailed:
		return "loginFailed"
	case EventAuthFailed:
		return "authFailed"
	case EventGuardRequired:
		return "guardRequired"
	default:
		return "unknown"
	}
}

// Event is a tagged lifecycle message consumed by the fleet supervisor.
type Event struct {
	SessionID string
	Username  string
	Kind      EventKind
	Err       error
	Reason    FailReason
}
