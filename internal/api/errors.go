package api

import (
	"errors"
	"net/http"

	"github.com/inspectd/inspectd/internal/queue"
	"github.com/inspectd/inspectd/internal/session"
)

// Stable error kinds carried to clients.
const (
	KindInvalidInspect  = "InvalidInspect"
	KindBadBody         = "BadBody"
	KindBadSecret       = "BadSecret"
	KindMaxRequests     = "MaxRequests"
	KindMaxQueueSize    = "MaxQueueSize"
	KindSteamOffline    = "SteamOffline"
	KindRateLimit       = "RateLimit"
	KindTTLExceeded     = "TTLExceeded"
	KindNoBotsAvailable = "NoBotsAvailable"
	KindGenericBad      = "GenericBad"
)

// statusForKind maps an error kind to its HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case KindInvalidInspect, KindBadBody:
		return http.StatusBadRequest
	case KindBadSecret:
		return http.StatusForbidden
	case KindMaxRequests, KindMaxQueueSize, KindRateLimit:
		return http.StatusTooManyRequests
	case KindSteamOffline:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeKind(w http.ResponseWriter, kind, message string) {
	WriteError(w, statusForKind(kind), kind, message)
}

// kindForResult classifies a terminal per-link error from the queue.
// Attempt exhaustion reports as TTLExceeded, matching the single-request
// timeout kind.
func kindForResult(err error) string {
	switch {
	case errors.Is(err, queue.ErrMaxAttemptsExceeded):
		return KindTTLExceeded
	case errors.Is(err, session.ErrTTLExceeded):
		return KindTTLExceeded
	case errors.Is(err, queue.ErrNoBotsAvailable):
		return KindNoBotsAvailable
	default:
		return KindGenericBad
	}
}
