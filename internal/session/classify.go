package session

import (
	"errors"
	"strings"
)

// FailReason classifies an upstream login failure; it drives the
// supervisor's retry policy.
type FailReason string

const (
	// ReasonSteamGuard marks guard-related eresults that are in practice
	// false positives; retried without charging proxy health.
	ReasonSteamGuard FailReason = "steamguard"
	ReasonRateLimit  FailReason = "ratelimit"
	ReasonProxy      FailReason = "proxy"
	// ReasonAuth is terminal: bad password or failed second factor.
	ReasonAuth FailReason = "auth"
	// ReasonGuardRequired means the upstream demands an interactive code.
	ReasonGuardRequired FailReason = "guard_required"
	ReasonUnknown       FailReason = "unknown"
)

// Upstream eresult codes involved in classification.
const (
	EResultInvalidPassword            = 61
	EResultAccountLogonDenied         = 63
	EResultTwoFactorCodeMismatch      = 65
	EResultTwoFactorActivationNoMail  = 66
	EResultRateLimitExceeded          = 84
	EResultAccountLoginDeniedNeed2FA  = 85
	EResultAccountLoginDeniedThrottle = 87
)

// ErrGuardCodeRequired is reported by transports when the upstream prompts
// for an interactive second factor.
var ErrGuardCodeRequired = errors.New("upstream requires a guard code")

var rateLimitFragments = []string{
	"ratelimitexceeded",
	"accountlogindeniedthrottle",
}

var proxyFragments = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no route to host",
	"proxy",
	"500 internal server error",
	"self-signed certificate",
	"tls:",
	"unexpected eof",
}

// Classify maps an upstream error and eresult code to a FailReason.
func Classify(err error, eresult int) FailReason {
	switch eresult {
	case EResultAccountLogonDenied, EResultTwoFactorCodeMismatch:
		return ReasonSteamGuard
	case EResultRateLimitExceeded, EResultAccountLoginDeniedThrottle:
		return ReasonRateLimit
	case EResultInvalidPassword, EResultTwoFactorActivationNoMail:
		return ReasonAuth
	case EResultAccountLoginDeniedNeed2FA:
		return ReasonGuardRequired
	}

	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, ErrGuardCodeRequired) {
		return ReasonGuardRequired
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range rateLimitFragments {
		if strings.Contains(msg, frag) {
			return ReasonRateLimit
		}
	}
	for _, frag := range proxyFragments {
		if strings.Contains(msg, frag) {
			return ReasonProxy
		}
	}
	return ReasonUnknown
}
