// Package inspect defines inspect links, the raw game-coordinator reply
// shape, and the normalized item payload served to clients.
package inspect

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
)

// ErrInvalidLink reports a missing or unparseable inspect link.
var ErrInvalidLink = errors.New("invalid inspect link")

// linkPattern matches the in-game action preview URL, with either an owner
// (S) or market listing (M) prefix.
var linkPattern = regexp.MustCompile(
	`^steam://rungame/730/\d+/\+csgo_econ_action_preview ([SM])(\d+)A(\d+)D(\d+)$`,
)

// Link identifies a single item to inspect. Exactly one of S or M is nonzero.
// A is the asset id and the reply-correlation key.
type Link struct {
	S uint64 // owner id; 0 for market listings
	A uint64 // asset id
	D uint64
	M uint64 // market listing id; 0 for owned items
}

// IsMarket reports whether the link is a market listing link.
func (l Link) IsMarket() bool {
	return l.S == 0
}

// Owner returns the id used as the inspect owner parameter: S for owned
// items, M for market listings.
func (l Link) Owner() uint64 {
	if l.IsMarket() {
		return l.M
	}
	return l.S
}

// Canonical returns the stable text form of the link, used as a cache key.
func (l Link) Canonical() string {
	if l.IsMarket() {
		return fmt.Sprintf("M%dA%dD%d", l.M, l.A, l.D)
	}
	return fmt.Sprintf("S%dA%dD%d", l.S, l.A, l.D)
}

func (l Link) String() string {
	return l.Canonical()
}

// ParseURL parses a pre-formed inspect URL (percent-encoded or not).
func ParseURL(raw string) (Link, error) {
	if raw == "" {
		return Link{}, ErrInvalidLink
	}
	// PathUnescape, not QueryUnescape: the URL carries a literal "+" in
	// "+csgo_econ_action_preview" that must survive decoding.
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		decoded = raw
	}
	m := linkPattern.FindStringSubmatch(decoded)
	if m == nil {
		return Link{}, fmt.Errorf("%w: %q", ErrInvalidLink, raw)
	}

	owner, err1 := strconv.ParseUint(m[2], 10, 64)
	a, err2 := strconv.ParseUint(m[3], 10, 64)
	d, err3 := strconv.ParseUint(m[4], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || owner == 0 || a == 0 || d == 0 {
		return Link{}, fmt.Errorf("%w: %q", ErrInvalidLink, raw)
	}

	if m[1] == "M" {
		return Link{M: owner, A: a, D: d}, nil
	}
	return Link{S: owner, A: a, D: d}, nil
}

// FromParams builds a Link from discrete query parameters. d and a are
// required; the owner comes from s when s is nonzero, otherwise from m.
func FromParams(s, a, d, m string) (Link, error) {
	av, err := parseID(a)
	if err != nil || av == 0 {
		return Link{}, fmt.Errorf("%w: a=%q", ErrInvalidLink, a)
	}
	dv, err := parseID(d)
	if err != nil || dv == 0 {
		return Link{}, fmt.Errorf("%w: d=%q", ErrInvalidLink, d)
	}
	sv, err := parseID(s)
	if err != nil {
		return Link{}, fmt.Errorf("%w: s=%q", ErrInvalidLink, s)
	}
	mv, err := parseID(m)
	if err != nil {
		return Link{}, fmt.Errorf("%w: m=%q", ErrInvalidLink, m)
	}

	if sv != 0 {
		return Link{S: sv, A: av, D: dv}, nil
	}
	if mv == 0 {
		return Link{}, fmt.Errorf("%w: need s or m", ErrInvalidLink)
	}
	return Link{M: mv, A: av, D: dv}, nil
}

func parseID(v string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}
