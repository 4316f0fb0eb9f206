package account

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// guardCodeChars is the upstream's 26-symbol code alphabet; codes are five
// symbols drawn from it.
const guardCodeChars = "23456789BCDFGHJKMNPQRTVWXY"

const guardCodePeriod = 30 // seconds per code window

// timeSource is the part of time.Time the derivation needs; tests pass
// fixed instants.
type timeSource interface {
	Unix() int64
}

// GuardCode derives the five-symbol time-based guard code for the given
// base64-encoded shared secret at time now.
func GuardCode(sharedSecret string, now timeSource) (string, error) {
	key, err := base64.StdEncoding.DecodeString(sharedSecret)
	if err != nil {
		return "", fmt.Errorf("decode shared secret: %w", err)
	}

	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(now.Unix()/guardCodePeriod))

	mac := hmac.New(sha1.New, key)
	mac.Write(counter[:])
	sum := mac.Sum(nil)

	start := sum[len(sum)-1] & 0x0F
	slice := binary.BigEndian.Uint32(sum[start:start+4]) & 0x7FFFFFFF

	code := make([]byte, 5)
	for i := range code {
		code[i] = guardCodeChars[slice%uint32(len(guardCodeChars))]
		slice /= uint32(len(guardCodeChars))
	}
	return string(code), nil
}
