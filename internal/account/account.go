// Package account models upstream login identities and loads them from the
// account file. Accounts are immutable after load.
package account

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Account is one upstream login identity.
type Account struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// AuthSecret is either a short static guard code (5 chars or fewer, sent
	// verbatim) or a base64 shared secret from which a time-based code is
	// derived at login.
	AuthSecret string `yaml:"auth_secret"`
}

// HasStaticCode reports whether AuthSecret is a short static guard code.
func (a Account) HasStaticCode() bool {
	return a.AuthSecret != "" && len(a.AuthSecret) <= 5
}

// LoginCode returns the guard code to present at login time.
// Static secrets are returned verbatim; longer secrets are treated as shared
// secrets and a time-based code is derived. Returns "" when no secret is set
// or derivation fails (the upstream will prompt interactively in that case).
func (a Account) LoginCode(now time.Time) string {
	if a.AuthSecret == "" {
		return ""
	}
	if a.HasStaticCode() {
		return a.AuthSecret
	}
	code, err := GuardCode(a.AuthSecret, now)
	if err != nil {
		return ""
	}
	return code
}

type accountFile struct {
	Accounts []Account `yaml:"accounts"`
}

// LoadFile reads the YAML account file at path.
// Entries missing a username or password are rejected.
func LoadFile(path string) ([]Account, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read account file %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes account file contents.
func Parse(raw []byte) ([]Account, error) {
	var f accountFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse account file: %w", err)
	}
	if len(f.Accounts) == 0 {
		return nil, fmt.Errorf("account file contains no accounts")
	}
	for i, a := range f.Accounts {
		if strings.TrimSpace(a.Username) == "" || a.Password == "" {
			return nil, fmt.Errorf("account entry %d: username and password are required", i)
		}
	}
	return f.Accounts, nil
}
