// Package secrets abstracts where OAuth client credentials come from so the
// token cache can be tested without real secret storage.
package secrets

import (
	"os"
	"strings"
)

// Provider looks up a named credential. ok is false when the credential is
// absent, which is a valid outcome, not an error.
type Provider interface {
	Get(name string) (value string, ok bool)
}

// Env reads credentials from environment variables, uppercasing the name and
// replacing dashes with underscores (e.g. "ebay-client-id" -> EBAY_CLIENT_ID).
type Env struct {
	Prefix string
}

func (e Env) Get(name string) (string, bool) {
	key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if e.Prefix != "" {
		key = e.Prefix + "_" + key
	}
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Static serves credentials from a fixed map. Used in tests.
type Static map[string]string

func (s Static) Get(name string) (string, bool) {
	v, ok := s[name]
	return v, ok && v != ""
}
