// Package auth guards the stats endpoint with a bearer token or basic
// credentials.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Config selects the accepted credentials. With a bearer token set, basic
// credentials are ignored.
type Config struct {
	BearerToken string
	Username    string
	Password    string
}

// Enabled reports whether any credential is configured.
func (c Config) Enabled() bool {
	return c.BearerToken != "" || c.Username != "" || c.Password != ""
}

// Validate rejects half-configured basic credentials.
func (c Config) Validate() error {
	if c.BearerToken == "" && (c.Username == "") != (c.Password == "") {
		return errors.New("basic auth needs both username and password")
	}
	return nil
}

// Middleware rejects requests without the configured credentials. A
// disabled Config returns next unchanged.
func Middleware(cfg Config, next http.Handler) http.Handler {
	if !cfg.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.check(r); err != nil {
			if cfg.BearerToken == "" {
				w.Header().Set("WWW-Authenticate", `Basic realm="logs-governor"`)
			}
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c Config) check(r *http.Request) error {
	header := r.Header.Get("Authorization")
	if header == "" {
		return errors.New("missing authorization header")
	}

	if c.BearerToken != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return errors.New("expected a bearer token")
		}
		if !equal(token, c.BearerToken) {
			return errors.New("invalid bearer token")
		}
		return nil
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return errors.New("expected basic credentials")
	}
	// Both comparisons run to keep timing independent of which one fails.
	userOK := equal(user, c.Username)
	passOK := equal(pass, c.Password)
	if !userOK || !passOK {
		return errors.New("invalid basic auth credentials")
	}
	return nil
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
