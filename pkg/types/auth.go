package types

import (
	"strconv"
	"time"
)

// TokenExpiresAt is the token key holding the RFC 3339 expiry time.
const TokenExpiresAt = "expires_at"

// Credentials are the operational values an adapter needs to call its vendor.
// They must never contain raw passwords once persisted.
type Credentials map[string]string

// Tokens hold session material returned by a vendor handshake.
type Tokens map[string]string

// ExpiresAt parses the expires_at token. Unix seconds and milliseconds are
// accepted alongside RFC 3339.
func (t Tokens) ExpiresAt() (time.Time, bool) {
	v := t[TokenExpiresAt]
	if v == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return ts, true
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}

// Expired reports whether the tokens carry an expiry that is not after now.
func (t Tokens) Expired(now time.Time) bool {
	exp, ok := t.ExpiresAt()
	return ok && !exp.After(now)
}

// SetExpiry stores an expiry ttl from now.
func (t Tokens) SetExpiry(now time.Time, ttl time.Duration) {
	t[TokenExpiresAt] = now.Add(ttl).UTC().Format(time.RFC3339)
}

// AuthResult is what a successful authenticate or refresh produces.
type AuthResult struct {
	Credentials Credentials `json:"credentials"`
	Tokens      Tokens      `json:"tokens"`
}

// HealthStatus is the outcome of a connection probe.
type HealthStatus string

const (
	HealthOK       HealthStatus = "OK"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthFail     HealthStatus = "FAIL"
)

// HealthCheckResult is computed on demand and never persisted.
type HealthCheckResult struct {
	Provider   string       `json:"provider"`
	Status     HealthStatus `json:"status"`
	AuthOK     bool         `json:"authOk"`
	EndpointOK bool         `json:"endpointOk"`
	LatencyMs  int64        `json:"latencyMs"`
	Error      string       `json:"error,omitempty"`
	CheckedAt  time.Time    `json:"checkedAt"`
}
