// Package redact masks and strips sensitive values at the boundaries where
// vendor material leaves the process: logs, persisted maps and outbound
// request dumps.
package redact

import (
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// ReauthSecretKey is the one token key an adapter may ask to keep so it can
// log in again after a server-side session expiry.
const ReauthSecretKey = "reauth_secret"

// Denylist decides which keys hold sensitive values. A key is sensitive when it
// equals (case-insensitively) one of the exact names or matches the pattern.
type Denylist struct {
	exact   map[string]struct{}
	pattern *regexp.Regexp
}

// New builds a Denylist. An empty pattern disables pattern matching.
func New(exact []string, pattern string) *Denylist {
	d := &Denylist{exact: make(map[string]struct{}, len(exact))}
	for _, k := range exact {
		d.exact[strings.ToLower(k)] = struct{}{}
	}
	if pattern != "" {
		d.pattern = regexp.MustCompile(pattern)
	}
	return d
}

var (
	// Logging matches anything that looks like a secret, used when printing.
	Logging = New(nil, `(?i)(pass(word|wd)?|pwd|secret|token|sign(ature)?|api[_-]?key|cookie|authorization|senha|credential|session)`)

	// Persistence is the fixed set removed from credential and token maps
	// before they are stored.
	Persistence = New([]string{
		"password",
		"userPassword",
		"user_password",
		"senha",
		"passwd",
		"pwd",
		"plainPassword",
		ReauthSecretKey,
	}, "")
)

// Sensitive reports whether key is on the list.
func (d *Denylist) Sensitive(key string) bool {
	if _, ok := d.exact[strings.ToLower(key)]; ok {
		return true
	}
	return d.pattern != nil && d.pattern.MatchString(key)
}

// Mask keeps the first and last three characters of v. Short values are fully
// hidden.
func Mask(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:3] + "****" + v[len(v)-3:]
}

// Strip returns a copy of m without sensitive keys. Keys listed in keep survive
// even when they are on the list.
func (d *Denylist) Strip(m map[string]string, keep ...string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if d.Sensitive(k) && !contains(keep, k) {
			continue
		}
		out[k] = v
	}
	return out
}

// MaskStrings returns a copy of m with sensitive values masked.
func (d *Denylist) MaskStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if d.Sensitive(k) {
			v = Mask(v)
		}
		out[k] = v
	}
	return out
}

// MaskValue walks decoded JSON and masks string values under sensitive keys.
// The input is not modified.
func (d *Denylist) MaskValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if s, ok := val.(string); ok && d.Sensitive(k) {
				out[k] = Mask(s)
				continue
			}
			out[k] = d.MaskValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = d.MaskValue(val)
		}
		return out
	default:
		return v
	}
}

// MaskJSON masks a JSON document. Non-JSON input is returned truncated but
// otherwise untouched.
func (d *Denylist) MaskJSON(body []byte, limit int) string {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return truncate(string(body), limit)
	}
	b, err := json.Marshal(d.MaskValue(v))
	if err != nil {
		return truncate(string(body), limit)
	}
	return truncate(string(b), limit)
}

// MaskURL returns u as a string with sensitive query parameters masked.
func (d *Denylist) MaskURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	q := u.Query()
	if len(q) == 0 {
		return u.String()
	}
	for k, vals := range q {
		if !d.Sensitive(k) {
			continue
		}
		for i := range vals {
			vals[i] = Mask(vals[i])
		}
	}
	c := *u
	c.RawQuery = q.Encode()
	return c.String()
}

// MaskHeader returns a copy of h with sensitive header values masked.
func (d *Denylist) MaskHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		v := h.Get(k)
		if d.Sensitive(k) {
			v = Mask(v)
		}
		out[k] = v
	}
	return out
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
