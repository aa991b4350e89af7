// Package perr classifies vendor failures into a small set of categories the
// sync orchestrator can act on.
package perr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/tidwall/gjson"
)

// Category is the canonical failure class.
type Category string

const (
	CategoryAuth         Category = "AUTH"
	CategoryRateLimit    Category = "RATE_LIMIT"
	CategoryTimeout      Category = "TIMEOUT"
	CategoryNotFound     Category = "NOT_FOUND"
	CategoryPermission   Category = "PERMISSION"
	CategoryParse        Category = "PARSE"
	CategoryProviderDown Category = "PROVIDER_DOWN"
	CategoryUnknown      Category = "UNKNOWN"
)

// Retryable reports whether a failure of category c may succeed if repeated.
func (c Category) Retryable() bool {
	switch c {
	case CategoryRateLimit, CategoryTimeout, CategoryProviderDown:
		return true
	}
	return false
}

// Error is a normalized vendor failure. Values are built once by Normalize or
// New and never modified afterwards.
type Error struct {
	Category     Category `json:"category"`
	Provider     string   `json:"provider"`
	StatusCode   int      `json:"statusCode,omitempty"`
	ProviderCode string   `json:"providerErrorCode,omitempty"`
	Message      string   `json:"message"`
	Retryable    bool     `json:"retryable"`

	cause error
}

func (e *Error) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("%s: %s", e.Category, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an Error of an explicit category.
func New(c Category, provider, message string) *Error {
	return &Error{
		Category:  c,
		Provider:  provider,
		Message:   message,
		Retryable: c.Retryable(),
	}
}

// Newf is New with a format string.
func Newf(c Category, provider, format string, args ...any) *Error {
	return New(c, provider, fmt.Sprintf(format, args...))
}

// CategoryOf returns the category of err, or UNKNOWN when err was never
// normalized.
func CategoryOf(err error) Category {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	return CategoryUnknown
}

// Is reports whether err is a normalized error of category c.
func Is(err error, c Category) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Category == c
}

type options struct {
	category     Category
	statusCode   int
	providerCode string
	nonRetryable bool
}

// Option adds caller-side context to Normalize.
type Option func(*options)

// WithStatus sets the HTTP status, overriding any status found in the payload.
func WithStatus(code int) Option {
	return func(o *options) { o.statusCode = code }
}

// WithProviderCode records the vendor's own error code.
func WithProviderCode(code string) Option {
	return func(o *options) { o.providerCode = code }
}

// WithCategory fixes the category. Status and message are still recorded but
// no longer classified.
func WithCategory(c Category) Option {
	return func(o *options) { o.category = c }
}

// NonRetryable forces Retryable to false regardless of category.
func NonRetryable() Option {
	return func(o *options) { o.nonRetryable = true }
}

var patterns = []struct {
	category Category
	re       *regexp.Regexp
}{
	{CategoryAuth, regexp.MustCompile(`(?i)unauthori[sz]ed|invalid[ _-]?(credential|token|password|passwd|sign|signature|api[ _-]?key|app[ _-]?(id|secret)|user(name)?|account|login)|wrong[ _-]?(sign|password|credential|account)|(token|session|login)[ _-]?(has[ _-]?)?(expired|invalid)|expired|not[ _-]?exist|authenticat(e|ion)[ _-]?fail|login[ _-]?fail|incorrect[ _-]?(password|username|account)|must[ _-]?relogin|no cookies`)},
	{CategoryRateLimit, regexp.MustCompile(`(?i)rate[ _-]?limit|too many requests|too frequent|frequen(cy|tly)|quota|throttl|request limit`)},
	{CategoryTimeout, regexp.MustCompile(`(?i)time[d]?[ _-]?out|deadline exceeded|etimedout|esockettimedout|aborted`)},
	{CategoryPermission, regexp.MustCompile(`(?i)permission|forbidden|not allowed|access denied|no access|not authori[sz]ed|no right|entitlement|scope|not enabled|blocked`)},
	{CategoryNotFound, regexp.MustCompile(`(?i)not found|no such (station|plant|device|resource|site)|no record`)},
	{CategoryParse, regexp.MustCompile(`(?i)json|unexpected token|invalid character|unexpected end|cannot unmarshal|parse|syntax error|<!doctype|<html|\bhtml\b`)},
	{CategoryProviderDown, regexp.MustCompile(`(?i)econnrefused|econnreset|enotfound|connection (refused|reset|closed)|no such host|\bdns\b|network|\btls\b|certificate|x509|\beof\b|service unavailable|bad gateway|unreachable|socket hang up|server error|maintenance`)},
}

// FromStatus maps an HTTP status to a category. The second result is false
// when the status alone says nothing.
func FromStatus(code int) (Category, bool) {
	switch {
	case code == 401 || code == 403:
		return CategoryAuth, true
	case code == 404:
		return CategoryNotFound, true
	case code == 429:
		return CategoryRateLimit, true
	case code >= 500 && code <= 599:
		return CategoryProviderDown, true
	}
	return "", false
}

// Classify maps a free-form message to a category, UNKNOWN when nothing
// matches.
func Classify(message string) Category {
	for _, p := range patterns {
		if p.re.MatchString(message) {
			return p.category
		}
	}
	return CategoryUnknown
}

// Normalize turns any raw failure into an *Error. raw may be an error, a
// string, an HTTP status (int), a JSON payload ([]byte) or a decoded JSON
// object (map[string]any). Already-normalized errors are returned unchanged.
func Normalize(raw any, provider string, opts ...Option) *Error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err, ok := raw.(error); ok {
		var pe *Error
		if errors.As(err, &pe) {
			return pe
		}
	}

	var (
		message      string
		statusCode   int
		providerCode string
		cause        error
		typed        Category
	)
	switch v := raw.(type) {
	case nil:
		message = "unknown error"
	case error:
		cause = v
		message = v.Error()
		typed = classifyTyped(v)
	case string:
		message = v
	case int:
		statusCode = v
		message = "HTTP " + strconv.Itoa(v)
	case []byte:
		message, statusCode, providerCode = fromPayload(gjson.ParseBytes(v), string(v))
	case map[string]any:
		message, statusCode, providerCode = fromMap(v)
	default:
		message = fmt.Sprint(v)
	}

	if o.statusCode != 0 {
		statusCode = o.statusCode
	}
	if o.providerCode != "" {
		providerCode = o.providerCode
	}
	if message == "" {
		message = "unknown error"
	}

	category := o.category
	if category == "" {
		if c, ok := FromStatus(statusCode); ok {
			category = c
		} else {
			category = typed
		}
	}
	if category == "" {
		category = Classify(message)
	}

	return &Error{
		Category:     category,
		Provider:     provider,
		StatusCode:   statusCode,
		ProviderCode: providerCode,
		Message:      message,
		Retryable:    category.Retryable() && !o.nonRetryable,
		cause:        cause,
	}
}

func classifyTyped(err error) Category {
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CategoryTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CategoryProviderDown
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return CategoryProviderDown
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CategoryProviderDown
	}
	return ""
}

var messageFields = []string{"message", "msg", "error", "error_msg", "errorMessage", "errmsg"}

func fromPayload(r gjson.Result, fallback string) (message string, status int, code string) {
	if !r.IsObject() {
		return strings.TrimSpace(fallback), 0, ""
	}
	for _, f := range messageFields {
		v := r.Get(f)
		if v.Exists() && v.String() != "" {
			message = v.String()
			if v.IsObject() {
				message, _, _ = fromPayload(v, v.Raw)
			}
			break
		}
	}
	for _, f := range []string{"status", "statusCode"} {
		v := r.Get(f)
		if v.Type == gjson.Number && v.Int() >= 100 && v.Int() <= 599 {
			status = int(v.Int())
			break
		}
	}
	for _, f := range []string{"code", "errno", "failCode", "errorCode"} {
		if v := r.Get(f); v.Exists() {
			code = v.String()
			break
		}
	}
	if message == "" {
		message = strings.TrimSpace(fallback)
	}
	return message, status, code
}

func fromMap(m map[string]any) (message string, status int, code string) {
	for _, f := range messageFields {
		switch v := m[f].(type) {
		case string:
			message = v
		case error:
			message = v.Error()
		case map[string]any:
			message, _, _ = fromMap(v)
		}
		if message != "" {
			break
		}
	}
	for _, f := range []string{"status", "statusCode"} {
		if n, ok := asInt(m[f]); ok && n >= 100 && n <= 599 {
			status = n
			break
		}
	}
	for _, f := range []string{"code", "errno", "failCode", "errorCode"} {
		if v, ok := m[f]; ok && v != nil {
			code = fmt.Sprint(v)
			break
		}
	}
	return message, status, code
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
