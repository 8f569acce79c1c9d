package opalmind

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Error kinds carried by ClientError. They are stable identifiers: callers
// branch on the kind, humans read the guidance.
const (
	ErrorKindNetwork     = "Network"
	ErrorKindTimeout     = "Timeout"
	ErrorKindAuth        = "Auth"
	ErrorKindPermission  = "Permission"
	ErrorKindRateLimit   = "RateLimit"
	ErrorKindValidation  = "Validation"
	ErrorKindServer      = "Server"
	ErrorKindParse       = "Parse"
	ErrorKindCircuitOpen = "CircuitOpen"
	ErrorKindConfig      = "Config"
)

// Sentinel errors for common failure scenarios
var (
	// ErrCircuitOpen is returned when the circuit breaker is in open state
	ErrCircuitOpen = errors.New("opalmind: circuit open")

	// ErrRateLimited is returned when the upstream signalled a hard quota limit
	ErrRateLimited = errors.New("opalmind: rate limited")

	// ErrQueueClosed is returned by Enqueue after the retry queue shut down
	ErrQueueClosed = errors.New("opalmind: retry queue closed")
)

// IsTransient determines if an error represents a transient failure that might
// succeed on retry. Returns true for network errors, timeouts, 5xx server
// responses, and rate limiting. Returns false for auth/permission/validation
// failures and malformed responses, where retrying cannot change the outcome.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited) {
		return true
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Kind {
		case ErrorKindNetwork, ErrorKindTimeout, ErrorKindServer, ErrorKindRateLimit, ErrorKindCircuitOpen:
			return true
		default:
			return false
		}
	}

	return false
}

// ClientError is the error type crossing every facade boundary. It carries a
// stable Kind, operator guidance, and request context with auth material
// already scrubbed.
type ClientError struct {
	Kind       string
	Message    string
	Guidance   string
	Cause      error
	StatusCode int
	Method     string
	URL        string
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
	Duration   time.Duration
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error kinds for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Kind == targetErr.Kind
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Kind: %s\n", e.Kind)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.Guidance != "" {
		info += fmt.Sprintf("Guidance: %s\n", e.Guidance)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// GuidanceFor returns the operator guidance attached to errors of a kind.
func GuidanceFor(kind string) string {
	switch kind {
	case ErrorKindNetwork:
		return "check connectivity to the analytics host; the call is retried automatically"
	case ErrorKindTimeout:
		return "the upstream did not answer within the configured timeout; consider raising WithTimeout"
	case ErrorKindAuth:
		return "the auth token was rejected; rotate the token in the instance settings"
	case ErrorKindPermission:
		return "the token lacks access to this site or report; grant view access upstream"
	case ErrorKindRateLimit:
		return "the upstream quota is exhausted; calls resume automatically after the advertised delay"
	case ErrorKindValidation:
		return "the request was rejected as malformed; retrying will not help, fix the parameters"
	case ErrorKindServer:
		return "the upstream failed internally; the call is retried automatically"
	case ErrorKindParse:
		return "the upstream answered with an unexpected payload; check the instance version"
	case ErrorKindCircuitOpen:
		return "too many recent failures; calls are short-circuited until the upstream recovers"
	default:
		return ""
	}
}

// upstreamErrorBody is the error envelope some analytics endpoints return
// with a 200 status. Shape-based classification catches these.
type upstreamErrorBody struct {
	Result  string `json:"result"`
	Message string `json:"message"`
}

// classifyStatus maps an HTTP status code to an error kind.
func classifyStatus(statusCode int) string {
	switch {
	case statusCode == 401:
		return ErrorKindAuth
	case statusCode == 403:
		return ErrorKindPermission
	case statusCode == 429:
		return ErrorKindRateLimit
	case statusCode >= 500:
		return ErrorKindServer
	case statusCode >= 400:
		return ErrorKindValidation
	default:
		return ""
	}
}

// classifyBody inspects a response body for the upstream error envelope.
// Returns the kind and the upstream message, or "" when the body is not an
// error envelope.
func classifyBody(body []byte) (string, string) {
	var envelope upstreamErrorBody
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", ""
	}
	if envelope.Result != "error" {
		return "", ""
	}

	msg := strings.ToLower(envelope.Message)
	switch {
	case strings.Contains(msg, "token_auth") || strings.Contains(msg, "authentication"):
		return ErrorKindAuth, scrubText(envelope.Message)
	case strings.Contains(msg, "access") || strings.Contains(msg, "permission"):
		return ErrorKindPermission, scrubText(envelope.Message)
	default:
		return ErrorKindValidation, scrubText(envelope.Message)
	}
}

// secretParams are query parameters that must never surface in errors or logs.
var secretParams = []string{"token_auth", "auth_token", "api_key", "apikey"}

// scrubURL redacts secret query parameters from a raw URL string.
func scrubURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable url>"
	}

	q := u.Query()
	changed := false
	for _, p := range secretParams {
		if q.Has(p) {
			q.Set(p, "redacted")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// scrubText redacts token values embedded in free-form upstream messages.
func scrubText(s string) string {
	for _, p := range secretParams {
		idx := strings.Index(s, p+"=")
		for idx >= 0 {
			start := idx + len(p) + 1
			end := start
			for end < len(s) && s[end] != '&' && s[end] != ' ' && s[end] != '"' {
				end++
			}
			s = s[:start] + "redacted" + s[end:]
			rest := strings.Index(s[start:], p+"=")
			if rest < 0 {
				break
			}
			idx = start + rest
		}
	}
	return s
}
