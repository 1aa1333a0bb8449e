package portal

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Callers branch with errors.Is; the adapter is the only
// place that decides retry eligibility.
var (
	// ErrSessionExpired means the portal no longer recognizes our cookies.
	// The session client makes one re-seed attempt before surfacing this.
	ErrSessionExpired = errors.New("portal session expired")

	// ErrTokenNotFound means a page that should carry the hidden CSRF input
	// did not. Either we are looking at an unauthenticated page or the
	// markup changed shape. Not retryable; needs manual investigation.
	ErrTokenNotFound = errors.New("csrf token not found in page")
)

// TransportError wraps a network-level failure (DNS, dial, timeout).
// The adapter retries these with backoff up to the configured bound.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NotFoundError reports that the requested resource does not exist on the
// portal side. Deterministic; never retried.
type NotFoundError struct {
	Type EntityType
	ID   string
	Name string
}

func (e *NotFoundError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("no profile named %q", e.Name)
	}
	return fmt.Sprintf("%s profile %s not found", e.Type, e.ID)
}

// AmbiguousError reports a name search that matched more than one profile.
// The caller must disambiguate; guessing is not an option. Mirrors the
// remote 409 and is never retried.
type AmbiguousError struct {
	Name    string
	Matches []Summary
}

func (e *AmbiguousError) Error() string {
	if e.Name == "" {
		return "portal reported an ambiguous result"
	}
	return fmt.Sprintf("ambiguous match: %d profiles named %q", len(e.Matches), e.Name)
}

// FieldError is a single server-side validation message tied to a form field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries the field-level messages scraped from a rejected
// form submission. Deterministic; never retried.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "submission rejected by portal validation"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "validation rejected: " + strings.Join(parts, "; ")
}

// maxBodySnippet bounds how much response body a StatusError carries.
const maxBodySnippet = 512

// StatusError is the catch-all for responses we do not model. It keeps the
// status and a truncated body snippet for diagnosis.
type StatusError struct {
	Status int
	URL    string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Status, e.URL)
}

// NewStatusError truncates body before storing it so a full HTML page never
// rides along inside an error value.
func NewStatusError(status int, url string, body []byte) *StatusError {
	snippet := string(body)
	if len(snippet) > maxBodySnippet {
		snippet = snippet[:maxBodySnippet]
	}
	return &StatusError{Status: status, URL: url, Body: snippet}
}

// Retryable reports whether err is worth another attempt. Only transport
// failures qualify; session expiry is handled separately (single re-seed)
// and all business-level failures are deterministic.
func Retryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
