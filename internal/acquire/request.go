package acquire

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ValidationError reports an invalid acquisition request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// Request is an immutable acquisition request. Build it with NewRequest.
type Request struct {
	id                string
	url               string
	destination       string
	maxAttempts       int
	perAttemptTimeout time.Duration
}

// NewRequest validates its arguments and returns a request with a fresh
// acquisition ID.
func NewRequest(url, destination string, maxAttempts int, perAttemptTimeout time.Duration) (Request, error) {
	url = strings.TrimSpace(url)

	switch {
	case url == "":
		return Request{}, &ValidationError{Field: "url", Reason: "must not be empty"}
	case strings.TrimSpace(destination) == "":
		return Request{}, &ValidationError{Field: "destinationPath", Reason: "must not be empty"}
	case maxAttempts < 1:
		return Request{}, &ValidationError{Field: "maxAttempts", Reason: "must be at least 1"}
	case perAttemptTimeout <= 0:
		return Request{}, &ValidationError{Field: "perAttemptTimeout", Reason: "must be positive"}
	}

	return Request{
		id:                uuid.NewString(),
		url:               url,
		destination:       destination,
		maxAttempts:       maxAttempts,
		perAttemptTimeout: perAttemptTimeout,
	}, nil
}

// ID is the acquisition ID carried in every log line of the request.
func (r Request) ID() string { return r.id }

func (r Request) URL() string { return r.url }

func (r Request) Destination() string { return r.destination }

func (r Request) MaxAttempts() int { return r.maxAttempts }

func (r Request) PerAttemptTimeout() time.Duration { return r.perAttemptTimeout }
