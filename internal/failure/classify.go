package failure

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"syscall"
)

// Signal is the raw input to Classify: message text and transport status.
type Signal struct {
	Message    string
	StatusCode int
	Timeout    bool
	// ToolMissing is set when the program that performs the fetch could not
	// be started, so the message says nothing about the video.
	ToolMissing bool
}

// exit status of a shell that could not find the command
const commandNotFoundExitCode = 127

// Patterns are matched against the lowercased message with typographic
// apostrophes folded to ASCII.
var (
	ageRestrictedPatterns = []string{
		"confirm your age",
		"age-restricted",
		"age restricted",
		"age-gated",
		"age verification",
		"verify your age",
		"inappropriate for some users",
		"confirm your identity",
		"identity verification",
	}

	authExpiredPatterns = []string{
		"sign in to confirm you're not a bot",
		"confirm you're not a bot",
		"login required",
		"log in required",
		"sign in required",
		"cookies are no longer valid",
		"cookies have expired",
		"session expired",
		"session has expired",
		"invalid session",
		"not logged in",
		"authentication required",
		"unauthorized",
	}

	timeoutPatterns = []string{
		"timed out",
		"timeout",
		"deadline exceeded",
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"temporary failure in name resolution",
	}

	rateLimitPatterns = []string{
		"http error 429",
		"too many requests",
		"rate limit",
		"rate-limit",
		"ratelimit",
		"throttl",
		"quota exceeded",
	}

	toolMissingPatterns = []string{
		"command not found",
		"executable file not found",
	}

	notFoundPatterns = []string{
		"video unavailable",
		"this video is unavailable",
		"video not found",
		"video does not exist",
		"video has been removed",
		"video is no longer available",
		"video is not available",
		"private video",
		"account associated with this video has been terminated",
		"http error 404",
		"http error 410",
	}
)

// Classify maps a raw failure signal to exactly one Kind. It is pure: the
// same signal always yields the same kind, and Unknown is the default.
// A missing fetch tool is Unknown whatever else the message says.
func Classify(s Signal) Kind {
	msg := normalize(s.Message)

	switch {
	case s.ToolMissing || containsAny(msg, toolMissingPatterns):
		return Unknown
	case containsAny(msg, ageRestrictedPatterns):
		return AgeRestricted
	case s.StatusCode == http.StatusUnauthorized || containsAny(msg, authExpiredPatterns):
		return AuthExpired
	case s.Timeout || s.StatusCode == http.StatusGatewayTimeout || s.StatusCode == http.StatusRequestTimeout ||
		containsAny(msg, timeoutPatterns):
		return NetworkTimeout
	case s.StatusCode == http.StatusTooManyRequests || containsAny(msg, rateLimitPatterns):
		return RateLimited
	case s.StatusCode == http.StatusNotFound || s.StatusCode == http.StatusGone || containsAny(msg, notFoundPatterns):
		return NotFound
	default:
		return Unknown
	}
}

// SignalFrom extracts a classification signal from an error chain.
func SignalFrom(err error) Signal {
	if err == nil {
		return Signal{}
	}

	s := Signal{Message: err.Error()}

	var fe *Error
	if errors.As(err, &fe) {
		s.StatusCode = fe.StatusCode
		s.Timeout = fe.Timeout
		s.ToolMissing = fe.ExitCode == commandNotFoundExitCode

		if fe.Message != "" {
			s.Message = fe.Message
		}
	}

	if isTimeout(err) {
		s.Timeout = true
	}

	if errors.Is(err, exec.ErrNotFound) {
		s.ToolMissing = true
	}

	return s
}

// ClassifyError is shorthand for Classify(SignalFrom(err)).
func ClassifyError(err error) Kind {
	return Classify(SignalFrom(err))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

func normalize(msg string) string {
	msg = strings.ToLower(msg)

	return strings.NewReplacer("’", "'", "‘", "'").Replace(msg)
}

func containsAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}
