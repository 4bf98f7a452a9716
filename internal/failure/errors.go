package failure

import "fmt"

// Error is the raw failure signal a strategy returns. It keeps enough of the
// transport response (status code, stderr or body text) for Classify to tell
// the kinds apart.
type Error struct {
	Strategy   string // Strategy that produced the failure (e.g., "remote-service")
	Operation  string // Step that failed (e.g., "request", "exec", "stream")
	StatusCode int    // HTTP status, 0 when not applicable
	ExitCode   int    // Process exit status, 0 when not applicable
	Message    string // Response body, stderr line or transport message
	Timeout    bool   // Set when the transport reported a timeout
	Err        error  // Underlying error, if any
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s failed (status %d): %s", e.Strategy, e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("%s: %s failed: %s", e.Strategy, e.Operation, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap builds an Error from a transport error, using its text as message.
func Wrap(strategy, operation string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	return &Error{
		Strategy:  strategy,
		Operation: operation,
		Message:   msg,
		Err:       err,
	}
}
