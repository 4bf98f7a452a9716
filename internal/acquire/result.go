package acquire

import (
	"encoding/json"

	"github.com/italolelis/video_acquirer/internal/failure"
)

// Result is the only thing an acquisition surfaces to its caller.
type Result struct {
	Success      bool
	Path         string
	StrategyUsed string
	ErrorKind    failure.Kind
	AttemptsMade int
}

type resultJSON struct {
	Success      bool    `json:"success"`
	Path         *string `json:"path"`
	StrategyUsed *string `json:"strategyUsed"`
	ErrorKind    *string `json:"errorKind"`
	AttemptsMade int     `json:"attemptsMade"`
}

// MarshalJSON renders empty path, strategy and error kind as null.
func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Success:      r.Success,
		AttemptsMade: r.AttemptsMade,
		Path:         nullable(r.Path),
		StrategyUsed: nullable(r.StrategyUsed),
		ErrorKind:    nullable(string(r.ErrorKind)),
	}

	return json.Marshal(out)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
