package acquire

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/italolelis/video_acquirer/internal/failure"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// AttemptRecord describes one finished attempt. Records are never mutated.
type AttemptRecord struct {
	Strategy string
	Identity string
	Outcome  string
	Kind     failure.Kind
	At       time.Time
	Duration time.Duration
}

// attemptLog is the per-request history. It lives only as long as the
// request and is not shared.
type attemptLog struct {
	records []AttemptRecord
}

func (l *attemptLog) add(r AttemptRecord) {
	l.records = append(l.records, r)
}

func (l *attemptLog) len() int {
	return len(l.records)
}

// LogValue summarizes the attempts as numbered "strategy[identity]:outcome" entries.
func (l *attemptLog) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(l.records))

	for i, r := range l.records {
		label := r.Strategy
		if r.Identity != "" {
			label += "[" + r.Identity + "]"
		}

		outcome := r.Outcome
		if r.Kind != "" {
			outcome = string(r.Kind)
		}

		attrs = append(attrs, slog.String(strconv.Itoa(i+1), label+":"+outcome))
	}

	return slog.GroupValue(attrs...)
}
