package acquire

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/italolelis/video_acquirer/internal/cooldown"
	"github.com/italolelis/video_acquirer/internal/failure"
	"github.com/italolelis/video_acquirer/internal/identity"
	"github.com/italolelis/video_acquirer/internal/logctx"
	"github.com/italolelis/video_acquirer/internal/telemetry"
)

// IdentityPool is the part of identity.Pool the orchestrator drives.
type IdentityPool interface {
	Select(exclude ...string) (identity.Identity, error)
	RecordSuccess(ctx context.Context, name string) error
	RecordFailure(ctx context.Context, name string) (bool, error)
	MarkVerified(ctx context.Context, name string) error
	Size() int
}

type Option func(*Orchestrator)

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *Orchestrator) {
		o.telemetry = tel
	}
}

// WithCooldown shares rate limit windows through gate. Without it every
// acquisition only waits out its own backoff.
func WithCooldown(gate cooldown.Gate) Option {
	return func(o *Orchestrator) {
		o.cooldown = gate
	}
}

// WithSleep replaces the backoff sleep. fn must return ctx.Err() when ctx is
// done before d elapses.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = fn
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator runs strategies in priority order, classifying each failure
// and deciding whether to retry, rotate identity, escalate or stop. It keeps
// no per-request state and is safe for concurrent Acquire calls.
type Orchestrator struct {
	strategies []Strategy
	pool       IdentityPool
	policy     Policy

	telemetry *telemetry.Telemetry
	cooldown  cooldown.Gate
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

func NewOrchestrator(strategies []Strategy, pool IdentityPool, policy Policy, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		strategies: strategies,
		pool:       pool,
		policy:     policy,
		sleep:      sleepContext,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// run is the state of one acquisition.
type run struct {
	req      Request
	log      attemptLog
	lastKind failure.Kind
	// ageGated is set once any attempt in the request was AgeRestricted, so
	// the identity that finally succeeds is marked verified.
	ageGated bool
}

// Acquire blocks until req succeeds, is exhausted or ctx is cancelled.
func (o *Orchestrator) Acquire(ctx context.Context, req Request) Result {
	ctx = logctx.WithAcquisitionID(ctx, req.ID())
	ctx, end := o.telemetry.StartAcquisition(ctx)

	defer end()

	logger := logctx.LoggerFromContext(ctx)
	logger.Info("acquisition started", "url", req.URL(), "target", req.Destination(), "max_attempts", req.MaxAttempts())

	start := o.now()
	r := &run{req: req}

	result := o.acquire(ctx, r)
	result.AttemptsMade = r.log.len()

	status := outcomeFailure
	if result.Success {
		status = outcomeSuccess
	}

	o.telemetry.RecordAcquisition(status, string(result.ErrorKind), result.AttemptsMade, o.now().Sub(start))

	if result.Success {
		logger.Info("acquisition succeeded",
			"strategy", result.StrategyUsed, "attempts", result.AttemptsMade, "path", result.Path, "history", &r.log)
	} else {
		logger.Warn("acquisition failed",
			"error_kind", result.ErrorKind, "attempts", result.AttemptsMade, "history", &r.log)
	}

	return result
}

func (o *Orchestrator) acquire(ctx context.Context, r *run) Result {
	idx := 0

	for idx < len(o.strategies) {
		next, res, done := o.runStrategy(ctx, r, idx)
		if done {
			return res
		}

		idx = next
	}

	return o.exhausted(r)
}

// runStrategy drives one strategy until it succeeds, ends the request or
// escalates. It returns the index of the next strategy to try.
func (o *Orchestrator) runStrategy(ctx context.Context, r *run, idx int) (int, Result, bool) {
	s := o.strategies[idx]
	logger := logctx.LoggerFromContext(ctx).With("strategy", s.Name())

	bo := o.policy.newBackOff()

	var (
		tried          []string
		transient      int
		unknown        int
		identityFailed bool
	)

	for {
		if ctx.Err() != nil {
			return 0, o.cancelled(), true
		}

		if r.log.len() >= r.req.MaxAttempts() {
			return 0, o.exhausted(r), true
		}

		var id *identity.Identity

		if s.UsesIdentity() {
			if o.pool == nil {
				o.noIdentity(r, identityFailed)
				logger.Warn("escalating, no identity pool configured")

				return idx + 1, Result{}, false
			}

			if len(tried) > 0 && len(tried) >= o.policy.rotationCap(o.pool.Size()) {
				logger.Info("escalating, identity rotation cap reached", "rotations", len(tried))

				return idx + 1, Result{}, false
			}

			selected, err := o.pool.Select(tried...)
			if err != nil {
				o.noIdentity(r, identityFailed)
				logger.Warn("escalating, no eligible identity", "tried", len(tried), "err", err)

				return idx + 1, Result{}, false
			}

			id = &selected
		}

		if err := o.waitCooldown(ctx, s); err != nil {
			return 0, o.cancelled(), true
		}

		kind, err := o.attempt(ctx, r, s, id)
		if err == nil {
			return 0, o.succeeded(ctx, r, s, id), true
		}

		if ctx.Err() != nil {
			return 0, o.cancelled(), true
		}

		r.lastKind = kind

		attemptLogger := logger
		if id != nil {
			attemptLogger = attemptLogger.With("identity", id.Name)
		}

		attemptLogger.Warn("attempt failed", "attempt", r.log.len(), "error_kind", kind, "err", err)

		switch kind {
		case failure.NotFound:
			return 0, Result{ErrorKind: failure.NotFound}, true

		case failure.AgeRestricted, failure.AuthExpired:
			if kind == failure.AgeRestricted {
				r.ageGated = true
			}

			if id == nil {
				if kind == failure.AgeRestricted {
					next := o.nextIdentityStrategy(idx)
					logger.Info("age restricted, skipping to identity strategy", "next", o.strategyName(next))

					return next, Result{}, false
				}

				return idx + 1, Result{}, false
			}

			identityFailed = true
			tried = append(tried, id.Name)
			o.recordIdentityFailure(ctx, id.Name)

		case failure.NetworkTimeout, failure.RateLimited:
			// an escalating request leaves the shared cooldown alone
			if transient >= o.policy.TransientRetries {
				logger.Info("escalating, transient retries exhausted", "retries", transient)

				return idx + 1, Result{}, false
			}

			transient++
			delay := bo.NextBackOff()

			if kind == failure.RateLimited {
				o.tripCooldown(ctx, s, delay)
			}

			// a rate limit delay is served by the cooldown wait before the next attempt
			if kind == failure.RateLimited && o.cooldown != nil {
				continue
			}

			o.telemetry.RecordBackoff(s.Name(), delay)
			logger.Debug("backing off", "delay", delay, "retry", transient)

			if err := o.sleep(ctx, delay); err != nil {
				return 0, o.cancelled(), true
			}

		default:
			if unknown >= o.policy.UnknownRetries {
				return idx + 1, Result{}, false
			}

			unknown++
		}
	}
}

// attempt runs one Fetch under its own timeout and classifies the outcome.
func (o *Orchestrator) attempt(ctx context.Context, r *run, s Strategy, id *identity.Identity) (failure.Kind, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.req.PerAttemptTimeout())
	defer cancel()

	start := o.now()

	err := o.telemetry.InstrumentAttempt(attemptCtx, s.Name(), func(ctx context.Context) error {
		if err := s.Fetch(ctx, r.req, id); err != nil {
			return err
		}

		return verifyDestination(s.Name(), r.req.Destination())
	})

	record := AttemptRecord{
		Strategy: s.Name(),
		Outcome:  outcomeSuccess,
		At:       start,
		Duration: o.now().Sub(start),
	}

	if id != nil {
		record.Identity = id.Name
	}

	if err != nil {
		record.Outcome = outcomeFailure
		record.Kind = failure.ClassifyError(err)
	}

	r.log.add(record)
	o.telemetry.RecordAttempt(record.Strategy, record.Outcome, string(record.Kind), record.Duration)

	return record.Kind, err
}

func (o *Orchestrator) succeeded(ctx context.Context, r *run, s Strategy, id *identity.Identity) Result {
	logger := logctx.LoggerFromContext(ctx)

	if id != nil {
		if err := o.pool.RecordSuccess(ctx, id.Name); err != nil {
			logger.Error("failed to record identity success", "identity", id.Name, "err", err)
		}

		if r.ageGated {
			if err := o.pool.MarkVerified(ctx, id.Name); err != nil {
				logger.Error("failed to mark identity verified", "identity", id.Name, "err", err)
			}
		}

		o.telemetry.RecordIdentityOutcome(outcomeSuccess)
	}

	return Result{
		Success:      true,
		Path:         r.req.Destination(),
		StrategyUsed: s.Name(),
	}
}

func (o *Orchestrator) recordIdentityFailure(ctx context.Context, name string) {
	o.telemetry.RecordIdentityOutcome(outcomeFailure)

	excluded, err := o.pool.RecordFailure(ctx, name)
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to record identity failure", "identity", name, "err", err)

		return
	}

	if excluded {
		o.telemetry.RecordIdentityExclusion()
	}
}

// noIdentity records PoolExhausted unless an identity already failed in this
// strategy, in which case the identity failure is the more useful kind.
func (o *Orchestrator) noIdentity(r *run, identityFailed bool) {
	if !identityFailed {
		r.lastKind = failure.PoolExhausted
	}
}

func (o *Orchestrator) exhausted(r *run) Result {
	kind := r.lastKind
	if kind == "" {
		kind = failure.Unknown
	}

	return Result{ErrorKind: kind}
}

func (o *Orchestrator) cancelled() Result {
	return Result{ErrorKind: failure.Cancelled}
}

func (o *Orchestrator) nextIdentityStrategy(idx int) int {
	for i := idx + 1; i < len(o.strategies); i++ {
		if o.strategies[i].UsesIdentity() {
			return i
		}
	}

	return len(o.strategies)
}

func (o *Orchestrator) strategyName(idx int) string {
	if idx >= len(o.strategies) {
		return "none"
	}

	return o.strategies[idx].Name()
}

func cooldownKey(s Strategy) string {
	return "ratelimit:" + s.Name()
}

// waitCooldown blocks while the strategy's shared rate limit window is
// closed. Gate errors open the gate.
func (o *Orchestrator) waitCooldown(ctx context.Context, s Strategy) error {
	if o.cooldown == nil {
		return nil
	}

	left, err := o.cooldown.Remaining(ctx, cooldownKey(s))
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to read cooldown", "strategy", s.Name(), "err", err)

		return nil
	}

	if left <= 0 {
		return nil
	}

	logctx.LoggerFromContext(ctx).Debug("waiting for rate limit cooldown", "strategy", s.Name(), "delay", left)
	o.telemetry.RecordBackoff(s.Name(), left)

	return o.sleep(ctx, left)
}

func (o *Orchestrator) tripCooldown(ctx context.Context, s Strategy, d time.Duration) {
	if o.cooldown == nil {
		return
	}

	if err := o.cooldown.Trip(ctx, cooldownKey(s), d); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to trip cooldown", "strategy", s.Name(), "err", err)
	}
}

// verifyDestination makes a reported success mean a non-empty file exists.
func verifyDestination(strategy, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &failure.Error{Strategy: strategy, Operation: "verify", Message: "destination file missing after fetch", Err: err}
		}

		return failure.Wrap(strategy, "verify", err)
	}

	if info.Size() == 0 {
		return &failure.Error{Strategy: strategy, Operation: "verify", Message: fmt.Sprintf("destination file %s is empty", path)}
	}

	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
