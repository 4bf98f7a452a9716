package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/video_acquirer/internal/identity"
	"github.com/italolelis/video_acquirer/internal/logctx"
)

const alertTimeout = 15 * time.Second

// IdentityAlerter tells an operator that an identity needs re-provisioning.
type IdentityAlerter struct {
	notifier Notifier
	ctx      context.Context
	wg       sync.WaitGroup
}

// NewIdentityAlerter sends alerts through n. ctx carries the logger; alerts
// are not cancelled with it.
func NewIdentityAlerter(ctx context.Context, n Notifier) *IdentityAlerter {
	return &IdentityAlerter{notifier: n, ctx: context.WithoutCancel(ctx)}
}

// Excluded is meant as the identity pool's exclusion hook. The pool calls it
// outside its lock, so the alert is sent in the background.
func (a *IdentityAlerter) Excluded(id identity.Identity) {
	a.wg.Add(1)

	go func() {
		defer a.wg.Done()
		a.send(id)
	}()
}

// Wait blocks until every alert already handed to Excluded has been sent or
// has failed.
func (a *IdentityAlerter) Wait() {
	a.wg.Wait()
}

func (a *IdentityAlerter) send(id identity.Identity) {
	logger := logctx.LoggerFromContext(a.ctx).With("identity", id.Name)

	ctx, cancel := context.WithTimeout(a.ctx, alertTimeout)
	defer cancel()

	if err := a.notifier.Notify(ctx, FormatExclusion(id)); err != nil {
		logger.Error("failed to send identity alert", "err", err)

		return
	}

	logger.Info("identity alert sent")
}

// FormatExclusion renders the operator message for an excluded identity.
func FormatExclusion(id identity.Identity) string {
	last := "never"
	if !id.LastSuccess.IsZero() {
		last = id.LastSuccess.UTC().Format(time.RFC3339)
	}

	return fmt.Sprintf("⚠️ Identity **%s** excluded after %d consecutive failures (last success: %s). "+
		"Re-provision its session, then run `video_acquirer reset %s`.",
		id.Name, id.ConsecutiveFailures, last, id.Name)
}
