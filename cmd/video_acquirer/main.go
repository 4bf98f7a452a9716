package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/video_acquirer/internal/acquire"
	"github.com/italolelis/video_acquirer/internal/cleanup"
	"github.com/italolelis/video_acquirer/internal/config"
	"github.com/italolelis/video_acquirer/internal/cooldown"
	"github.com/italolelis/video_acquirer/internal/downloader"
	"github.com/italolelis/video_acquirer/internal/identity"
	"github.com/italolelis/video_acquirer/internal/logctx"
	"github.com/italolelis/video_acquirer/internal/notifier"
	"github.com/italolelis/video_acquirer/internal/storage/sqlite"
	"github.com/italolelis/video_acquirer/internal/strategy/delegated"
	"github.com/italolelis/video_acquirer/internal/strategy/local"
	"github.com/italolelis/video_acquirer/internal/strategy/remote"
	"github.com/italolelis/video_acquirer/internal/telemetry"
	"github.com/italolelis/video_acquirer/internal/ytdlp"
	"github.com/lmittmann/tint"
)

const shutdownTimeout = 5 * time.Second

var version = "dev"

// errAcquisitionFailed is returned when at least one URL could not be
// acquired. Results have already been printed by then.
var errAcquisitionFailed = errors.New("acquisition failed")

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <acquire|reset|identities> [flags]\n", filepath.Base(os.Args[0]))
	fmt.Fprintf(os.Stderr, "  acquire <url>...     Acquire videos into TARGET_DIR and print one JSON result per URL\n")
	fmt.Fprintf(os.Stderr, "  reset <identity>...  Make excluded identities eligible again after re-provisioning\n")
	fmt.Fprintf(os.Stderr, "  identities           Print identity pool health as JSON\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ctx = logctx.WithLogger(ctx, logger)

	switch os.Args[1] {
	case "acquire":
		err = runAcquire(ctx, cfg, os.Args[2:])
	case "reset":
		err = runReset(ctx, cfg, os.Args[2:])
	case "identities":
		err = runIdentities(ctx, cfg, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		if !errors.Is(err, errAcquisitionFailed) {
			slog.Error("fatal error", "err", err)
		}

		os.Exit(1)
	}
}

// newLogger logs to stderr so stdout only carries command output.
func newLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	if strings.EqualFold(cfg.LogFormat, "text") {
		h = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      cfg.SlogLevel(),
			TimeFormat: time.RFC3339,
		})
	} else {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	}

	return slog.New(logctx.NewTraceHandler(h))
}

func runAcquire(ctx context.Context, cfg *config.Config, args []string) error {
	logger := logctx.LoggerFromContext(ctx)

	fs := flag.NewFlagSet("acquire", flag.ExitOnError)
	dest := fs.String("dest", "", "Destination path (single URL only; default: TARGET_DIR/<video id>.mp4)")
	maxAttempts := fs.Int("max-attempts", cfg.Request.MaxAttempts, "Total attempt budget per URL")
	perAttempt := fs.Duration("timeout", cfg.Request.PerAttemptTimeout, "Timeout of a single attempt")
	_ = fs.Parse(args)

	urls := fs.Args()
	if len(urls) == 0 {
		return errors.New("acquire needs at least one URL")
	}

	if *dest != "" && len(urls) > 1 {
		return errors.New("-dest can only be used with a single URL")
	}

	reqs := make([]acquire.Request, 0, len(urls))

	for _, u := range urls {
		path := *dest
		if path == "" {
			path = destinationFor(cfg.TargetDir, u)
		}

		req, err := acquire.NewRequest(u, path, *maxAttempts, *perAttempt)
		if err != nil {
			return fmt.Errorf("invalid request for %s: %w", u, err)
		}

		reqs = append(reqs, req)
	}

	// =========================================================================
	// Start Telemetry
	tel, err := setupTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(ctx, tel)

	// =========================================================================
	// Start Identity Pool
	var alerter *notifier.IdentityAlerter
	if cfg.DiscordWebhookURL != "" {
		alerter = notifier.NewIdentityAlerter(ctx, &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL})
		defer alerter.Wait()
	}

	pool, closeDB, err := setupPool(ctx, cfg, tel, alerter)
	if err != nil {
		return err
	}
	defer closeDB()

	// =========================================================================
	// Start Cooldown
	gate, closeGate := setupCooldown(ctx, cfg)
	defer closeGate()

	// =========================================================================
	// Start Strategies
	strategies, err := buildStrategies(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build strategies: %w", err)
	}

	orchestrator := acquire.NewOrchestrator(strategies, pool, buildPolicy(cfg),
		acquire.WithTelemetry(tel),
		acquire.WithCooldown(gate),
	)

	// =========================================================================
	// Start Cleanup
	if removed, err := cleanup.DeleteStalePartials(ctx, cfg.TargetDir, cfg.KeepPartialFor); err != nil {
		logger.Error("failed to delete stale partial files", "err", err)
	} else if removed > 0 {
		logger.Info("deleted stale partial files", "count", removed)
	}

	// =========================================================================
	// Start Acquisition
	logger.Info("video acquirer starting...",
		"version", version,
		"urls", len(reqs),
		"strategies", len(strategies),
		"identities", pool.Size(),
		"max_parallel", cfg.MaxParallel,
	)

	results := downloader.NewBatch(orchestrator, cfg.MaxParallel).AcquireAll(ctx, reqs)

	enc := json.NewEncoder(os.Stdout)
	failed := 0

	for _, res := range results {
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}

		if !res.Success {
			failed++
		}
	}

	if failed > 0 {
		logger.Warn("some acquisitions failed", "failed", failed, "total", len(results))

		return errAcquisitionFailed
	}

	return nil
}

func runReset(ctx context.Context, cfg *config.Config, args []string) error {
	logger := logctx.LoggerFromContext(ctx)

	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	_ = fs.Parse(args)

	names := fs.Args()
	if len(names) == 0 {
		return errors.New("reset needs at least one identity name")
	}

	pool, closeDB, err := setupPool(ctx, cfg, nil, nil)
	if err != nil {
		return err
	}
	defer closeDB()

	for _, name := range names {
		if err := pool.Reset(ctx, name); err != nil {
			return fmt.Errorf("failed to reset identity: %w", err)
		}

		logger.Info("identity reset", "identity", name)
	}

	return nil
}

type identityView struct {
	Name                string     `json:"name"`
	Eligible            bool       `json:"eligible"`
	Verified            bool       `json:"verified"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastSuccess         *time.Time `json:"lastSuccess"`
}

func runIdentities(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("identities", flag.ExitOnError)
	_ = fs.Parse(args)

	pool, closeDB, err := setupPool(ctx, cfg, nil, nil)
	if err != nil {
		return err
	}
	defer closeDB()

	snapshot := pool.Snapshot()
	views := make([]identityView, 0, len(snapshot))

	for _, id := range snapshot {
		v := identityView{
			Name:                id.Name,
			Eligible:            id.ConsecutiveFailures < pool.Threshold(),
			Verified:            id.Verified,
			ConsecutiveFailures: id.ConsecutiveFailures,
		}

		if !id.LastSuccess.IsZero() {
			ts := id.LastSuccess.UTC()
			v.LastSuccess = &ts
		}

		views = append(views, v)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(views)
}

func setupTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	return tel, nil
}

func shutdownTelemetry(ctx context.Context, tel *telemetry.Telemetry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := tel.Shutdown(ctx); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to shutdown telemetry", "err", err)
	}
}

// setupPool opens the health database and loads the identity pool from the
// identity directory. alerter may be nil.
func setupPool(
	ctx context.Context,
	cfg *config.Config,
	tel *telemetry.Telemetry,
	alerter *notifier.IdentityAlerter,
) (*identity.Pool, func(), error) {
	logger := logctx.LoggerFromContext(ctx)

	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open identity database: %w", err)
	}

	closeDB := func() {
		if err := database.Close(); err != nil {
			logger.Error("failed to close identity database", "err", err)
		}
	}

	opts := []identity.Option{
		identity.WithRepository(sqlite.NewInstrumentedIdentityHealthRepository(database, tel)),
	}

	if alerter != nil {
		opts = append(opts, identity.WithOnExcluded(alerter.Excluded))
	}

	pool := identity.NewPool(cfg.Identity.FailureThreshold, opts...)

	if err := pool.Load(ctx, identity.NewDirStore(cfg.Identity.Dir)); err != nil {
		closeDB()

		return nil, nil, err
	}

	return pool, closeDB, nil
}

// setupCooldown shares rate limit windows through Redis when configured.
// An unreachable Redis degrades to a cooldown local to this process.
func setupCooldown(ctx context.Context, cfg *config.Config) (cooldown.Gate, func()) {
	logger := logctx.LoggerFromContext(ctx)

	if cfg.RedisURL == "" {
		return cooldown.NewMemory(), func() {}
	}

	gate, err := cooldown.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn("redis unavailable, using in-process cooldown", "err", err)

		return cooldown.NewMemory(), func() {}
	}

	return gate, func() {
		if err := gate.Close(); err != nil {
			logger.Error("failed to close redis", "err", err)
		}
	}
}

// buildStrategies returns the configured strategies in priority order. The
// local strategy is always present since it is the only one that can use an
// identity.
func buildStrategies(ctx context.Context, cfg *config.Config) ([]acquire.Strategy, error) {
	logger := logctx.LoggerFromContext(ctx)

	var strategies []acquire.Strategy

	if cfg.Remote.Endpoint != "" {
		strategies = append(strategies, remote.New(remote.Config{
			Endpoint:          cfg.Remote.Endpoint,
			Token:             cfg.Remote.Token,
			RequestsPerSecond: cfg.Remote.RequestsPerSecond,
		}))
	} else {
		logger.Debug("remote service not configured, skipping strategy", "strategy", remote.Name)
	}

	if cfg.Delegated.Host != "" {
		exec, err := delegated.NewSSHExecutor(ctx, delegated.SSHConfig{
			Host:           cfg.Delegated.Host,
			User:           cfg.Delegated.User,
			KeyPath:        cfg.Delegated.KeyPath,
			KnownHostsPath: cfg.Delegated.KnownHostsPath,
			DialTimeout:    cfg.Delegated.DialTimeout,
		})
		if err != nil {
			return nil, err
		}

		strategies = append(strategies, delegated.New(exec, delegated.Config{
			RemoteDir:  cfg.Delegated.RemoteDir,
			YtdlpPath:  cfg.Delegated.YtdlpPath,
			FFmpegPath: cfg.Delegated.FFmpegPath,
		}))
	} else {
		logger.Debug("delegated host not configured, skipping strategy", "strategy", delegated.Name)
	}

	strategies = append(strategies, local.New(local.ExecRunner{}, local.Config{
		YtdlpPath:  cfg.Local.YtdlpPath,
		FFmpegPath: cfg.Local.FFmpegPath,
	}))

	return strategies, nil
}

func buildPolicy(cfg *config.Config) acquire.Policy {
	return acquire.Policy{
		TransientRetries:  cfg.Retry.TransientRetries,
		UnknownRetries:    cfg.Retry.UnknownRetries,
		IdentityRotations: cfg.Retry.IdentityRotations,
		BackoffBase:       cfg.Retry.BackoffBase,
		BackoffMax:        cfg.Retry.BackoffMax,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		Jitter:            cfg.Retry.Jitter,
	}
}

// destinationFor names YouTube downloads after their video ID so repeated
// requests land on the same file.
func destinationFor(targetDir, url string) string {
	name, ok := ytdlp.VideoID(url)
	if !ok {
		name = uuid.NewString()
	}

	return filepath.Join(targetDir, name+"."+ytdlp.MergeOutputFormat)
}
