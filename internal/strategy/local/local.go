// Package local runs yt-dlp on this host with an identity's cookie jar. It
// is the only strategy that can fetch age-gated content.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/italolelis/video_acquirer/internal/acquire"
	"github.com/italolelis/video_acquirer/internal/downloader"
	"github.com/italolelis/video_acquirer/internal/failure"
	"github.com/italolelis/video_acquirer/internal/identity"
	"github.com/italolelis/video_acquirer/internal/logctx"
	"github.com/italolelis/video_acquirer/internal/ytdlp"
)

// Name identifies the strategy in results, logs and metrics.
const Name = "local-authenticated"

var _ acquire.Strategy = (*Strategy)(nil)

// Runner executes a program and returns its stderr.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stderr string, err error)
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stderr.String(), err
}

type Config struct {
	YtdlpPath  string
	FFmpegPath string
}

type Strategy struct {
	runner Runner
	cfg    Config
}

func New(runner Runner, cfg Config) *Strategy {
	if runner == nil {
		runner = ExecRunner{}
	}

	if cfg.YtdlpPath == "" {
		cfg.YtdlpPath = ytdlp.DefaultPath
	}

	return &Strategy{runner: runner, cfg: cfg}
}

func (s *Strategy) Name() string { return Name }

func (s *Strategy) UsesIdentity() bool { return true }

func (s *Strategy) Fetch(ctx context.Context, req acquire.Request, id *identity.Identity) error {
	if id == nil {
		return &failure.Error{Strategy: Name, Operation: "fetch", Message: "login required: no identity supplied"}
	}

	logger := logctx.LoggerFromContext(ctx).With("strategy", Name, "identity", id.Name)

	if _, err := os.Stat(id.CookiesPath); err != nil {
		return &failure.Error{
			Strategy:  Name,
			Operation: "cookies",
			Message:   fmt.Sprintf("cookies are no longer valid: %s", err),
			Err:       err,
		}
	}

	dest := req.Destination()

	// yt-dlp writes its own intermediate files next to the output
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return failure.Wrap(Name, "prepare", err)
	}

	args := ytdlp.Args(ytdlp.Options{
		URL:         req.URL(),
		Output:      dest,
		CookiesPath: id.CookiesPath,
		FFmpegPath:  s.cfg.FFmpegPath,
	})

	logger.Debug("running local download")

	stderr, err := s.runner.Run(ctx, s.cfg.YtdlpPath, args...)
	if err != nil {
		if ctx.Err() != nil {
			return &failure.Error{Strategy: Name, Operation: "exec", Message: ctx.Err().Error(), Timeout: true, Err: ctx.Err()}
		}

		msg := ytdlp.ErrorMessage(stderr)
		if msg == "" {
			msg = err.Error()
		}

		fe := &failure.Error{Strategy: Name, Operation: "exec", Message: msg, Err: err}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			fe.ExitCode = exitErr.ExitCode()
		}

		return fe
	}

	return materialize(dest)
}

// materialize accepts the output either at dest or at the merged name
// yt-dlp uses when it appended the container extension.
func materialize(dest string) error {
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		return nil
	}

	if _, err := downloader.Promote(ytdlp.MergedOutput(dest), dest); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &failure.Error{Strategy: Name, Operation: "materialize", Message: "yt-dlp reported success but produced no file", Err: err}
		}

		return failure.Wrap(Name, "materialize", err)
	}

	return nil
}
