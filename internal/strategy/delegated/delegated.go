// Package delegated runs the fetch on a separate host over a narrow
// command-in, bytes-out RPC and streams the resulting file back.
package delegated

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/video_acquirer/internal/acquire"
	"github.com/italolelis/video_acquirer/internal/downloader"
	"github.com/italolelis/video_acquirer/internal/failure"
	"github.com/italolelis/video_acquirer/internal/identity"
	"github.com/italolelis/video_acquirer/internal/logctx"
	"github.com/italolelis/video_acquirer/internal/ytdlp"
)

// Name identifies the strategy in results, logs and metrics.
const Name = "delegated-execution"

const (
	defaultRemoteDir = "/tmp"
	cleanupTimeout   = 30 * time.Second
	// exit status of coreutils timeout(1) when the command ran out of time
	timeoutExitCode = 124
)

var _ acquire.Strategy = (*Strategy)(nil)

type Config struct {
	// RemoteDir holds the temporary file on the delegated host.
	RemoteDir  string
	YtdlpPath  string
	FFmpegPath string
}

// Strategy runs yt-dlp on the delegated host, which uses whatever session
// and network reputation that host has.
type Strategy struct {
	exec Executor
	cfg  Config
}

func New(exec Executor, cfg Config) *Strategy {
	if cfg.RemoteDir == "" {
		cfg.RemoteDir = defaultRemoteDir
	}

	if cfg.YtdlpPath == "" {
		cfg.YtdlpPath = ytdlp.DefaultPath
	}

	return &Strategy{exec: exec, cfg: cfg}
}

func (s *Strategy) Name() string { return Name }

func (s *Strategy) UsesIdentity() bool { return false }

func (s *Strategy) Fetch(ctx context.Context, req acquire.Request, _ *identity.Identity) error {
	logger := logctx.LoggerFromContext(ctx).With("strategy", Name)

	remote := path.Join(s.cfg.RemoteDir, "video_acquirer-"+uuid.NewString()+".mp4")
	defer s.cleanup(ctx, remote)

	args := ytdlp.Args(ytdlp.Options{
		URL:        req.URL(),
		Output:     remote,
		FFmpegPath: s.cfg.FFmpegPath,
	})

	logger.Debug("running remote download", "remote_path", remote)

	if err := s.exec.Run(ctx, withTimeout(ctx, shellJoin(s.cfg.YtdlpPath, args...)), io.Discard); err != nil {
		return execFailure("exec", err)
	}

	// yt-dlp appends the merge extension when the template already had one
	catCmd := fmt.Sprintf("cat -- %s 2>/dev/null || cat -- %s", quote(remote), quote(ytdlp.MergedOutput(remote)))

	return s.retrieve(ctx, catCmd, req.Destination())
}

// retrieve pipes the remote file straight into the destination.
func (s *Strategy) retrieve(ctx context.Context, command, dest string) error {
	pr, pw := io.Pipe()

	runErr := make(chan error, 1)

	go func() {
		err := s.exec.Run(ctx, command, pw)
		_ = pw.CloseWithError(err)
		runErr <- err
	}()

	_, saveErr := downloader.Save(ctx, pr, dest, 0)
	_ = pr.Close()

	if err := <-runErr; err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return execFailure("retrieve", err)
	}

	if saveErr != nil {
		return failure.Wrap(Name, "retrieve", saveErr)
	}

	return nil
}

func (s *Strategy) cleanup(ctx context.Context, remote string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	cmd := "rm -f -- " + quote(remote) + " " + quote(ytdlp.MergedOutput(remote))
	if err := s.exec.Run(ctx, cmd, io.Discard); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to remove remote file", "remote_path", remote, "err", err)
	}
}

func execFailure(operation string, err error) error {
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		return failure.Wrap(Name, operation, err)
	}

	return &failure.Error{
		Strategy:  Name,
		Operation: operation,
		Message:   ytdlp.ErrorMessage(exitErr.Stderr),
		ExitCode:  exitErr.Code,
		Timeout:   exitErr.Code == timeoutExitCode,
		Err:       err,
	}
}

// withTimeout bounds the remote process by ctx's deadline so it does not
// outlive the attempt when the connection drops.
func withTimeout(ctx context.Context, command string) string {
	dl, ok := ctx.Deadline()
	if !ok {
		return command
	}

	secs := int(math.Ceil(time.Until(dl).Seconds()))
	if secs < 1 {
		secs = 1
	}

	return fmt.Sprintf("timeout %d %s", secs, command)
}

func shellJoin(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quote(name))

	for _, a := range args {
		parts = append(parts, quote(a))
	}

	return strings.Join(parts, " ")
}

// quote makes s a single POSIX shell word.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
