package local

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/italolelis/video_acquirer/internal/acquire"
	"github.com/italolelis/video_acquirer/internal/failure"
	"github.com/italolelis/video_acquirer/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner writes output to the path following --output and returns the
// configured stderr and error.
type fakeRunner struct {
	name    string
	args    []string
	output  string
	merged  bool
	stderr  string
	err     error
	onStart func(ctx context.Context)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.name = name
	f.args = args

	if f.onStart != nil {
		f.onStart(ctx)
	}

	if f.err != nil {
		return f.stderr, f.err
	}

	i := slices.Index(args, "--output")
	out := args[i+1]

	if f.merged {
		out += ".mp4"
	}

	if f.output != "" {
		if err := os.WriteFile(out, []byte(f.output), 0o600); err != nil {
			return "", err
		}
	}

	return f.stderr, nil
}

func setup(t *testing.T) (acquire.Request, *identity.Identity) {
	t.Helper()

	dir := t.TempDir()

	cookies := filepath.Join(dir, "cookies.txt")
	require.NoError(t, os.WriteFile(cookies, []byte("# Netscape HTTP Cookie File\n"), 0o600))

	req, err := acquire.NewRequest("https://youtu.be/dQw4w9WgXcQ", filepath.Join(dir, "out", "video.mp4"), 3, time.Minute)
	require.NoError(t, err)

	return req, &identity.Identity{Name: "A", CookiesPath: cookies}
}

func TestFetch(t *testing.T) {
	req, id := setup(t)
	runner := &fakeRunner{output: "local-bytes"}

	s := New(runner, Config{YtdlpPath: "/opt/yt-dlp", FFmpegPath: "/usr/bin/ffmpeg"})
	require.NoError(t, s.Fetch(context.Background(), req, id))

	data, err := os.ReadFile(req.Destination())
	require.NoError(t, err)
	assert.Equal(t, "local-bytes", string(data))

	assert.Equal(t, "/opt/yt-dlp", runner.name)
	assert.Contains(t, runner.args, id.CookiesPath)
	assert.Contains(t, runner.args, "/usr/bin/ffmpeg")
	assert.True(t, s.UsesIdentity())
	assert.Equal(t, Name, s.Name())
}

func TestFetchMergedOutputIsRenamed(t *testing.T) {
	req, id := setup(t)
	runner := &fakeRunner{output: "merged", merged: true}

	require.NoError(t, New(runner, Config{}).Fetch(context.Background(), req, id))

	data, err := os.ReadFile(req.Destination())
	require.NoError(t, err)
	assert.Equal(t, "merged", string(data))
	assert.NoFileExists(t, req.Destination()+".mp4")
	assert.Equal(t, "yt-dlp", runner.name)
}

func TestFetchFailures(t *testing.T) {
	tests := []struct {
		name     string
		runner   *fakeRunner
		wantKind failure.Kind
	}{
		{
			name:     "age gated",
			runner:   &fakeRunner{stderr: "ERROR: [youtube] x: Sign in to confirm your age. This video may be inappropriate for some users.", err: errors.New("exit status 1")},
			wantKind: failure.AgeRestricted,
		},
		{
			name:     "bot check",
			runner:   &fakeRunner{stderr: "ERROR: [youtube] x: Sign in to confirm you’re not a bot", err: errors.New("exit status 1")},
			wantKind: failure.AuthExpired,
		},
		{
			name:     "throttled",
			runner:   &fakeRunner{stderr: "ERROR: unable to download video data: HTTP Error 429: Too Many Requests", err: errors.New("exit status 1")},
			wantKind: failure.RateLimited,
		},
		{
			name:     "no output",
			runner:   &fakeRunner{},
			wantKind: failure.Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, id := setup(t)

			err := New(tt.runner, Config{}).Fetch(context.Background(), req, id)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, failure.ClassifyError(err), err.Error())
		})
	}
}

func TestFetchMissingBinaryIsUnknown(t *testing.T) {
	req, id := setup(t)

	s := New(ExecRunner{}, Config{YtdlpPath: "video-acquirer-no-such-yt-dlp"})

	err := s.Fetch(context.Background(), req, id)
	require.Error(t, err)
	require.ErrorIs(t, err, exec.ErrNotFound)
	assert.Equal(t, failure.Unknown, failure.ClassifyError(err), err.Error())
}

func TestFetchMissingCookiesIsAuthExpired(t *testing.T) {
	req, _ := setup(t)
	id := &identity.Identity{Name: "gone", CookiesPath: filepath.Join(t.TempDir(), "missing.txt")}
	runner := &fakeRunner{output: "x"}

	err := New(runner, Config{}).Fetch(context.Background(), req, id)
	require.Error(t, err)
	assert.Equal(t, failure.AuthExpired, failure.ClassifyError(err))
	assert.Empty(t, runner.name)
}

func TestFetchWithoutIdentity(t *testing.T) {
	req, _ := setup(t)

	err := New(&fakeRunner{}, Config{}).Fetch(context.Background(), req, nil)
	assert.Equal(t, failure.AuthExpired, failure.ClassifyError(err))
}

func TestFetchTimeout(t *testing.T) {
	req, id := setup(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	runner := &fakeRunner{
		err: errors.New("signal: killed"),
		onStart: func(ctx context.Context) {
			<-ctx.Done()
		},
	}

	err := New(runner, Config{}).Fetch(ctx, req, id)
	assert.Equal(t, failure.NetworkTimeout, failure.ClassifyError(err))
}
