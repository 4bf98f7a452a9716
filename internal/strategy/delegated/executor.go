package delegated

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/italolelis/video_acquirer/internal/logctx"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultSSHPort     = "22"
	defaultDialTimeout = 10 * time.Second
	maxStderr          = 64 * 1024
)

// Executor runs one command on the delegated host, copying its stdout to
// stdout. A command that ran but failed is reported as *ExitError.
type Executor interface {
	Run(ctx context.Context, command string, stdout io.Writer) error
}

// ExitError is a remote command that exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command exited with status %d: %s", e.Code, e.Stderr)
}

type SSHConfig struct {
	// Host is host or host:port.
	Host    string
	User    string
	KeyPath string
	// KnownHostsPath pins the host key. Empty disables verification.
	KnownHostsPath string
	DialTimeout    time.Duration
}

// SSHExecutor runs commands over a fresh SSH connection per call, so a
// dropped connection never outlives an attempt.
type SSHExecutor struct {
	addr        string
	config      *ssh.ClientConfig
	dialTimeout time.Duration
}

func NewSSHExecutor(ctx context.Context, cfg SSHConfig) (*SSHExecutor, error) {
	logger := logctx.LoggerFromContext(ctx)

	if cfg.Host == "" {
		return nil, errors.New("delegated host is required")
	}

	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	} else {
		logger.Warn("ssh host key verification disabled, set a known hosts file to enable it", "host", cfg.Host)
	}

	addr := cfg.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultSSHPort)
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	return &SSHExecutor{
		addr: addr,
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         dialTimeout,
		},
		dialTimeout: dialTimeout,
	}, nil
}

func (e *SSHExecutor) Run(ctx context.Context, command string, stdout io.Writer) error {
	client, err := e.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	stderr := &limitedBuffer{max: maxStderr}
	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan struct{})
	defer close(done)

	// closing the connection is the only way to stop a running session
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Close()
		case <-done:
		}
	}()

	err = session.Run(command)
	if ctx.Err() != nil {
		return fmt.Errorf("remote command interrupted: %w", ctx.Err())
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitStatus(), Stderr: stderr.String()}
	}

	if err != nil {
		return fmt.Errorf("remote command failed: %w", err)
	}

	return nil
}

func (e *SSHExecutor) dial(ctx context.Context) (*ssh.Client, error) {
	d := net.Dialer{Timeout: e.dialTimeout}

	conn, err := d.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", e.addr, err)
	}

	// the handshake itself ignores ctx, bound it by the deadline instead
	deadline := time.Now().Add(e.dialTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	_ = conn.SetDeadline(deadline)

	c, chans, reqs, err := ssh.NewClientConn(conn, e.addr, e.config)
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("ssh handshake with %s failed: %w", e.addr, err)
	}

	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

// limitedBuffer keeps the first max bytes written and drops the rest.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}

	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
