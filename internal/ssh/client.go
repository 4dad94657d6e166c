package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/cwt/ananta/internal/events"
	"github.com/cwt/ananta/internal/hosts"
	"github.com/cwt/ananta/internal/logging"
)

// readBufferSize is the chunk granularity for streaming remote output.
const readBufferSize = 32 * 1024

// sigkillDelay is how long a cancelled remote process gets to react to
// SIGTERM before SIGKILL and connection teardown.
const sigkillDelay = 2 * time.Second

// EmitFunc receives one chunk of remote output. Implementations must be
// safe for concurrent calls: stdout and stderr are pumped by separate
// goroutines.
type EmitFunc func(stream events.Stream, payload []byte)

// Options configures client construction.
type Options struct {
	ConnectTimeout time.Duration // Dial + handshake timeout (default 30s)
	DefaultKey     string        // Key path used when the record has none
	RequestPTY     bool          // Allocate a PTY for exec (shell always gets one)
	TermWidth      int           // PTY width; 0 means 80
	TermHeight     int           // PTY height; 0 means 1000 (tall, for long outputs)
	Logger         *logging.Logger
}

// Client is the remote-execution capability the engine consumes: open an
// authenticated session to one host, run a command or attach a shell, get
// a stream of output chunks and a final exit code, with cancellation.
type Client interface {
	// Connect establishes an SSH connection to the host record
	Connect(ctx context.Context, rec hosts.Record) error

	// Exec runs a command, emitting output chunks as they arrive, and
	// returns the remote exit code
	Exec(ctx context.Context, command string, emit EmitFunc) (int, error)

	// Shell attaches an interactive shell fed from stdin
	Shell(ctx context.Context, stdin io.Reader, emit EmitFunc) (int, error)

	// Close terminates the SSH connection
	Close() error
}

// SSHClient implements the Client interface using golang.org/x/crypto/ssh
type SSHClient struct {
	opts   Options
	rec    hosts.Record
	logger *logging.Logger

	mu   sync.Mutex
	conn *ssh.Client
}

// NewClient creates a new SSH client instance
func NewClient(opts Options) Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.TermWidth <= 0 {
		opts.TermWidth = 80
	}
	if opts.TermHeight <= 0 {
		opts.TermHeight = 1000
	}
	return &SSHClient{opts: opts, logger: opts.Logger}
}

// Connect establishes an SSH connection to the host record
func (c *SSHClient) Connect(ctx context.Context, rec hosts.Record) error {
	c.rec = rec
	startTime := time.Now()

	config, err := c.buildSSHConfig(rec)
	if err != nil {
		if c.logger != nil {
			c.logger.LogConnectionError(rec, err, 0)
		}
		return &Error{Kind: events.FailureAuth, Err: fmt.Errorf("failed to build SSH config: %w", err)}
	}

	address := rec.Addr()
	dialer := &net.Dialer{Timeout: c.opts.ConnectTimeout}

	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		err = fmt.Errorf("failed to connect to %s: %w", address, err)
		if c.logger != nil {
			c.logger.LogConnectionError(rec, err, 0)
		}
		return connectError(err)
	}

	// The handshake itself has no context hook; bound it with a deadline
	// derived from the dial timeout and the caller's context.
	deadline := time.Now().Add(c.opts.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = netConn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		err = fmt.Errorf("SSH handshake failed for %s: %w", address, err)
		if c.logger != nil {
			c.logger.LogConnectionError(rec, err, 0)
		}
		return connectError(err)
	}
	_ = netConn.SetDeadline(time.Time{})

	c.mu.Lock()
	c.conn = ssh.NewClient(sshConn, chans, reqs)
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.LogConnection(rec, time.Since(startTime), 0)
	}
	return nil
}

// Exec runs a command, streaming output through emit, and returns the
// remote exit code. On cancellation the remote process receives SIGTERM,
// then SIGKILL after a short delay; output already produced has been
// delivered through emit.
func (c *SSHClient) Exec(ctx context.Context, command string, emit EmitFunc) (int, error) {
	sess, err := c.newSession()
	if err != nil {
		return -1, err
	}
	defer sess.Close()

	if c.opts.RequestPTY {
		if err := c.requestPTY(sess); err != nil {
			return -1, &Error{Kind: events.FailureProtocol, Err: err}
		}
	}

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return -1, &Error{Kind: events.FailureProtocol, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return -1, &Error{Kind: events.FailureProtocol, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := sess.Start(command); err != nil {
		return -1, &Error{Kind: events.FailureProtocol, Err: fmt.Errorf("failed to start command: %w", err)}
	}

	return c.stream(ctx, sess, stdout, stderr, emit)
}

// Shell attaches an interactive shell. stdin is copied to the remote
// side until it is exhausted or the context is cancelled.
func (c *SSHClient) Shell(ctx context.Context, stdin io.Reader, emit EmitFunc) (int, error) {
	sess, err := c.newSession()
	if err != nil {
		return -1, err
	}
	defer sess.Close()

	if err := c.requestPTY(sess); err != nil {
		return -1, &Error{Kind: events.FailureProtocol, Err: err}
	}
	sess.Stdin = stdin

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return -1, &Error{Kind: events.FailureProtocol, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return -1, &Error{Kind: events.FailureProtocol, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := sess.Shell(); err != nil {
		return -1, &Error{Kind: events.FailureProtocol, Err: fmt.Errorf("failed to start shell: %w", err)}
	}

	return c.stream(ctx, sess, stdout, stderr, emit)
}

// Close terminates the SSH connection
func (c *SSHClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		err := conn.Close()
		// Connection close errors are not critical; log and move on.
		if err != nil && c.logger != nil {
			c.logger.Error("SSH connection close error", "error", err, "host", c.rec.Name)
		}
	}
	return nil
}

func (c *SSHClient) newSession() (*ssh.Session, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, &Error{Kind: events.FailureProtocol, Err: errors.New("not connected to any host")}
	}

	sess, err := conn.NewSession()
	if err != nil {
		return nil, &Error{Kind: events.FailureProtocol, Err: fmt.Errorf("failed to create session: %w", err)}
	}

	// Per-host environment overrides. Servers commonly restrict AcceptEnv,
	// so rejection is not fatal.
	for k, v := range c.rec.Env {
		if err := sess.Setenv(k, v); err != nil && c.logger != nil {
			c.logger.Warn("env override rejected by server", "host", c.rec.Name, "key", k)
		}
	}
	return sess, nil
}

func (c *SSHClient) requestPTY(sess *ssh.Session) error {
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", c.opts.TermHeight, c.opts.TermWidth, modes); err != nil {
		return fmt.Errorf("failed to request pty: %w", err)
	}
	return nil
}

// stream pumps stdout/stderr until the remote process exits or the
// context is cancelled, then resolves the exit code.
func (c *SSHClient) stream(ctx context.Context, sess *ssh.Session, stdout, stderr io.Reader, emit EmitFunc) (int, error) {
	var readers sync.WaitGroup
	readers.Add(2)
	go pump(&readers, events.Stdout, stdout, emit)
	go pump(&readers, events.Stderr, stderr, emit)

	done := make(chan error, 1)
	go func() {
		// Drain the pipes fully before Wait so no tail output is lost.
		readers.Wait()
		done <- sess.Wait()
	}()

	select {
	case err := <-done:
		return resolveExit(err)

	case <-ctx.Done():
		// Cooperative teardown: SIGTERM, a short grace, then SIGKILL and
		// connection close, which forces the readers to EOF.
		_ = sess.Signal(ssh.SIGTERM)
		select {
		case <-done:
		case <-time.After(sigkillDelay):
			_ = sess.Signal(ssh.SIGKILL)
			_ = c.Close()
			select {
			case <-done:
			case <-time.After(sigkillDelay):
			}
		}

		kind := events.FailureCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = events.FailureTimeout
		}
		return -1, &Error{Kind: kind, Err: ctx.Err()}
	}
}

// pump reads a remote stream in chunks and hands each to emit. The
// payload is copied: the read buffer is reused.
func pump(wg *sync.WaitGroup, stream events.Stream, r io.Reader, emit EmitFunc) {
	defer wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			emit(stream, payload)
		}
		if err != nil {
			return
		}
	}
}

// resolveExit turns a session Wait error into an exit code and a
// classified error.
func resolveExit(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), &Error{Kind: events.FailureExit, Err: err}
	}
	return -1, &Error{Kind: events.FailureProtocol, Err: fmt.Errorf("ssh session: %w", err)}
}

// buildSSHConfig creates an SSH client configuration with authentication methods
func (c *SSHClient) buildSSHConfig(rec hosts.Record) (*ssh.ClientConfig, error) {
	authMethods, err := c.getAuthMethods(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to set up authentication: %w", err)
	}

	return &ssh.ClientConfig{
		User:            rec.User,
		Auth:            authMethods,
		HostKeyCallback: c.getHostKeyCallback(),
		Timeout:         c.opts.ConnectTimeout,
	}, nil
}

// getAuthMethods returns available authentication methods in order of
// preference: agent, the record's key, the configured default key, then
// keys discovered under ~/.ssh.
func (c *SSHClient) getAuthMethods(rec hosts.Record) ([]ssh.AuthMethod, error) {
	var authMethods []ssh.AuthMethod

	if agentAuth := c.getAgentAuth(); agentAuth != nil {
		authMethods = append(authMethods, agentAuth)
	}

	keyPath := rec.KeyPath
	if keyPath == "" {
		keyPath = c.opts.DefaultKey
	}
	if keyPath != "" {
		keyAuth, err := c.getKeyAuth(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load key %s: %w", keyPath, err)
		}
		authMethods = append(authMethods, keyAuth)
	} else {
		for _, discovered := range DiscoverKeys() {
			if keyAuth, err := c.getKeyAuth(discovered); err == nil {
				authMethods = append(authMethods, keyAuth)
			}
		}
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no authentication methods available")
	}
	return authMethods, nil
}

// DiscoverKeys returns the default private keys present under ~/.ssh, in
// preference order.
func DiscoverKeys() []string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	sshDir := filepath.Join(homeDir, ".ssh")

	var found []string
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa", "id_dsa"} {
		path := filepath.Join(sshDir, name)
		if _, err := os.Stat(path); err == nil {
			found = append(found, path)
		}
	}
	return found
}

// getAgentAuth returns SSH agent authentication if available
func (c *SSHClient) getAgentAuth() ssh.AuthMethod {
	if agentConn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK")); err == nil {
		return ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers)
	}
	return nil
}

// expandPath resolves a leading "~/" against the home directory, so key
// paths from hosts files work as they would in a shell.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// getKeyAuth returns public key authentication using the specified private key file
func (c *SSHClient) getKeyAuth(keyPath string) (ssh.AuthMethod, error) {
	keyBytes, err := os.ReadFile(expandPath(keyPath))
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

// getHostKeyCallback returns a host key callback that tries known_hosts
// first, then falls back to a warning-based insecure callback so the tool
// stays usable across large fleets of unknown hosts.
func (c *SSHClient) getHostKeyCallback() ssh.HostKeyCallback {
	if homeDir, err := os.UserHomeDir(); err == nil {
		knownHostsFile := filepath.Join(homeDir, ".ssh", "known_hosts")
		if _, err := os.Stat(knownHostsFile); err == nil {
			if cb, err := knownhosts.New(knownHostsFile); err == nil {
				return cb
			}
		}
	}

	if cb, err := knownhosts.New("/etc/ssh/ssh_known_hosts"); err == nil {
		return cb
	}

	return ssh.HostKeyCallback(func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if c.logger != nil {
			c.logger.LogConnectionWarning(hostname, "Host key verification disabled - not recommended for production")
		}
		return nil
	})
}
