package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig describes how to reach a destination host.
type SSHConfig struct {
	Host                  string
	Port                  int
	User                  string
	PrivateKeyPath        string
	KnownHostsPath        string
	InsecureIgnoreHostKey bool
	ConnectTimeout        time.Duration
}

func (c SSHConfig) address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// ClientConfig builds the x/crypto/ssh client configuration, reading the
// private key and known_hosts file from disk.
func (c SSHConfig) ClientConfig() (*ssh.ClientConfig, error) {
	keyData, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", c.PrivateKeyPath, err)
	}
	return c.clientConfig(ssh.PublicKeys(signer))
}

func (c SSHConfig) clientConfig(auth ...ssh.AuthMethod) (*ssh.ClientConfig, error) {
	var hostKeyCallback ssh.HostKeyCallback
	switch {
	case c.InsecureIgnoreHostKey:
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	case c.KnownHostsPath != "":
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKeyCallback = cb
	default:
		return nil, errors.New("ssh: known_hosts_path is required unless insecure_ignore_host_key is set")
	}

	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// SSHExecutor keeps one SSH connection open and runs each command in its own
// session. A dropped connection is re-established on the next Run.
type SSHExecutor struct {
	addr         string
	clientConfig *ssh.ClientConfig
	logger       *slog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHExecutor creates an executor. No connection is made until the first
// Connect or Run.
func NewSSHExecutor(cfg SSHConfig, logger *slog.Logger) (*SSHExecutor, error) {
	clientConfig, err := cfg.ClientConfig()
	if err != nil {
		return nil, err
	}
	return newSSHExecutor(cfg.address(), clientConfig, logger), nil
}

func newSSHExecutor(addr string, clientConfig *ssh.ClientConfig, logger *slog.Logger) *SSHExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSHExecutor{
		addr:         addr,
		clientConfig: clientConfig,
		logger:       logger.With("ssh", clientConfig.User+"@"+addr),
	}
}

// SSHDialer returns a Dialer that opens a connected SSHExecutor per call.
func SSHDialer(cfg SSHConfig, logger *slog.Logger) Dialer {
	return func(ctx context.Context) (Executor, error) {
		exec, err := NewSSHExecutor(cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := exec.Connect(ctx); err != nil {
			return nil, err
		}
		return exec, nil
	}
}

// Connect dials the host if no connection is open.
func (e *SSHExecutor) Connect(ctx context.Context) error {
	_, err := e.connection(ctx)
	return err
}

func (e *SSHExecutor) connection(ctx context.Context) (*ssh.Client, error) {
	e.mu.Lock()
	if e.client != nil {
		client := e.client
		e.mu.Unlock()
		return client, nil
	}
	e.mu.Unlock()

	dialer := net.Dialer{Timeout: e.clientConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", e.addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, e.addr, e.clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", e.addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		// Another caller connected first.
		client.Close()
		return e.client, nil
	}
	e.client = client
	e.logger.Debug("ssh connected")
	return client, nil
}

func (e *SSHExecutor) drop(client *ssh.Client) {
	e.mu.Lock()
	if e.client == client {
		e.client = nil
	}
	e.mu.Unlock()
	client.Close()
}

// Run executes command. If no session can be opened on the cached
// connection it is redialled once. A command whose session was opened is
// never rerun, whatever the session error.
func (e *SSHExecutor) Run(ctx context.Context, command string) (Result, error) {
	session, err := e.openSession(ctx)
	if err != nil {
		return Result{}, err
	}
	e.logger.Debug("ssh running", "command", command)
	return runSession(ctx, session, command)
}

func (e *SSHExecutor) openSession(ctx context.Context) (*ssh.Session, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		client, err := e.connection(ctx)
		if err != nil {
			return nil, err
		}
		session, err := client.NewSession()
		if err == nil {
			return session, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = fmt.Errorf("open session: %w", err)
		e.logger.Warn("ssh session refused, reconnecting", "error", err)
		e.drop(client)
	}
	return nil, lastErr
}

func runSession(ctx context.Context, session *ssh.Session, command string) (Result, error) {
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	var err error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		return Result{}, ctx.Err()
	case err = <-done:
	}

	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	return Result{}, err
}

// Close closes the connection. The executor may be reused afterwards.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	client := e.client
	e.client = nil
	e.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}
