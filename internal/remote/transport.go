package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Transport runs one shell command on the remote side per round trip.
type Transport interface {
	// Run executes cmd and returns its standard output.
	Run(ctx context.Context, cmd string) ([]byte, error)

	// Close drops the session. A later Run reconnects.
	Close() error
}

// SSHConfig describes how to reach a remote shell.
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	Password string

	// KeyFile is a private key used when Password is empty.
	KeyFile string

	// KnownHostsFile defaults to ~/.ssh/known_hosts.
	KnownHostsFile string

	// HostKeyCallback overrides KnownHostsFile when set.
	HostKeyCallback ssh.HostKeyCallback

	DialTimeout time.Duration
}

// SSHTransport runs commands over an SSH connection that is dialed lazily
// and reused until a persistent failure closes it.
type SSHTransport struct {
	cfg    SSHConfig
	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHTransport creates a transport; no connection is made until the
// first Run.
func NewSSHTransport(cfg SSHConfig) *SSHTransport {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &SSHTransport{cfg: cfg}
}

func (t *SSHTransport) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	switch {
	case t.cfg.Password != "":
		auth = append(auth, ssh.Password(t.cfg.Password))
	case t.cfg.KeyFile != "":
		pem, err := os.ReadFile(t.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading key %s: %w", t.cfg.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parsing key %s: %w", t.cfg.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	default:
		return nil, errors.New("no ssh password or key configured")
	}

	hostKey := t.cfg.HostKeyCallback
	if hostKey == nil {
		path := t.cfg.KnownHostsFile
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("locating known_hosts: %w", err)
			}
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("loading known_hosts %s: %w", path, err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         t.cfg.DialTimeout,
	}, nil
}

func (t *SSHTransport) connect() (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return t.client, nil
	}

	cc, err := t.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	client, err := ssh.Dial("tcp", addr, cc)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	t.client = client
	return client, nil
}

// Run executes cmd in a fresh session. Sessions that end without an exit
// status, and channel opens refused for lack of resources, are reported
// as *TransientError.
func (t *SSHTransport) Run(ctx context.Context, cmd string) ([]byte, error) {
	client, err := t.connect()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		var oce *ssh.OpenChannelError
		if errors.As(err, &oce) && oce.Reason == ssh.ResourceShortage {
			return nil, &TransientError{Err: err}
		}
		return nil, fmt.Errorf("opening session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err = <-done:
	}

	if err != nil {
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			return nil, &TransientError{Err: err}
		}
		var exit *ssh.ExitError
		if errors.As(err, &exit) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = exit.Error()
			}
			return nil, fmt.Errorf("remote command %q: %s", cmd, msg)
		}
		return nil, &TransientError{Err: err}
	}

	return stdout.Bytes(), nil
}

// Close drops the SSH connection.
func (t *SSHTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}
