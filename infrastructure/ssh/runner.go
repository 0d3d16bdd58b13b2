package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	gossh "golang.org/x/crypto/ssh"
)

// Runner executes shell commands on remote hosts.
type Runner interface {
	// Run returns the trimmed standard output of command.
	Run(ctx context.Context, address string, command string) (string, error)
	Close() error
}

var errRunnerClosed = errors.New("ssh runner is closed")

// sshRunner keeps one connection per host and opens a session per command.
type sshRunner struct {
	config *gossh.ClientConfig

	mutex   sync.Mutex
	clients map[string]*gossh.Client
	closed  bool
}

// NewRunner authenticates as user with the private key stored in keyFile.
func NewRunner(user, keyFile string, timeout time.Duration) (Runner, error) {
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := gossh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key '%s': %w", keyFile, err)
	}
	return NewSignerRunner(user, signer, timeout), nil
}

// NewSignerRunner authenticates as user with signer.
func NewSignerRunner(user string, signer gossh.Signer, timeout time.Duration) Runner {
	return &sshRunner{
		config: &gossh.ClientConfig{
			User:            user,
			Auth:            []gossh.AuthMethod{gossh.PublicKeys(signer)},
			HostKeyCallback: gossh.InsecureIgnoreHostKey(),
			Timeout:         timeout,
		},
		clients: map[string]*gossh.Client{},
	}
}

func (r *sshRunner) Run(ctx context.Context, address string, command string) (string, error) {
	client, err := r.client(ctx, address)
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		// The connection is most likely broken, the next command redials
		r.forget(address, client)
		return "", fmt.Errorf("failed to open ssh session on '%s': %w", address, err)
	}
	defer session.Close()

	var output []byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		output, err = session.Output(command)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = session.Signal(gossh.SIGKILL)
		_ = session.Close()
		return "", ctx.Err()
	}

	if err != nil {
		return "", fmt.Errorf("command failed on '%s': %w", address, err)
	}
	return strings.TrimSpace(string(output)), nil
}

func (r *sshRunner) Close() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.closed = true
	var errs []error
	for address, client := range r.clients {
		errs = append(errs, client.Close())
		delete(r.clients, address)
	}
	return errors.Join(errs...)
}

func (r *sshRunner) client(ctx context.Context, address string) (*gossh.Client, error) {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return nil, errRunnerClosed
	}
	client, ok := r.clients[address]
	r.mutex.Unlock()
	if ok {
		return client, nil
	}

	addr := address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	dialer := net.Dialer{Timeout: r.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial '%s': %w", addr, err)
	}

	c, chans, reqs, err := gossh.NewClientConn(conn, addr, r.config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with '%s' failed: %w", addr, err)
	}
	client = gossh.NewClient(c, chans, reqs)

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.closed {
		_ = client.Close()
		return nil, errRunnerClosed
	}
	if existing, ok := r.clients[address]; ok {
		_ = client.Close()
		return existing, nil
	}
	r.clients[address] = client
	return client, nil
}

func (r *sshRunner) forget(address string, client *gossh.Client) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.clients[address] == client {
		delete(r.clients, address)
	}
	_ = client.Close()
}
