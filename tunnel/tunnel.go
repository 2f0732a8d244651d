// Package tunnel provides an SSH-forwarded TCP relay. It binds a local
// listener and forwards every accepted connection through an
// authenticated SSH session to a fixed remote endpoint.
//
// The tunnel is protocol-agnostic: it moves bytes, nothing else, so it
// can front any TCP service, not just Redis.
package tunnel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrNoCredentials indicates the configuration carries neither a
// password nor a private key.
var ErrNoCredentials = errors.New("tunnel: no password or private key configured")

// AuthError is a fatal authentication or session establishment failure.
type AuthError struct {
	Addr string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ssh auth failed for %s: %v", e.Addr, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ForwardError is a per-connection forwarding failure. It does not
// kill the tunnel.
type ForwardError struct {
	Target string
	Err    error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("ssh forward to %s failed: %v", e.Target, e.Err)
}

func (e *ForwardError) Unwrap() error {
	return e.Err
}

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Config describes the SSH endpoint and credentials. Either Password
// or PrivateKey must be set; PrivateKey wins when both are present.
type Config struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey []byte // PEM encoded
	Passphrase string

	// LocalPort pins the local listener port; 0 picks an ephemeral one.
	LocalPort int

	// Timeout bounds the SSH dial and handshake.
	Timeout time.Duration

	// HostKeyCallback verifies the server host key. Defaults to
	// ssh.InsecureIgnoreHostKey, matching the trust model of desktop
	// database clients.
	HostKeyCallback ssh.HostKeyCallback

	// OnForwardError is invoked for each forwarded connection that
	// fails; the tunnel keeps running.
	OnForwardError func(error)

	// OnSessionClosed is invoked once when the SSH session dies out
	// from under the tunnel. Voluntary Close does not trigger it.
	OnSessionClosed func(error)

	Logger Logger
}

// Info is the resolved address pair of an open tunnel.
type Info struct {
	LocalHost  string
	LocalPort  int
	RemoteHost string
	RemotePort int
}

// Tunnel is one open SSH relay: a single authenticated session plus a
// local listener spawning one forward channel per accepted connection.
type Tunnel struct {
	cfg        Config
	client     *ssh.Client
	listener   net.Listener
	info       Info
	remoteAddr string
	logger     Logger

	closed atomic.Int32
	wg     sync.WaitGroup
}

// Open authenticates one SSH session to the configured endpoint and
// binds the local listener. It fails if authentication is rejected or
// the listener cannot bind.
func Open(cfg Config, remoteHost string, remotePort int) (*Tunnel, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	hostKey := cfg.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	sshAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	client, err := ssh.Dial("tcp", sshAddr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.Timeout,
	})
	if err != nil {
		return nil, &AuthError{Addr: sshAddr, Err: err}
	}

	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.LocalPort)))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("tunnel: local bind failed: %w", err)
	}

	localPort := listener.Addr().(*net.TCPAddr).Port
	t := &Tunnel{
		cfg:      cfg,
		client:   client,
		listener: listener,
		logger:   logger,
		info: Info{
			LocalHost:  "127.0.0.1",
			LocalPort:  localPort,
			RemoteHost: remoteHost,
			RemotePort: remotePort,
		},
		remoteAddr: net.JoinHostPort(remoteHost, strconv.Itoa(remotePort)),
	}

	logger.Info("tunnel open",
		"ssh", sshAddr, "local", listener.Addr().String(), "remote", t.remoteAddr)

	t.wg.Add(1)
	go t.acceptLoop()
	go t.watchSession()

	return t, nil
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	if len(cfg.PrivateKey) > 0 {
		var signer ssh.Signer
		var err error
		if cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(cfg.PrivateKey, []byte(cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(cfg.PrivateKey)
		}
		if err != nil {
			return nil, &AuthError{Addr: cfg.Host, Err: err}
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	if cfg.Password != "" {
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
	}

	return nil, ErrNoCredentials
}

// Info returns the tunnel's resolved address pair. Transports connect
// to LocalHost:LocalPort instead of the remote endpoint directly.
func (t *Tunnel) Info() Info {
	return t.info
}

// Close stops accepting local connections and ends the SSH session,
// which tears down every in-flight forwarded pair. Safe to call
// multiple times.
func (t *Tunnel) Close() {
	if !t.closed.CompareAndSwap(0, 1) {
		return
	}
	t.listener.Close()
	t.client.Close()
	t.wg.Wait()
	t.logger.Debug("tunnel closed", "local", t.info.LocalPort)
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()

	for {
		local, err := t.listener.Accept()
		if err != nil {
			return
		}

		t.wg.Add(1)
		go t.forward(local)
	}
}

// forward opens a fresh SSH channel to the remote target and splices
// it against the accepted local connection. Both legs die together.
func (t *Tunnel) forward(local net.Conn) {
	defer t.wg.Done()

	remote, err := t.client.Dial("tcp", t.remoteAddr)
	if err != nil {
		local.Close()
		t.logger.Error("forward failed", "remote", t.remoteAddr, "error", err)
		if t.cfg.OnForwardError != nil {
			t.cfg.OnForwardError(&ForwardError{Target: t.remoteAddr, Err: err})
		}
		return
	}

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			local.Close()
			remote.Close()
		})
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		io.Copy(remote, local)
		closeBoth()
	}()

	io.Copy(local, remote)
	closeBoth()
}

// watchSession reports an SSH session that died without Close.
func (t *Tunnel) watchSession() {
	err := t.client.Wait()
	if t.closed.CompareAndSwap(0, 1) {
		t.listener.Close()
		t.logger.Error("ssh session lost", "error", err)
		if t.cfg.OnSessionClosed != nil {
			t.cfg.OnSessionClosed(err)
		}
	}
}
