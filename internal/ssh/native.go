package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"
)

const keepAliveRequest = "keepalive@openssh.com"

// NativeTransport dials with golang.org/x/crypto/ssh. Parsed keys are kept
// for the transport's lifetime, so an encrypted key prompts once no matter
// how many attempts a connect takes.
type NativeTransport struct {
	prompt PassphrasePrompt
	logger zerolog.Logger

	mu      sync.Mutex
	signers map[string]xssh.Signer
}

// NewNativeTransport creates a NativeTransport. prompt may be nil, in which
// case encrypted keys fail with ErrPassphraseRequired.
func NewNativeTransport(prompt PassphrasePrompt, logger zerolog.Logger) *NativeTransport {
	return &NativeTransport{prompt: prompt, logger: logger, signers: make(map[string]xssh.Signer)}
}

func (t *NativeTransport) signer(keyPath string) (xssh.Signer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if signer, ok := t.signers[keyPath]; ok {
		return signer, nil
	}
	signer, err := LoadSigner(keyPath, t.prompt)
	if err != nil {
		return nil, err
	}
	t.signers[keyPath] = signer
	return signer, nil
}

type handshakeResult struct {
	conn  xssh.Conn
	chans <-chan xssh.NewChannel
	reqs  <-chan *xssh.Request
	err   error
}

// Dial connects and authenticates, then starts the keep-alive loop.
func (t *NativeTransport) Dial(ctx context.Context, cfg Config, keyPath string) (Conn, error) {
	signer, err := t.signer(keyPath)
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := HostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Compression {
		t.logger.Warn().Msg("compression requested but not supported by the native transport; continuing uncompressed")
	}

	clientConfig := &xssh.ClientConfig{
		User:            cfg.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}

	addr := cfg.Addr()
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}

	done := make(chan handshakeResult, 1)
	go func() {
		c, chans, reqs, err := xssh.NewClientConn(netConn, addr, clientConfig)
		done <- handshakeResult{conn: c, chans: chans, reqs: reqs, err: err}
	}()

	var res handshakeResult
	select {
	case <-ctx.Done():
		netConn.Close()
		go func() {
			if r := <-done; r.err == nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("handshake with %s: %w", addr, ctx.Err())
	case res = <-done:
	}
	if res.err != nil {
		netConn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, res.err)
	}
	_ = netConn.SetDeadline(time.Time{})

	conn := &nativeConn{
		client: xssh.NewClient(res.conn, res.chans, res.reqs),
		closed: make(chan struct{}),
		logger: t.logger,
	}
	go conn.keepAlive(cfg.EffectiveKeepAlive())
	return conn, nil
}

type nativeConn struct {
	client    *xssh.Client
	closeOnce sync.Once
	closed    chan struct{}
	logger    zerolog.Logger
}

// Run opens a new channel for cmd. When ctx is done the channel is closed;
// the remote process may keep running.
func (c *nativeConn) Run(ctx context.Context, cmd string) ([]byte, []byte, int, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("open channel: %w", err)
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
		session.Close()
		return nil, nil, -1, ctx.Err()
	case err := <-done:
		if err == nil {
			return stdout.Bytes(), stderr.Bytes(), 0, nil
		}
		var exitErr *xssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), stderr.Bytes(), exitErr.ExitStatus(), nil
		}
		return stdout.Bytes(), stderr.Bytes(), -1, err
	}
}

// Close stops the keep-alive loop and closes the client.
func (c *nativeConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.client.Close()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// keepAlive sends a global keep-alive request every interval and closes the
// client when one fails or goes unanswered for a full interval.
func (c *nativeConn) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			reply := make(chan error, 1)
			go func() {
				_, _, err := c.client.SendRequest(keepAliveRequest, true, nil)
				reply <- err
			}()

			timer := time.NewTimer(interval)
			var err error
			select {
			case <-c.closed:
				timer.Stop()
				return
			case err = <-reply:
			case <-timer.C:
				err = fmt.Errorf("no keep-alive reply within %s", interval)
			}
			timer.Stop()

			if err != nil {
				c.logger.Warn().Err(err).Msg("keep-alive failed, closing connection")
				c.client.Close()
				return
			}
		}
	}
}
