package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"
)

// fakeConn records commands and answers them through run.
type fakeConn struct {
	mu       sync.Mutex
	commands []string
	closes   int
	closeErr error
	run      func(ctx context.Context, cmd string) ([]byte, []byte, int, error)
}

func (c *fakeConn) Run(ctx context.Context, cmd string) ([]byte, []byte, int, error) {
	c.mu.Lock()
	c.commands = append(c.commands, cmd)
	run := c.run
	c.mu.Unlock()
	if run == nil {
		return []byte("ok\n"), nil, 0, nil
	}
	return run(ctx, cmd)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return c.closeErr
}

func (c *fakeConn) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

func (c *fakeConn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// fakeTransport fails the first len(failures) dials with the listed errors
// and then hands out connections built by newConn.
type fakeTransport struct {
	mu       sync.Mutex
	dials    int
	failures []error
	always   error
	block    bool
	newConn  func() *fakeConn
	conns    []*fakeConn
}

func (t *fakeTransport) Dial(ctx context.Context, cfg Config, keyPath string) (Conn, error) {
	t.mu.Lock()
	t.dials++
	n := t.dials
	t.mu.Unlock()

	if t.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if t.always != nil {
		return nil, t.always
	}
	if n <= len(t.failures) && t.failures[n-1] != nil {
		return nil, t.failures[n-1]
	}

	conn := &fakeConn{}
	if t.newConn != nil {
		conn = t.newConn()
	}
	t.mu.Lock()
	t.conns = append(t.conns, conn)
	t.mu.Unlock()
	return conn, nil
}

func (t *fakeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) Conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[i]
}

// recordingSleeper captures backoff delays without sleeping.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func zeroJitter(time.Duration) time.Duration { return 0 }

// writeTestKey writes an unencrypted ed25519 private key and returns its
// path and public key.
func writeTestKey(t *testing.T, dir string) (string, xssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := xssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	path := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

	sshPub, err := xssh.NewPublicKey(pub)
	require.NoError(t, err)
	return path, sshPub
}

// testConfig returns a config pointing at a fresh key with fast backoff.
func testConfig(t *testing.T) Config {
	t.Helper()
	keyPath, _ := writeTestKey(t, t.TempDir())
	cfg, err := NewConfig("vm.test",
		WithKeyPath(keyPath),
		WithRetries(3),
		WithBackoff(10*time.Millisecond, 40*time.Millisecond),
		WithTimeout(time.Second),
	)
	require.NoError(t, err)
	return cfg
}

func newTestSession(t *testing.T, cfg Config, transport Transport, opts ...SessionOption) *Session {
	t.Helper()
	base := []SessionOption{
		WithTransport(transport),
		WithLogger(zerolog.Nop()),
		WithBackoffJitter(zeroJitter),
		WithSleeper((&recordingSleeper{}).Sleep),
	}
	session, err := NewSession(cfg, append(base, opts...)...)
	require.NoError(t, err)
	return session
}

// testServer is a minimal in-process SSH server. exec requests are answered
// by handler; keep-alive global requests are acknowledged.
type testServer struct {
	addr    string
	hostKey xssh.PublicKey
}

type execHandler func(cmd string) (stdout, stderr string, exitCode int)

func startTestServer(t *testing.T, authorized xssh.PublicKey, handler execHandler) *testServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := xssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	cfg := &xssh.ServerConfig{
		PublicKeyCallback: func(_ xssh.ConnMetadata, key xssh.PublicKey) (*xssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return &xssh.Permissions{}, nil
			}
			return nil, errors.New("unknown public key")
		},
	}
	cfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		connsMu sync.Mutex
		conns   []net.Conn
	)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			connsMu.Lock()
			conns = append(conns, conn)
			connsMu.Unlock()
			go serveTestConn(conn, cfg, handler)
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		connsMu.Lock()
		defer connsMu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	return &testServer{addr: listener.Addr().String(), hostKey: hostSigner.PublicKey()}
}

func serveTestConn(netConn net.Conn, cfg *xssh.ServerConfig, handler execHandler) {
	serverConn, chans, reqs, err := xssh.NewServerConn(netConn, cfg)
	if err != nil {
		netConn.Close()
		return
	}
	defer serverConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(xssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go serveTestSession(ch, requests, handler)
	}
}

func serveTestSession(ch xssh.Channel, requests <-chan *xssh.Request, handler execHandler) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		if err := xssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		if req.WantReply {
			req.Reply(true, nil)
		}

		stdout, stderr, code := handler(payload.Command)
		ch.Write([]byte(stdout))
		ch.Stderr().Write([]byte(stderr))

		status := make([]byte, 4)
		binary.BigEndian.PutUint32(status, uint32(code))
		ch.SendRequest("exit-status", false, status)
		return
	}
}

// serverPort splits the test server address.
func (s *testServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, port, err := net.SplitHostPort(s.addr)
	require.NoError(t, err)
	tcpAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, port))
	require.NoError(t, err)
	return host, tcpAddr.Port
}

// unwrapLoginShell reverses LoginShellCommand for test handlers.
func unwrapLoginShell(cmd string) string {
	const prefix = "bash -lc '"
	if !strings.HasPrefix(cmd, prefix) || !strings.HasSuffix(cmd, "'") {
		return cmd
	}
	inner := cmd[len(prefix) : len(cmd)-1]
	return strings.ReplaceAll(inner, `'"'"'`, "'")
}

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}
