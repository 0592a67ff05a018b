package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"
)

func newHostKey(t *testing.T) xssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := xssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func TestHostKeyCallbackTrustOnFirstUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "known_hosts")
	cfg := DefaultConfig()
	cfg.Host = "10.0.0.2"
	cfg.KnownHostsPath = path

	cb, err := HostKeyCallback(cfg)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	remote := &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 22}
	key := newHostKey(t)

	require.NoError(t, cb("10.0.0.2:22", remote, key))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(data), "\n"))
	require.Contains(t, string(data), "10.0.0.2")

	// Known key is accepted without appending again.
	require.NoError(t, cb("10.0.0.2:22", remote, key))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(data), "\n"))

	// A changed key is rejected even without strict checking.
	require.Error(t, cb("10.0.0.2:22", remote, newHostKey(t)))
}

func TestHostKeyCallbackStrict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	cfg := DefaultConfig()
	cfg.StrictHostKeyChecking = true
	cfg.KnownHostsPath = path

	_, err := HostKeyCallback(cfg)
	require.ErrorIs(t, err, ErrConfiguration)

	require.NoError(t, os.WriteFile(path, nil, 0o600))
	cb, err := HostKeyCallback(cfg)
	require.NoError(t, err)

	remote := &net.TCPAddr{IP: net.ParseIP("10.0.0.3"), Port: 2222}
	require.Error(t, cb("10.0.0.3:2222", remote, newHostKey(t)))
}
