package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var knownHostsMu sync.Mutex

// HostKeyCallback returns the host key policy for cfg.
//
// Strict checking rejects unknown and changed keys. Otherwise unknown hosts
// are trusted on first use and appended to the known_hosts file; a changed
// key is still rejected.
func HostKeyCallback(cfg Config) (xssh.HostKeyCallback, error) {
	path := ExpandHome(cfg.KnownHostsPath)
	if path == "" {
		path = ExpandHome(DefaultKnownHostsPath)
	}

	if cfg.StrictHostKeyChecking {
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, &Error{Kind: KindConfiguration, Msg: fmt.Sprintf("load known hosts %s", path), Err: err}
		}
		return cb, nil
	}

	if err := ensureKnownHostsFile(path); err != nil {
		return nil, &Error{Kind: KindConfiguration, Msg: fmt.Sprintf("prepare known hosts %s", path), Err: err}
	}

	return func(hostname string, remote net.Addr, key xssh.PublicKey) error {
		knownHostsMu.Lock()
		defer knownHostsMu.Unlock()

		cb, err := knownhosts.New(path)
		if err != nil {
			return err
		}
		err = cb(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return appendKnownHost(path, hostname, remote, key)
		}
		return err
	}, nil
}

func ensureKnownHostsFile(path string) error {
	knownHostsMu.Lock()
	defer knownHostsMu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

func appendKnownHost(path, hostname string, remote net.Addr, key xssh.PublicKey) error {
	addresses := []string{knownhosts.Normalize(hostname)}
	if remote != nil {
		if addr := knownhosts.Normalize(remote.String()); addr != addresses[0] {
			addresses = append(addresses, addr)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("record host key: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, knownhosts.Line(addresses, key)); err != nil {
		return fmt.Errorf("record host key: %w", err)
	}
	return nil
}
