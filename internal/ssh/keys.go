package ssh

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// PassphrasePrompt returns the passphrase for the provided key path.
type PassphrasePrompt func(keyPath string) (string, error)

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// ResolveKeyPath returns the absolute, symlink-free path of a private key.
// A missing or unreadable key is a configuration error.
func ResolveKeyPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", configError("private key path is empty")
	}
	abs, err := filepath.Abs(ExpandHome(path))
	if err != nil {
		return "", &Error{Kind: KindConfiguration, Msg: "resolve private key path", Err: err}
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", &Error{Kind: KindConfiguration, Msg: fmt.Sprintf("private key %s", abs), Err: err}
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", &Error{Kind: KindConfiguration, Msg: fmt.Sprintf("private key %s", resolved), Err: err}
	}
	if info.IsDir() {
		return "", configError("private key %s is a directory", resolved)
	}
	f, err := os.Open(resolved)
	if err != nil {
		return "", &Error{Kind: KindConfiguration, Msg: fmt.Sprintf("private key %s is not readable", resolved), Err: err}
	}
	f.Close()
	return resolved, nil
}

// LoadSigner loads a private key from disk, prompting for a passphrase when
// the key is encrypted and prompt is non-nil.
func LoadSigner(path string, prompt PassphrasePrompt) (xssh.Signer, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, Msg: "read private key", Err: err}
	}

	signer, err := xssh.ParsePrivateKey(keyBytes)
	if err == nil {
		return signer, nil
	}

	var missing *xssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, &Error{Kind: KindConfiguration, Msg: "parse private key", Err: err}
	}

	if prompt == nil {
		return nil, &Error{Kind: KindConfiguration, Msg: path, Err: ErrPassphraseRequired}
	}

	passphrase, err := prompt(path)
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, Msg: "passphrase prompt failed", Err: err}
	}
	if passphrase == "" {
		return nil, &Error{Kind: KindConfiguration, Msg: path, Err: ErrPassphraseRequired}
	}

	signer, err = xssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, Msg: "parse private key with passphrase", Err: err}
	}
	return signer, nil
}

// TerminalPassphrasePrompt reads a passphrase from stdin without echoing
// input. It fails when stdin is not a terminal.
func TerminalPassphrasePrompt(path string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal")
	}

	fmt.Fprintf(os.Stderr, "Enter passphrase for %s: ", path)
	passphrase, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(passphrase), nil
}
