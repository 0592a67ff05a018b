package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Target is the VM the CLI talks to when no --host is given.
type Target struct {
	// Host is the VM address.
	Host string `yaml:"host,omitempty"`
	// Port overrides ssh.port when non-zero.
	Port int `yaml:"port,omitempty"`
	// Key is the pool key the VM's session is stored under; it defaults
	// to Host.
	Key string `yaml:"key,omitempty"`
	// ReportID is the crash report currently being worked on.
	ReportID string `yaml:"report_id,omitempty"`
	// UpdatedAt is when the target was last modified.
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// IsEmpty returns true if no target is set.
func (t *Target) IsEmpty() bool {
	return t.Host == ""
}

// PoolKey returns Key, falling back to Host.
func (t *Target) PoolKey() string {
	if t.Key != "" {
		return t.Key
	}
	return t.Host
}

// Set replaces the target host and clears the report, which belonged to
// the previous VM.
func (t *Target) Set(host string, port int, key string) {
	t.Host = host
	t.Port = port
	t.Key = key
	t.ReportID = ""
	t.UpdatedAt = time.Now()
}

// String returns a human-readable representation of the target.
func (t *Target) String() string {
	if t.IsEmpty() {
		return "(no target set)"
	}
	s := t.Host
	if t.Port != 0 {
		s = fmt.Sprintf("%s:%d", s, t.Port)
	}
	if t.Key != "" && t.Key != t.Host {
		s += " key:" + t.Key
	}
	if t.ReportID != "" {
		s += " report:" + t.ReportID
	}
	return s
}

// TargetStore loads and saves the target file.
type TargetStore struct {
	path string
	mu   sync.RWMutex
}

// NewTargetStore creates a target store. If path is empty, the default
// ~/.config/kbuilder/target.yaml is used.
func NewTargetStore(path string) *TargetStore {
	if path == "" {
		homeDir, _ := os.UserHomeDir()
		path = filepath.Join(homeDir, ".config", "kbuilder", "target.yaml")
	}
	return &TargetStore{path: path}
}

// Path returns the target file path.
func (s *TargetStore) Path() string {
	return s.path
}

// Load reads the target from disk. A missing file yields an empty target.
func (s *TargetStore) Load() (*Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target := &Target{}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return target, nil
		}
		return nil, fmt.Errorf("failed to read target file: %w", err)
	}

	if err := yaml.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("failed to parse target file: %w", err)
	}

	return target, nil
}

// Save writes the target to disk.
func (s *TargetStore) Save(target *Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	data, err := yaml.Marshal(target)
	if err != nil {
		return fmt.Errorf("failed to serialize target: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write target file: %w", err)
	}

	return nil
}

// Clear removes the target file.
func (s *TargetStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove target file: %w", err)
	}
	return nil
}
