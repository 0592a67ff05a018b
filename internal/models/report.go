// Package models defines the core domain types for kbuilder.
package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CrashReport is a syzbot bug export, extended with the fix patch.
type CrashReport struct {
	Version            int         `json:"version"`
	Title              string      `json:"title"`
	DisplayTitle       string      `json:"display-title"`
	ID                 string      `json:"id"`
	Status             string      `json:"status"`
	FixCommits         []FixCommit `json:"fix-commits"`
	Discussions        []string    `json:"discussions"`
	Crashes            []Crash     `json:"crashes"`
	Subsystems         []string    `json:"subsystems"`
	ParentOfFixCommit  string      `json:"parent_of_fix_commit"`
	Patch              string      `json:"patch"`
	PatchModifiedFiles []string    `json:"patch_modified_files"`
}

// FixCommit is an upstream commit that fixed the bug.
type FixCommit struct {
	Title  string `json:"title"`
	Link   string `json:"link"`
	Hash   string `json:"hash"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
}

// Crash is one recorded occurrence of the bug, with everything needed to
// rebuild the crashing kernel and rerun the reproducer.
type Crash struct {
	Title               string `json:"title"`
	SyzReproducer       string `json:"syz-reproducer"`
	CReproducer         string `json:"c-reproducer"`
	KernelConfig        string `json:"kernel-config"`
	KernelSourceGit     string `json:"kernel-source-git"`
	KernelSourceCommit  string `json:"kernel-source-commit"`
	SyzkallerGit        string `json:"syzkaller-git"`
	SyzkallerCommit     string `json:"syzkaller-commit"`
	CompilerDescription string `json:"compiler-description"`
	Architecture        string `json:"architecture"`
	CrashReportLink     string `json:"crash-report-link"`
}

// LoadCrashReport reads and validates a report from a JSON file.
func LoadCrashReport(path string) (*CrashReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read crash report: %w", err)
	}
	return ParseCrashReport(data)
}

// ParseCrashReport decodes and validates a report.
func ParseCrashReport(data []byte) (*CrashReport, error) {
	var report CrashReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("parse crash report: %w", err)
	}
	if err := report.Validate(); err != nil {
		return nil, err
	}
	return &report, nil
}

// Validate checks the fields the build pipeline depends on.
func (r *CrashReport) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(r.ID) == "" {
		validation.Add("id", ErrInvalidReportID)
	}
	if len(r.Crashes) == 0 {
		validation.Add("crashes", ErrNoCrashes)
	} else if strings.TrimSpace(r.Crashes[0].KernelSourceCommit) == "" {
		validation.Add("crashes.kernel-source-commit", ErrInvalidSourceCommit)
	}
	return validation.Err()
}

// PrimaryCrash returns the first crash, which drives the build.
func (r *CrashReport) PrimaryCrash() (Crash, bool) {
	if len(r.Crashes) == 0 {
		return Crash{}, false
	}
	return r.Crashes[0], true
}

// BuildDir returns <root>/<id>/<kernel-source-commit>, the directory the
// kernel for this report is built in.
func BuildDir(root string, r *CrashReport) (string, error) {
	crash, ok := r.PrimaryCrash()
	if !ok {
		return "", ErrNoCrashes
	}
	if r.ID == "" {
		return "", ErrInvalidReportID
	}
	if crash.KernelSourceCommit == "" {
		return "", ErrInvalidSourceCommit
	}
	return filepath.Join(root, r.ID, crash.KernelSourceCommit), nil
}
