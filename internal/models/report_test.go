package models

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleReport = `{
  "version": 1,
  "title": "KASAN: use-after-free Read in ext4_xattr_set_entry",
  "display-title": "KASAN: use-after-free Read in ext4_xattr_set_entry",
  "id": "0a1b2c3d",
  "status": "fixed",
  "fix-commits": [
    {"title": "ext4: fix use-after-free", "link": "https://example.org/c/1", "hash": "deadbeef", "repo": "linux", "branch": "master"}
  ],
  "discussions": [],
  "crashes": [
    {
      "title": "KASAN: use-after-free Read in ext4_xattr_set_entry",
      "syz-reproducer": "/text?tag=ReproSyz&x=1",
      "c-reproducer": "/text?tag=ReproC&x=2",
      "kernel-config": "/text?tag=KernelConfig&x=3",
      "kernel-source-git": "https://git.kernel.org/",
      "kernel-source-commit": "abc123",
      "syzkaller-git": "https://github.com/google/syzkaller",
      "syzkaller-commit": "fff000",
      "compiler-description": "gcc (Debian 12.2.0-14) 12.2.0",
      "architecture": "amd64",
      "crash-report-link": "/text?tag=CrashReport&x=4"
    }
  ],
  "subsystems": ["ext4"],
  "parent_of_fix_commit": "cafe01",
  "patch": "diff --git a/fs/ext4/xattr.c b/fs/ext4/xattr.c",
  "patch_modified_files": ["fs/ext4/xattr.c"]
}`

func TestParseCrashReport(t *testing.T) {
	report, err := ParseCrashReport([]byte(sampleReport))
	require.NoError(t, err)
	require.Equal(t, "0a1b2c3d", report.ID)
	require.Len(t, report.FixCommits, 1)
	require.Equal(t, "deadbeef", report.FixCommits[0].Hash)
	require.Equal(t, "cafe01", report.ParentOfFixCommit)
	require.Equal(t, []string{"fs/ext4/xattr.c"}, report.PatchModifiedFiles)

	crash, ok := report.PrimaryCrash()
	require.True(t, ok)
	require.Equal(t, "abc123", crash.KernelSourceCommit)
	require.Equal(t, "/text?tag=ReproC&x=2", crash.CReproducer)
	require.Equal(t, "amd64", crash.Architecture)
}

func TestParseCrashReportValidation(t *testing.T) {
	_, err := ParseCrashReport([]byte(`{"id": "", "crashes": []}`))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidReportID))
	require.True(t, errors.Is(err, ErrNoCrashes))

	_, err = ParseCrashReport([]byte(`{"id": "x", "crashes": [{"title": "t"}]}`))
	require.ErrorIs(t, err, ErrInvalidSourceCommit)

	_, err = ParseCrashReport([]byte(`{not json`))
	require.Error(t, err)
}

func TestLoadCrashReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleReport), 0o600))

	report, err := LoadCrashReport(path)
	require.NoError(t, err)
	require.Equal(t, "0a1b2c3d", report.ID)

	_, err = LoadCrashReport(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestBuildDir(t *testing.T) {
	report, err := ParseCrashReport([]byte(sampleReport))
	require.NoError(t, err)

	dir, err := BuildDir("/srv/kernels", report)
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/srv/kernels", "0a1b2c3d", "abc123"), dir)

	_, err = BuildDir("/srv/kernels", &CrashReport{ID: "x"})
	require.ErrorIs(t, err, ErrNoCrashes)
}
