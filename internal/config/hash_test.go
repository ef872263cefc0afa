package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateChecksumsWithReportDryRun(t *testing.T) {
	tmpDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte("pool:\n  max_workers: 2\n"), 0600); err != nil {
		t.Fatal(err)
	}

	report, err := GenerateChecksumsWithReport(tmpDir, []string{"config.yaml", "tokens.yaml"}, true)
	if err != nil {
		t.Fatalf("GenerateChecksumsWithReport() failed: %v", err)
	}

	if report.Written {
		t.Fatal("report.Written = true, want false in dry-run")
	}
	if len(report.Files) != 2 {
		t.Fatalf("len(report.Files) = %d, want 2", len(report.Files))
	}
	if !report.Files[0].Exists || report.Files[0].Hash == "" {
		t.Fatal("config.yaml should exist with computed hash")
	}
	if report.Files[1].Exists || report.Files[1].Hash != "" {
		t.Fatal("tokens.yaml should be reported as missing without hash")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ".checksums")); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestLock_ThenLoadVerifies(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, "config.yaml", "include: [pool.yaml]\n")
	poolPath := writeConfig(t, dir, "pool.yaml", "pool:\n  max_workers: 2\n")

	reports, err := Lock(configPath, false)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if len(reports) != 1 || !reports[0].Written || len(reports[0].Files) != 2 {
		t.Fatalf("unexpected lock reports: %+v", reports)
	}

	manifest, err := LoadChecksums(dir)
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	if len(manifest.Hashes) != 2 {
		t.Fatalf("len(manifest.Hashes) = %d, want 2", len(manifest.Hashes))
	}

	if _, err := Load(configPath); err != nil {
		t.Fatalf("Load() of locked config failed: %v", err)
	}

	// Tamper with an included file.
	if err := os.WriteFile(poolPath, []byte("pool:\n  max_workers: 64\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("Load() error = %v, want hash mismatch", err)
	}
}

func TestLoadChecksums_Missing(t *testing.T) {
	_, err := LoadChecksums(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "config lock") {
		t.Fatalf("LoadChecksums() error = %v", err)
	}
}

func TestVerifyFileHash(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "x.yaml", "a: 1\n")
	hash, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyFileHash(path, hash); err != nil {
		t.Fatalf("VerifyFileHash() = %v", err)
	}
	if err := VerifyFileHash(path, strings.Repeat("0", 64)); err == nil {
		t.Fatal("expected mismatch")
	}
}
