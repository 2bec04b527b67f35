package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("mode: real\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// Override searchPathsFunc to avoid finding real config files on
	// developer/deploy machines (~/.config/maslited/config.yaml, etc.).
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mode: simulated\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mode: real\njournal_path: ${MASLITE_TEST_JOURNAL}\n"), 0600)
	os.Setenv("MASLITE_TEST_JOURNAL", "/tmp/run123.db")
	defer os.Unsetenv("MASLITE_TEST_JOURNAL")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.JournalPath != "/tmp/run123.db" {
		t.Errorf("journal_path = %q, want %q", cfg.JournalPath, "/tmp/run123.db")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mode: simulated\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Parallelism != 1 {
		t.Errorf("Parallelism = %d, want 1", cfg.Parallelism)
	}
	if cfg.JournalPath != "./maslited.db" {
		t.Errorf("JournalPath = %q, want %q", cfg.JournalPath, "./maslited.db")
	}
}

func TestValidate_RejectsUnknownMode(t *testing.T) {
	cfg := Default()
	cfg.Mode = "eventual"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an unknown mode")
	}
}

func TestValidate_RejectsSpeedInSimulatedMode(t *testing.T) {
	cfg := Default()
	cfg.Mode = "simulated"
	speed := 2.0
	cfg.Speed = &speed
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when speed is set under simulated mode")
	}
}

func TestValidate_AllowsSpeedInRealMode(t *testing.T) {
	cfg := Default()
	cfg.Mode = "real"
	speed := 2.0
	cfg.Speed = &speed
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidate_RejectsNegativeParallelism(t *testing.T) {
	cfg := Default()
	cfg.Parallelism = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for negative parallelism")
	}
}

func TestValidate_RejectsDashboardPortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Dashboard = DashboardConfig{Enabled: true, Port: 0}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an out-of-range dashboard port")
	}
}

func TestValidate_IgnoresDashboardPortWhenDisabled(t *testing.T) {
	cfg := Default()
	cfg.Dashboard = DashboardConfig{Enabled: false, Port: 0}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestApplyDefaults_DashboardPort(t *testing.T) {
	cfg := Default()
	cfg.Dashboard.Enabled = true
	cfg.applyDefaults()
	if cfg.Dashboard.Port != 7070 {
		t.Errorf("Dashboard.Port = %d, want 7070", cfg.Dashboard.Port)
	}
}

func TestValidate_RejectsUnknownLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an unknown log level")
	}
}
