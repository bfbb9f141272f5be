package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := parse([]byte(`{}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:8787" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.DBPath != "attemptd.sqlite" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.WorktreeBaseDir != ".attemptd-worktrees" {
		t.Errorf("WorktreeBaseDir = %q", cfg.WorktreeBaseDir)
	}
	if cfg.PollInterval.Duration() != 5*time.Second {
		t.Errorf("PollInterval = %s", cfg.PollInterval.Duration())
	}
}

func TestParseHonorsExplicitValues(t *testing.T) {
	cfg, err := parse([]byte(`
bind_addr: "0.0.0.0:9000"
db_path: "/var/lib/attemptd.sqlite"
worktree_base_dir: "/tmp/worktrees"
poll_interval: "2s"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.PollInterval.Duration() != 2*time.Second {
		t.Errorf("PollInterval = %s", cfg.PollInterval.Duration())
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	if _, err := parse([]byte("bind_addr: [")); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := writeTempFile(t, `bind_addr: "127.0.0.1:1234"`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:1234" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{
		RemoteRunner: &Remote{},
	}
	errs := Validate(cfg)
	if len(errs) != 5 {
		t.Fatalf("got %d errors, want 5: %v", len(errs), errs)
	}
}

func TestValidateAcceptsDefaultedConfig(t *testing.T) {
	cfg, err := parse([]byte(`{}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestValidateRemoteRunnerRequiresBaseURL(t *testing.T) {
	cfg, err := parse([]byte(`{}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg.RemoteRunner = &Remote{}
	errs := Validate(cfg)
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1: %v", len(errs), errs)
	}
}

func TestLoadProjectAndValidate(t *testing.T) {
	path := writeTempFile(t, `
name: demo
git_repo_path: /repo
setup_script: "npm install"
`)
	proj, err := LoadProject(path)
	if err != nil {
		t.Fatalf("LoadProject: %v", err)
	}
	if errs := ValidateProject(proj); len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestValidateProjectRequiresNameAndRepoPath(t *testing.T) {
	errs := ValidateProject(&Project{})
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(errs), errs)
	}
}
