// Package config loads the daemon's top-level YAML configuration and the
// per-project YAML documents describing setup/dev/cleanup scripts,
// generalizing the teacher's config.Config/Load/Validate pattern.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s".
type Duration time.Duration

// UnmarshalYAML parses a duration string such as "5s" or "100ms".
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the daemon's top-level configuration: bind address, DB
// location, worktree base directory, monitor poll interval, and whether
// command execution is delegated to a remote runner.
type Config struct {
	BindAddr        string   `yaml:"bind_addr"`
	DBPath          string   `yaml:"db_path"`
	WorktreeBaseDir string   `yaml:"worktree_base_dir"`
	PollInterval    Duration `yaml:"poll_interval"`
	RemoteRunner    *Remote  `yaml:"remote_runner,omitempty"`
	ProfilesPath    string   `yaml:"profiles_path,omitempty"`
	Notifications   Notify   `yaml:"notifications,omitempty"`
}

// Remote points the daemon at a companion remote-runner HTTP service
// instead of spawning child processes locally.
type Remote struct {
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// Notify holds the notification toggles for coding-agent completion. Sound
// enables the monitor's terminal bell; Push is parsed, but no push
// notification is sent.
type Notify struct {
	Sound bool `yaml:"sound"`
	Push  bool `yaml:"push"`
}

// Load reads and parses the daemon config at path, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8787"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "attemptd.sqlite"
	}
	if cfg.WorktreeBaseDir == "" {
		cfg.WorktreeBaseDir = ".attemptd-worktrees"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = Duration(5 * time.Second)
	}
	return &cfg, nil
}

// Validate collects every configuration error rather than failing on the
// first, matching the teacher's Validate style.
func Validate(cfg *Config) []error {
	var errs []error

	if cfg.BindAddr == "" {
		errs = append(errs, fmt.Errorf("bind_addr is required"))
	}
	if cfg.DBPath == "" {
		errs = append(errs, fmt.Errorf("db_path is required"))
	}
	if cfg.WorktreeBaseDir == "" {
		errs = append(errs, fmt.Errorf("worktree_base_dir is required"))
	}
	if cfg.PollInterval.Duration() <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive"))
	}
	if cfg.RemoteRunner != nil && cfg.RemoteRunner.BaseURL == "" {
		errs = append(errs, fmt.Errorf("remote_runner.base_url is required when remote_runner is set"))
	}
	return errs
}

// Project is the per-project YAML document describing the scripts run
// against every attempt of that project.
type Project struct {
	Name          string   `yaml:"name"`
	GitRepoPath   string   `yaml:"git_repo_path"`
	SetupScript   string   `yaml:"setup_script,omitempty"`
	DevScript     string   `yaml:"dev_script,omitempty"`
	CleanupScript string   `yaml:"cleanup_script,omitempty"`
	CopyFiles     []string `yaml:"copy_files,omitempty"`
	Profile       string   `yaml:"profile,omitempty"`
}

// LoadProject reads and parses a per-project YAML document at path.
func LoadProject(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading project config: %w", err)
	}
	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing project YAML: %w", err)
	}
	return &p, nil
}

// ValidateProject collects every configuration error on p.
func ValidateProject(p *Project) []error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}
	if p.GitRepoPath == "" {
		errs = append(errs, fmt.Errorf("git_repo_path is required"))
	}
	return errs
}
