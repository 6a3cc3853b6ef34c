// Package config holds the dispatcher settings and the application profiles
// a push campaign is started with.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

const (
	DefaultPusherBin   = "/opt/bin/apn-pusher"
	DefaultTokenLength = 64
	DefaultBackoff     = 300 * time.Second
	DefaultLogFormat   = "auto"
	DefaultContent     = "Our app has new features, please upgrade!"
)

// ErrUnknownProfile ...
var ErrUnknownProfile = errors.New("unknown profile")

// Database locates the token tables.
type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Profile is one application a campaign can target.
type Profile struct {
	LogFile    string         `yaml:"log_file"`
	CertFile   string         `yaml:"cert_file"`
	Passphrase string         `yaml:"passphrase"`
	Sandbox    bool           `yaml:"sandbox"`
	Packages   []string       `yaml:"packages"`
	Conditions map[string]any `yaml:"conditions"`
	Content    string         `yaml:"content"`

	// Deliverer is "binary" (default) or "apns2".
	Deliverer string `yaml:"deliverer"`
	Topic     string `yaml:"topic"`
	KeyID     string `yaml:"key_id"`
	TeamID    string `yaml:"team_id"`
	Rate      int    `yaml:"rate"`
}

// Settings ...
type Settings struct {
	PusherBin         string        `yaml:"pusher_bin"`
	TokenLength       int           `yaml:"token_length"`
	Backoff           time.Duration `yaml:"-"`
	BackoffRaw        string        `yaml:"backoff"`
	LogFormat         string        `yaml:"log_format"`
	PruneByResumeLine bool          `yaml:"prune_by_resume_line"`
	Workers           int           `yaml:"workers"`

	LogDir  string `yaml:"log_dir"`
	CertDir string `yaml:"cert_dir"`
	DataDir string `yaml:"data_dir"`

	Database Database           `yaml:"database"`
	Profiles map[string]Profile `yaml:"profiles"`
}

// Default returns settings rooted at dir.
func Default(dir string) *Settings {
	return &Settings{
		PusherBin:   DefaultPusherBin,
		TokenLength: DefaultTokenLength,
		Backoff:     DefaultBackoff,
		LogFormat:   DefaultLogFormat,
		Workers:     1,
		LogDir:      filepath.Join(dir, "logs"),
		CertDir:     filepath.Join(dir, "certs"),
		DataDir:     filepath.Join(dir, "data"),
		Profiles:    map[string]Profile{},
	}
}

// Load reads settings from a YAML file on top of the defaults. Relative
// directories are resolved against the file's directory.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	s := Default(dir)
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.BackoffRaw != "" {
		d, err := ParseDurationField("backoff", s.BackoffRaw)
		if err != nil {
			return nil, err
		}
		s.Backoff = d
	}
	for _, d := range []*string{&s.LogDir, &s.CertDir, &s.DataDir} {
		if *d != "" && !filepath.IsAbs(*d) {
			*d = filepath.Join(dir, *d)
		}
	}
	return s, s.Validate()
}

// Validate ...
func (s *Settings) Validate() error {
	if s.TokenLength <= 0 {
		return fmt.Errorf("token_length must be > 0, got %d", s.TokenLength)
	}
	if s.Backoff < 0 {
		return errors.New("backoff must be >= 0")
	}
	if s.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", s.Workers)
	}
	for name, p := range s.Profiles {
		switch strings.ToLower(p.Deliverer) {
		case "", "binary", "apns2":
		default:
			return fmt.Errorf("profile %s: unknown deliverer %q", name, p.Deliverer)
		}
	}
	return nil
}

// Profile returns the named profile with its relative paths resolved and
// defaults filled in.
func (s *Settings) Profile(name string) (Profile, error) {
	p, ok := s.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q (have %s)", ErrUnknownProfile, name, strings.Join(s.ProfileNames(), ", "))
	}
	if p.LogFile == "" {
		p.LogFile = name + ".log"
	}
	p.LogFile = resolve(s.LogDir, p.LogFile)
	if p.CertFile != "" {
		p.CertFile = resolve(s.CertDir, p.CertFile)
	}
	if p.Content == "" {
		p.Content = DefaultContent
	}
	if p.Deliverer == "" {
		p.Deliverer = "binary"
	}
	return p, nil
}

// ProfileNames returns the configured profile names, sorted.
func (s *Settings) ProfileNames() []string {
	names := make([]string, 0, len(s.Profiles))
	for n := range s.Profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// ParseDurationField parses a non-negative duration, naming the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
