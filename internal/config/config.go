package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"runas/internal/iolog"
	"runas/internal/logging"
	"runas/internal/policy"
)

// DefaultPath is where the configuration lives unless overridden.
const DefaultPath = "/etc/runas/config.yaml"

// PathEnv overrides DefaultPath.
const PathEnv = "RUNAS_CONFIG"

type Config struct {
	UsePty     bool            `yaml:"use_pty"`
	KillGrace  time.Duration   `yaml:"kill_grace"`
	SecurePath string          `yaml:"secure_path"`
	EnvKeep    []string        `yaml:"env_keep"`
	IOLog      IOLogConfig     `yaml:"iolog"`
	Log        logging.Options `yaml:"log"`
	Rules      []policy.Rule   `yaml:"rules"`
}

type IOLogConfig struct {
	Dir      string   `yaml:"dir"`
	File     string   `yaml:"file"`
	Compress bool     `yaml:"compress"`
	Streams  []string `yaml:"streams"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		KillGrace:  2 * time.Second,
		SecurePath: policy.DefaultSecurePath,
		IOLog: IOLogConfig{
			Dir:  "/var/log/runas-io",
			File: iolog.DefaultTemplate,
		},
		Log: logging.Options{Level: "warn", Format: "text"},
	}
}

// Path returns the configuration file to read: flag wins over the
// environment, which wins over DefaultPath.
func Path(flag string) string {
	if flag != "" {
		return flag
	}
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}

// LoadFrom reads the config from the given path on top of the defaults.
// If the file does not exist, it returns the defaults with no error.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.KillGrace < 0 {
		return fmt.Errorf("kill_grace: must not be negative")
	}
	if err := c.IOLog.validate(); err != nil {
		return fmt.Errorf("iolog: %w", err)
	}
	if c.Log.Level != "" {
		if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format: %q is not text or json", c.Log.Format)
	}
	for i, r := range c.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return nil
}

func (c IOLogConfig) validate() error {
	if c.Dir != "" && !filepath.IsAbs(c.Dir) {
		return fmt.Errorf("dir: %q must be absolute", c.Dir)
	}
	if filepath.IsAbs(c.File) {
		return fmt.Errorf("file: %q must be relative to dir", c.File)
	}
	if _, err := iolog.ParseStreams(c.Streams); err != nil {
		return fmt.Errorf("streams: %w", err)
	}
	return nil
}

// Options converts the iolog section for iolog.Create.
func (c IOLogConfig) Options() (iolog.Options, error) {
	streams, err := iolog.ParseStreams(c.Streams)
	if err != nil {
		return iolog.Options{}, err
	}
	return iolog.Options{
		Dir:      c.Dir,
		File:     c.File,
		Compress: c.Compress,
		Streams:  streams,
	}, nil
}

// RuleSet returns the configured rules as a policy checker.
func (c *Config) RuleSet() policy.RuleSet {
	return policy.RuleSet{Rules: c.Rules, SecurePath: c.SecurePath}
}
