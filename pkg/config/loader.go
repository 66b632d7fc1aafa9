package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the expected YAML file name inside the config dir.
const ConfigFileName = "fleetd.yaml"

// ErrInvalidYAML wraps YAML parse failures.
var ErrInvalidYAML = errors.New("invalid YAML")

// fileConfig mirrors Config for YAML parsing. Boolean toggles are
// pointers so an explicit false can override an enabled default.
type fileConfig struct {
	Server    *ServerConfig    `yaml:"server"`
	Auth      *authFile        `yaml:"auth"`
	RateLimit *RateLimitConfig `yaml:"rate_limit"`
	Runtime   *RuntimeConfig   `yaml:"runtime"`
	Deploy    *deployFile      `yaml:"deploy"`
	Log       *LogConfig       `yaml:"log"`
}

type authFile struct {
	Enabled   *bool  `yaml:"enabled,omitempty"`
	JWTSecret string `yaml:"jwt_secret,omitempty"`
}

type deployFile struct {
	Docker  *targetFile `yaml:"docker"`
	SSHHost *targetFile `yaml:"sshhost"`
	Flyio   *targetFile `yaml:"flyio"`
	Render  *targetFile `yaml:"render"`
}

// targetFile is the YAML shape shared by all deploy targets; each adapter
// reads the fields it understands.
type targetFile struct {
	Enabled        *bool  `yaml:"enabled,omitempty"`
	Host           string `yaml:"host,omitempty"`
	User           string `yaml:"user,omitempty"`
	KeyPath        string `yaml:"key_path,omitempty"`
	KnownHostsPath string `yaml:"known_hosts_path,omitempty"`
	Token          string `yaml:"token,omitempty"`
	APIBase        string `yaml:"api_base,omitempty"`
}

// Initialize loads, merges, and validates the configuration. A missing
// fleetd.yaml is not an error; the built-in defaults apply. Environment
// variables referenced as {{.VAR}} are expanded before parsing.
func Initialize(_ context.Context, configDir string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Info("No config file found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	default:
		var loaded fileConfig
		if err := yaml.Unmarshal(ExpandEnv(data), &loaded); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidYAML, path, err)
		}
		if err := apply(cfg, &loaded); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("Configuration initialized",
		"listen_addr", cfg.Server.ListenAddr,
		"auth_enabled", cfg.Auth.Enabled,
		"deploy_targets", cfg.EnabledTargets(),
		"log_level", cfg.Log.Level)
	return cfg, nil
}

// apply overlays the parsed file onto the defaults: plain sections merge
// with mergo (non-zero values override), toggle sections resolve
// explicitly so a literal false lands.
func apply(cfg *Config, loaded *fileConfig) error {
	if loaded.Server != nil {
		if err := mergo.Merge(&cfg.Server, loaded.Server, mergo.WithOverride); err != nil {
			return err
		}
	}
	if loaded.RateLimit != nil {
		if err := mergo.Merge(&cfg.RateLimit, loaded.RateLimit, mergo.WithOverride); err != nil {
			return err
		}
	}
	if loaded.Runtime != nil {
		if err := mergo.Merge(&cfg.Runtime, loaded.Runtime, mergo.WithOverride); err != nil {
			return err
		}
	}
	if loaded.Log != nil {
		if err := mergo.Merge(&cfg.Log, loaded.Log, mergo.WithOverride); err != nil {
			return err
		}
	}

	if loaded.Auth != nil {
		if loaded.Auth.Enabled != nil {
			cfg.Auth.Enabled = *loaded.Auth.Enabled
		}
		if loaded.Auth.JWTSecret != "" {
			cfg.Auth.JWTSecret = loaded.Auth.JWTSecret
		}
	}

	if loaded.Deploy != nil {
		d := loaded.Deploy
		if d.Docker != nil {
			if d.Docker.Enabled != nil {
				cfg.Deploy.Docker.Enabled = *d.Docker.Enabled
			}
			if d.Docker.Host != "" {
				cfg.Deploy.Docker.Host = d.Docker.Host
			}
		}
		if d.SSHHost != nil {
			if d.SSHHost.Enabled != nil {
				cfg.Deploy.SSHHost.Enabled = *d.SSHHost.Enabled
			}
			if d.SSHHost.User != "" {
				cfg.Deploy.SSHHost.User = d.SSHHost.User
			}
			if d.SSHHost.KeyPath != "" {
				cfg.Deploy.SSHHost.KeyPath = d.SSHHost.KeyPath
			}
			if d.SSHHost.KnownHostsPath != "" {
				cfg.Deploy.SSHHost.KnownHostsPath = d.SSHHost.KnownHostsPath
			}
		}
		if d.Flyio != nil {
			if d.Flyio.Enabled != nil {
				cfg.Deploy.Flyio.Enabled = *d.Flyio.Enabled
			}
			if d.Flyio.Token != "" {
				cfg.Deploy.Flyio.Token = d.Flyio.Token
			}
			if d.Flyio.APIBase != "" {
				cfg.Deploy.Flyio.APIBase = d.Flyio.APIBase
			}
		}
		if d.Render != nil {
			if d.Render.Enabled != nil {
				cfg.Deploy.Render.Enabled = *d.Render.Enabled
			}
			if d.Render.Token != "" {
				cfg.Deploy.Render.Token = d.Render.Token
			}
			if d.Render.APIBase != "" {
				cfg.Deploy.Render.APIBase = d.Render.APIBase
			}
		}
	}

	return nil
}

// SlogLevel maps the configured level string onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
