// Package config loads and validates the fleetd options record from
// fleetd.yaml plus environment expansion. All secrets arrive through the
// environment; the YAML references them with {{.VAR}} templates.
package config

import "time"

// Config is the single options record controlling the process.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Deploy    DeployConfig    `yaml:"deploy"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig controls bearer-token authentication on the API surface.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"`
}

// RateLimitConfig bounds per-client request admission.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

// RuntimeConfig bounds the session gateway.
type RuntimeConfig struct {
	MaxSessions     int `yaml:"max_sessions"`
	SpawnsPerSecond int `yaml:"spawns_per_second"`
	SpawnBurst      int `yaml:"spawn_burst"`
}

// DeployConfig toggles and parameterizes the deployment target adapters.
type DeployConfig struct {
	Docker  DockerTarget  `yaml:"docker"`
	SSHHost SSHHostTarget `yaml:"sshhost"`
	Flyio   FlyioTarget   `yaml:"flyio"`
	Render  RenderTarget  `yaml:"render"`
}

// DockerTarget configures the local Docker Engine adapter.
type DockerTarget struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"` // empty uses the environment's default socket
}

// SSHHostTarget configures the remote-host adapter.
type SSHHostTarget struct {
	Enabled        bool   `yaml:"enabled"`
	User           string `yaml:"user"`
	KeyPath        string `yaml:"key_path"`
	KnownHostsPath string `yaml:"known_hosts_path"`
}

// FlyioTarget configures the Fly.io Machines adapter.
type FlyioTarget struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	APIBase string `yaml:"api_base"`
}

// RenderTarget configures the Render services adapter.
type RenderTarget struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	APIBase string `yaml:"api_base"`
}

// LogConfig controls slog verbosity.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the built-in defaults; user YAML merges on top.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Auth: AuthConfig{
			Enabled: true,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Runtime: RuntimeConfig{
			MaxSessions:     500,
			SpawnsPerSecond: 10,
			SpawnBurst:      10,
		},
		Deploy: DeployConfig{
			Docker: DockerTarget{Enabled: true},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// EnabledTargets lists the deploy targets switched on by this config.
func (c *Config) EnabledTargets() []string {
	var out []string
	if c.Deploy.Docker.Enabled {
		out = append(out, "container")
	}
	if c.Deploy.SSHHost.Enabled {
		out = append(out, "sshhost")
	}
	if c.Deploy.Flyio.Enabled {
		out = append(out, "flyio")
	}
	if c.Deploy.Render.Enabled {
		out = append(out, "render")
	}
	return out
}
