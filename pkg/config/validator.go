package config

import (
	"errors"
	"fmt"
)

// Validate checks the merged configuration for internal consistency.
// Every violation is collected so the operator sees them all at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required when auth is enabled (set FLEETD_JWT_SECRET)"))
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.requests_per_second must be positive, got %d", c.RateLimit.RequestsPerSecond))
	}
	if c.RateLimit.Burst <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.burst must be positive, got %d", c.RateLimit.Burst))
	}
	if c.Runtime.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("runtime.max_sessions must be positive, got %d", c.Runtime.MaxSessions))
	}

	if c.Deploy.SSHHost.Enabled {
		if c.Deploy.SSHHost.User == "" {
			errs = append(errs, errors.New("deploy.sshhost.user is required when the sshhost target is enabled"))
		}
		if c.Deploy.SSHHost.KeyPath == "" {
			errs = append(errs, errors.New("deploy.sshhost.key_path is required when the sshhost target is enabled"))
		}
	}
	if c.Deploy.Flyio.Enabled && c.Deploy.Flyio.Token == "" {
		errs = append(errs, errors.New("deploy.flyio.token is required when the flyio target is enabled (set FLY_API_TOKEN)"))
	}
	if c.Deploy.Render.Enabled && c.Deploy.Render.Token == "" {
		errs = append(errs, errors.New("deploy.render.token is required when the render target is enabled (set RENDER_API_KEY)"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level))
	}

	if len(c.EnabledTargets()) == 0 {
		errs = append(errs, errors.New("at least one deploy target must be enabled"))
	}

	return errors.Join(errs...)
}
