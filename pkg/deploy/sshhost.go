package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/agentfleet/fleetd/pkg/models"
)

const sshDialTimeout = 15 * time.Second

// commandRunner executes a shell command on a remote host. Extracted so
// tests can run against a recorded fake instead of a live SSH server.
type commandRunner interface {
	Run(ctx context.Context, host, user, command string) (string, error)
}

// sshRunner dials the host per command and runs it in a fresh session.
// Connections are not pooled; deployment operations are rare enough that
// a dial per command keeps the failure handling simple.
type sshRunner struct {
	signer      ssh.Signer
	hostKeyFile string
}

func (r *sshRunner) Run(ctx context.Context, host, user, command string) (string, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // overridden below when a known_hosts file is configured
	if r.hostKeyFile != "" {
		cb, err := knownHostsCallback(r.hostKeyFile)
		if err != nil {
			return "", err
		}
		hostKeyCallback = cb
	}

	addr := host
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "22")
	}

	clientCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(r.signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         sshDialTimeout,
	}

	conn, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return "", fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	session, err := conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open session on %s: %w", addr, err)
	}
	defer func() { _ = session.Close() }()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case res := <-done:
		if res.err != nil {
			return string(res.out), fmt.Errorf("remote command failed: %w: %s", res.err, strings.TrimSpace(string(res.out)))
		}
		return string(res.out), nil
	}
}

// knownHostsCallback builds a host key verifier from a single public key
// file written by ssh-keyscan.
func knownHostsCallback(path string) (ssh.HostKeyCallback, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read host key file: %w", err)
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse host key: %w", err)
	}
	return ssh.FixedHostKey(key), nil
}

// SSHDeployer runs agent workloads on a remote shell host over SSH. The
// remote host is expected to have a container runtime; the adapter drives
// it with docker CLI commands so no fleetd component needs to be
// installed there.
type SSHDeployer struct {
	runner commandRunner
	logger *slog.Logger
}

// NewSSHDeployer loads the private key at keyPath and returns a deployer.
// hostKeyFile optionally pins the remote host key; when empty, host keys
// are not verified.
func NewSSHDeployer(keyPath, hostKeyFile string) (*SSHDeployer, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}
	return newSSHDeployer(&sshRunner{signer: signer, hostKeyFile: hostKeyFile}), nil
}

func newSSHDeployer(runner commandRunner) *SSHDeployer {
	return &SSHDeployer{
		runner: runner,
		logger: slog.Default().With("component", "deploy.ssh"),
	}
}

func (d *SSHDeployer) hostUser(cfg models.AgentConfig) (string, string, error) {
	host := cfg.Deployment.Host
	if host == "" {
		return "", "", fmt.Errorf("deployment host is required for remote shell target")
	}
	user := cfg.Deployment.User
	if user == "" {
		user = "fleetd"
	}
	return host, user, nil
}

// shellQuote wraps s in single quotes for safe interpolation into a
// remote shell command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func runCommand(agentID string, cfg models.AgentConfig) string {
	var sb strings.Builder
	sb.WriteString("docker run -d --restart unless-stopped --name ")
	sb.WriteString(shellQuote(workloadName(agentID)))
	for _, kv := range containerEnv(agentID, cfg) {
		sb.WriteString(" -e ")
		sb.WriteString(shellQuote(kv))
	}
	if cfg.Deployment.Resources.MemoryMB > 0 {
		sb.WriteString(fmt.Sprintf(" --memory %dm", cfg.Deployment.Resources.MemoryMB))
	}
	if cfg.Deployment.Resources.CPUMillis > 0 {
		sb.WriteString(fmt.Sprintf(" --cpus %.2f", float64(cfg.Deployment.Resources.CPUMillis)/1000))
	}
	sb.WriteString(" ")
	sb.WriteString(shellQuote(cfg.Deployment.Image))
	return sb.String()
}

// Deploy pulls the image on the remote host and replaces the agent's
// container there.
func (d *SSHDeployer) Deploy(ctx context.Context, agentID string, cfg models.AgentConfig, progress ProgressFunc) error {
	if cfg.Deployment.Image == "" {
		return fmt.Errorf("deployment image is required for remote shell target")
	}
	host, user, err := d.hostUser(cfg)
	if err != nil {
		return err
	}

	progress("provisioning", "pulling image on "+host)
	if _, err := d.runner.Run(ctx, host, user, "docker pull "+shellQuote(cfg.Deployment.Image)); err != nil {
		return fmt.Errorf("remote pull failed: %w", err)
	}

	progress("deploying", "replacing container on "+host)
	// Removal of an absent container exits nonzero; the trailing true
	// keeps that from failing the step.
	if _, err := d.runner.Run(ctx, host, user,
		"docker rm -f "+shellQuote(workloadName(agentID))+" || true"); err != nil {
		return fmt.Errorf("remote container removal failed: %w", err)
	}

	progress("starting", "starting container on "+host)
	if _, err := d.runner.Run(ctx, host, user, runCommand(agentID, cfg)); err != nil {
		return fmt.Errorf("remote start failed: %w", err)
	}

	d.logger.Info("Remote workload started", "agent_id", agentID, "host", host)
	return nil
}

// Stop removes the agent's container on the remote host.
func (d *SSHDeployer) Stop(ctx context.Context, agentID string, cfg models.AgentConfig) error {
	host, user, err := d.hostUser(cfg)
	if err != nil {
		return err
	}
	if _, err := d.runner.Run(ctx, host, user,
		"docker rm -f "+shellQuote(workloadName(agentID))+" || true"); err != nil {
		return fmt.Errorf("remote stop failed: %w", err)
	}
	return nil
}

// Restart restarts the container on the remote host.
func (d *SSHDeployer) Restart(ctx context.Context, agentID string, cfg models.AgentConfig) error {
	host, user, err := d.hostUser(cfg)
	if err != nil {
		return err
	}
	if _, err := d.runner.Run(ctx, host, user,
		"docker restart "+shellQuote(workloadName(agentID))); err != nil {
		return fmt.Errorf("remote restart failed: %w", err)
	}
	return nil
}

// UpdateConfig recreates the remote container with the new configuration.
// The remote docker CLI has no in-place env update.
func (d *SSHDeployer) UpdateConfig(ctx context.Context, agentID string, cfg models.AgentConfig) error {
	return d.Deploy(ctx, agentID, cfg, func(string, string) {})
}

// GetStatus inspects the remote container's running state.
func (d *SSHDeployer) GetStatus(ctx context.Context, agentID string, cfg models.AgentConfig) (Status, error) {
	host, user, err := d.hostUser(cfg)
	if err != nil {
		return Status{}, err
	}
	out, err := d.runner.Run(ctx, host, user,
		"docker inspect -f '{{.State.Status}}' "+shellQuote(workloadName(agentID)))
	if err != nil {
		return Status{}, fmt.Errorf("remote inspect failed: %w", err)
	}
	detail := strings.TrimSpace(out)
	running := detail == "running"
	return Status{Running: running, Healthy: running, Detail: detail}, nil
}
