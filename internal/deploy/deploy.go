// Package deploy implements the orchestrator (C6): shipping a worker
// binary to a remote host over SSH and starting/stopping/restarting it
// via a recorded PID file, per spec.md section 4.6. It is scripted glue
// around golang.org/x/crypto/ssh — the only contract the core cares
// about is a stable workerId for the process's lifetime and a log file
// the operator can tail.
package deploy

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/quantdesk/marketjobs/internal/config"
)

// Target names one remote host the deployer can act against.
type Target struct {
	Host    string
	User    string
	KeyPath string
	Port    int
}

// FromHostEntry builds a Target from a config.HostEntry. Any non-empty
// --user/--key and non-zero --port override from the CLI replaces the
// entry's own value; the port is 22 when no override is given.
func FromHostEntry(h config.HostEntry, user, keyPath string, port int) Target {
	t := Target{Host: h.Host, User: h.User, KeyPath: h.KeyPath, Port: 22}
	if user != "" {
		t.User = user
	}
	if keyPath != "" {
		t.KeyPath = keyPath
	}
	if port != 0 {
		t.Port = port
	}
	return t
}

// RemotePaths centralizes the fixed layout the deployer uses on a
// target host, rooted under the worker's own home directory.
type RemotePaths struct {
	BinPath    string
	ConfigPath string
	PIDFile    string
	LogFile    string
}

// DefaultPaths returns the standard remote layout under ~/marketjobs/,
// keyed by the deploy identifier the orchestrator was invoked with (the
// `hosts[].host` entry, or an explicit workerId when one process per
// host is not assumed).
func DefaultPaths(key string) RemotePaths {
	base := fmt.Sprintf("marketjobs/%s", key)
	return RemotePaths{
		BinPath:    base + "/worker",
		ConfigPath: base + "/config.yaml",
		PIDFile:    base + "/worker.pid",
		LogFile:    base + "/worker.log",
	}
}

// Client wraps one SSH connection to a Target, offering the small set
// of remote operations the orchestrator needs. Grounded on the standard
// golang.org/x/crypto/ssh client-config pattern (key-based auth). Host
// keys are not verified: Dial always uses ssh.InsecureIgnoreHostKey and
// does not consult known_hosts.
type Client struct {
	target Target
	client *ssh.Client
}

// Dial opens an SSH connection to target using its configured key file.
func Dial(target Target) (*Client, error) {
	keyBytes, err := os.ReadFile(target.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("deploy: read key %s: %w", target.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("deploy: parse key %s: %w", target.KeyPath, err)
	}

	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	addr := net.JoinHostPort(target.Host, fmt.Sprintf("%d", target.Port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("deploy: dial %s: %w", addr, err)
	}
	return &Client{target: target, client: client}, nil
}

// Close releases the underlying SSH connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Run executes a single remote command and returns its combined output.
func (c *Client) Run(cmd string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("deploy: new session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	if err := session.Run(cmd); err != nil {
		return out.String(), fmt.Errorf("deploy: run %q: %w", cmd, err)
	}
	return out.String(), nil
}

// Start launches the worker binary as a detached background process,
// recording its PID at paths.PIDFile and redirecting stdout/stderr to
// paths.LogFile, per spec.md section 4.6.
func (c *Client) Start(paths RemotePaths) error {
	cmd := fmt.Sprintf(
		"mkdir -p $(dirname %s) && nohup %s --config %s >> %s 2>&1 & echo $! > %s",
		paths.LogFile, paths.BinPath, paths.ConfigPath, paths.LogFile, paths.PIDFile,
	)
	_, err := c.Run(cmd)
	return err
}

// Stop sends SIGTERM to the PID recorded at paths.PIDFile and then
// removes the file at once. It does not wait for the process to exit; the
// worker's own shutdown path (shutdownGrace) runs after Stop returns.
func (c *Client) Stop(paths RemotePaths) error {
	cmd := fmt.Sprintf(
		"pid=$(cat %s 2>/dev/null) && [ -n \"$pid\" ] && kill -TERM \"$pid\" && rm -f %s",
		paths.PIDFile, paths.PIDFile,
	)
	_, err := c.Run(cmd)
	return err
}

// Restart stops then starts the worker. Errors from Stop are discarded
// and do not block Start, since a missing PID file (worker already down)
// is a common, harmless restart precondition.
func (c *Client) Restart(paths RemotePaths) error {
	_ = c.Stop(paths)
	time.Sleep(time.Second)
	return c.Start(paths)
}

// Status reports whether the process recorded at paths.PIDFile is
// currently alive.
func (c *Client) Status(paths RemotePaths) (running bool, pid string, err error) {
	out, runErr := c.Run(fmt.Sprintf(
		"pid=$(cat %s 2>/dev/null); if [ -n \"$pid\" ] && kill -0 \"$pid\" 2>/dev/null; then echo \"running $pid\"; else echo stopped; fi",
		paths.PIDFile,
	))
	if runErr != nil {
		return false, "", runErr
	}
	out = strings.TrimSpace(out)
	if strings.HasPrefix(out, "running") {
		fields := strings.Fields(out)
		if len(fields) == 2 {
			return true, fields[1], nil
		}
		return true, "", nil
	}
	return false, "", nil
}

// Deploy uploads localBinPath and localConfigPath to the target's
// recorded paths, creating parent directories as needed. Transfer uses a
// plain `cat > file` pipe over the SSH session's stdin rather than SFTP,
// since the orchestrator has no other SFTP-dependent surface and
// x/crypto/ssh already gives us a raw session to pipe through.
func (c *Client) Deploy(paths RemotePaths, localBinPath, localConfigPath string) error {
	if err := c.upload(localBinPath, paths.BinPath, true); err != nil {
		return fmt.Errorf("deploy: upload binary: %w", err)
	}
	if err := c.upload(localConfigPath, paths.ConfigPath, false); err != nil {
		return fmt.Errorf("deploy: upload config: %w", err)
	}
	return nil
}

func (c *Client) upload(localPath, remotePath string, executable bool) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}
	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	mkdir := fmt.Sprintf("mkdir -p $(dirname %s)", remotePath)
	if _, err := c.Run(mkdir); err != nil {
		return err
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	cmd := "cat > " + remotePath
	if executable {
		cmd += " && chmod +x " + remotePath
	}
	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("start %q: %w", cmd, err)
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("close stdin: %w", err)
	}
	return session.Wait()
}

// Logs returns the last n lines of the worker's log file.
func (c *Client) Logs(paths RemotePaths, n int) (string, error) {
	if n <= 0 {
		n = 200
	}
	return c.Run(fmt.Sprintf("tail -n %d %s", n, paths.LogFile))
}
