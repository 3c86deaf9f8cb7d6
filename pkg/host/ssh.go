package host

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"path"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHHost runs commands on a remote machine reached over SSH — either a
// plain remote machine, or a cluster's login node (the two are
// indistinguishable from the engine's point of view: both are just an
// address this Host dials and runs commands on).
type SSHHost struct {
	name    string
	addr    string // host:port
	config  *ssh.ClientConfig
	dialer  func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
	timeout time.Duration
}

// SSHConfig configures an SSHHost.
type SSHConfig struct {
	Name        string
	Address     string // host:port; port defaults to 22 if omitted
	User        string
	Signers     []ssh.Signer
	Password    string // used only if Signers is empty
	HostKeyFunc ssh.HostKeyCallback
	DialTimeout time.Duration
}

// NewSSHHost builds an SSHHost from cfg. If cfg.HostKeyFunc is nil, host
// key checking is skipped — callers running against a hardened fleet
// should supply one backed by a known_hosts file.
func NewSSHHost(cfg SSHConfig) (*SSHHost, error) {
	addr := cfg.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	var auth []ssh.AuthMethod
	if len(cfg.Signers) > 0 {
		auth = append(auth, ssh.PublicKeys(cfg.Signers...))
	} else if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	} else {
		return nil, fmt.Errorf("host: ssh config for %q has no credentials", cfg.Name)
	}

	hostKeyFunc := cfg.HostKeyFunc
	if hostKeyFunc == nil {
		hostKeyFunc = ssh.InsecureIgnoreHostKey()
	}

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &SSHHost{
		name: cfg.Name,
		addr: addr,
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKeyFunc,
			Timeout:         timeout,
		},
		dialer:  ssh.Dial,
		timeout: timeout,
	}, nil
}

func (h *SSHHost) Name() string { return h.name }

func (h *SSHHost) dial() (*ssh.Client, error) {
	client, err := h.dialer("tcp", h.addr, h.config)
	if err != nil {
		return nil, ErrUnreachable
	}
	return client, nil
}

func (h *SSHHost) RunCommand(ctx context.Context, cmd string) (CommandResult, error) {
	return h.run(ctx, cmd)
}

func (h *SSHHost) Execute(ctx context.Context, argv []string) (CommandResult, error) {
	return h.run(ctx, shellQuoteJoin(argv))
}

// run executes cmd in a single SSH session, honoring ctx cancellation by
// closing the underlying client if the context finishes first.
func (h *SSHHost) run(ctx context.Context, cmd string) (CommandResult, error) {
	client, err := h.dial()
	if err != nil {
		return CommandResult{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return CommandResult{}, ErrUnreachable
	}
	defer session.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()
	defer close(done)

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	runErr := session.Run(cmd)
	result := CommandResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if exitErr, ok := runErr.(*ssh.ExitError); ok {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}
	if runErr != nil {
		return result, ErrUnreachable
	}
	return result, nil
}

func (h *SSHHost) EnsureDirectory(ctx context.Context, path string) error {
	result, err := h.run(ctx, "mkdir -p "+shellQuote(path))
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return ErrFilesystemError
	}
	return nil
}

// PutFile streams data to the remote path over a single session's stdin,
// writing to a temp file first and renaming into place — avoids leaving a
// partial file if the connection drops mid-transfer. No SFTP dependency is
// required for this: a plain `cat > tmp && mv tmp path` over the session
// pipe is sufficient for the byte volumes monitored scripts produce.
func (h *SSHHost) PutFile(ctx context.Context, path string, data []byte) error {
	client, err := h.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return ErrUnreachable
	}
	defer session.Close()

	tmp := path + ".tmp"
	dir := shellQuote(parentDir(path))
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && mv %s %s", dir, shellQuote(tmp), shellQuote(tmp), shellQuote(path))

	stdin, err := session.StdinPipe()
	if err != nil {
		return ErrFilesystemError
	}
	if err := session.Start(cmd); err != nil {
		return ErrFilesystemError
	}
	if _, err := stdin.Write(data); err != nil {
		return ErrFilesystemError
	}
	if err := stdin.Close(); err != nil {
		return ErrFilesystemError
	}
	if err := session.Wait(); err != nil {
		return ErrFilesystemError
	}
	return nil
}

func (h *SSHHost) GetFile(ctx context.Context, path string) ([]byte, error) {
	result, err := h.run(ctx, "cat "+shellQuote(path))
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, ErrMissingFile
	}
	return result.Stdout, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellQuoteJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func parentDir(p string) string {
	return path.Dir(p)
}
