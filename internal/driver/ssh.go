package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/optics-collector/pkg/config"
)

// sshRunner executes show commands over one SSH connection per poll.
type sshRunner struct {
	port      int
	creds     Credentials
	hostKeyCB ssh.HostKeyCallback
}

func newSSHRunner(cfg config.SSHDriverConfig, creds Credentials) (*sshRunner, error) {
	cb := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in verification through known_hosts
	if cfg.KnownHosts != "" {
		var err error
		cb, err = knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	}
	return &sshRunner{port: cfg.Port, creds: creds, hostKeyCB: cb}, nil
}

// run returns the output of each command. The connection is closed before
// run returns, and as soon as ctx is done.
func (r *sshRunner) run(ctx context.Context, address string, cmds ...string) ([]string, error) {
	addr := net.JoinHostPort(address, strconv.Itoa(r.port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, Transient(fmt.Errorf("dial %s: %w", addr, err))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User: r.creds.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(r.creds.Password),
			ssh.KeyboardInteractive(r.keyboardInteractive),
		},
		HostKeyCallback: r.hostKeyCB,
	})
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, Transient(fmt.Errorf("ssh handshake %s: %w", addr, ctx.Err()))
		}
		if isAuthError(err) {
			return nil, Permanent(fmt.Errorf("ssh login %s: %w", addr, err))
		}
		return nil, Transient(fmt.Errorf("ssh handshake %s: %w", addr, err))
	}
	client := ssh.NewClient(cc, chans, reqs)
	defer client.Close()

	out := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		s, err := r.exec(client, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return nil, Transient(fmt.Errorf("%s: %w", cmd, ctx.Err()))
			}
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *sshRunner) exec(client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", Transient(fmt.Errorf("open session: %w", err))
	}
	defer session.Close()

	b, err := session.CombinedOutput(cmd)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return "", Permanent(fmt.Errorf("%q exited %d: %s", cmd, exitErr.ExitStatus(), strings.TrimSpace(string(b))))
		}
		return "", Transient(fmt.Errorf("%q: %w", cmd, err))
	}
	if isCLIError(string(b)) {
		return "", Permanent(fmt.Errorf("%q rejected: %s", cmd, firstLine(string(b))))
	}
	return string(b), nil
}

func (r *sshRunner) keyboardInteractive(_, _ string, questions []string, _ []bool) ([]string, error) {
	answers := make([]string, len(questions))
	for i := range answers {
		answers[i] = r.creds.Password
	}
	return answers, nil
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain")
}

// isCLIError detects the "% Invalid input" style replies of Cisco CLIs.
func isCLIError(out string) bool {
	s := strings.TrimSpace(out)
	return strings.HasPrefix(s, "% Invalid") || strings.HasPrefix(s, "% Incomplete") ||
		strings.HasPrefix(s, "% Ambiguous") || strings.HasPrefix(s, "Syntax error")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
