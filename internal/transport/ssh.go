package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultSSHTimeout = 15 * time.Second

// defaultKeyNames are tried under ~/.ssh when no key file is configured.
var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// SSHOpts configures the connection behind an sftp:// source.
type SSHOpts struct {
	Timeout  time.Duration // 0 means 15s
	Port     int           // 0 means 22
	KeyFile  string        // empty tries the default key names
	Password string
	Insecure bool // skip known_hosts verification
}

// DialSSH connects to host as userName (the current user when empty). The
// agent is tried first, then key files, then the password.
func DialSSH(ctx context.Context, host, userName string, opts SSHOpts) (*ssh.Client, error) {
	if userName == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("current user: %w", err)
		}
		userName = u.Username
	}

	auth := opts.authMethods()
	if len(auth) == 0 {
		return nil, errors.New("no ssh credentials: start an agent, configure ssh.key_file, or add a key under ~/.ssh")
	}
	verify, err := opts.hostKeys()
	if err != nil {
		return nil, err
	}

	port := opts.Port
	if port == 0 {
		port = 22
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultSSHTimeout
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	// The handshake has no context of its own; bound it with a deadline.
	if deadline, ok := dctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            userName,
		Auth:            auth,
		HostKeyCallback: verify,
		Timeout:         timeout,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func (o SSHOpts) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	keys := []string{o.KeyFile}
	if o.KeyFile == "" {
		keys = nil
		if home, err := os.UserHomeDir(); err == nil {
			for _, name := range defaultKeyNames {
				keys = append(keys, filepath.Join(home, ".ssh", name))
			}
		}
	}
	var signers []ssh.Signer
	for _, k := range keys {
		pem, err := os.ReadFile(k)
		if err != nil {
			continue
		}
		if s, err := ssh.ParsePrivateKey(pem); err == nil {
			signers = append(signers, s)
		}
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if o.Password != "" {
		methods = append(methods, ssh.Password(o.Password))
	}
	return methods
}

// hostKeys verifies against ~/.ssh/known_hosts. A device provisioned without
// one must opt out explicitly.
func (o SSHOpts) hostKeys() (ssh.HostKeyCallback, error) {
	if o.Insecure {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicit opt-out
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("locate known_hosts: %w", err)
	}
	cb, err := knownhosts.New(filepath.Join(home, ".ssh", "known_hosts"))
	if err != nil {
		return nil, fmt.Errorf("load known_hosts (set ssh.insecure to skip): %w", err)
	}
	return cb, nil
}
