package transport

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/sidkik/livesync/pkg/errors"
)

const (
	defaultSSHPort      = "22"
	defaultIdentity     = "~/.ssh/id_rsa"
	defaultKnownHosts   = "~/.ssh/known_hosts"
	defaultSSHCommand   = "livesync serve"
	sshHandshakeTimeout = 30 * time.Second
)

// SSH runs the destination on a remote machine over an SSH session.
type SSH struct {
	// Host is the remote address, with an optional port.
	Host string
	User string

	// IdentityFile is the private key to authenticate with.
	IdentityFile string

	// KnownHosts is the file that remote host keys are verified against.
	KnownHosts string

	// Command starts the destination on the remote machine.
	Command string
}

// Start dials the remote host and runs the destination command.
func (s SSH) Start(ctx context.Context) (Stream, error) {
	config, err := s.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := s.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultSSHPort)
	}

	dialer := net.Dialer{Timeout: sshHandshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.WithContext(err, "dial")
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, errors.WithContext(err, "ssh handshake")
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, errors.WithContext(err, "open session")
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		client.Close()
		return nil, errors.WithContext(err, "create stdin pipe")
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		client.Close()
		return nil, errors.WithContext(err, "create stdout pipe")
	}

	stderr, err := session.StderrPipe()
	if err != nil {
		client.Close()
		return nil, errors.WithContext(err, "create stderr pipe")
	}

	command := s.Command
	if command == "" {
		command = defaultSSHCommand
	}
	if err := session.Start(command); err != nil {
		client.Close()
		return nil, errors.WithContext(err, "start destination")
	}

	stream := newProcessStream(io.NopCloser(stdout), stdin, client.Close)
	go func() {
		logStderr(stderr, log.Fields{"destination": s.Host})
		err := session.Wait()
		if err != nil {
			err = errors.WithContext(err, "destination exited")
		}
		client.Close()
		stream.exited(err)
	}()

	log.WithField("host", addr).WithField("command", command).Debug("Started remote destination")
	return stream, nil
}

func (s SSH) clientConfig() (*ssh.ClientConfig, error) {
	if s.Host == "" {
		return nil, errors.NewFriendlyError("An SSH host is required.")
	}

	identityPath, err := homedir.Expand(orDefault(s.IdentityFile, defaultIdentity))
	if err != nil {
		return nil, errors.WithContext(err, "expand identity path")
	}

	key, err := os.ReadFile(identityPath)
	if err != nil {
		return nil, errors.NewFriendlyError("Failed to read SSH identity %s: %s", identityPath, err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.NewFriendlyError("Failed to parse SSH identity %s: %s", identityPath, err)
	}

	knownHostsPath, err := homedir.Expand(orDefault(s.KnownHosts, defaultKnownHosts))
	if err != nil {
		return nil, errors.WithContext(err, "expand known hosts path")
	}

	hostKeyCallback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, errors.NewFriendlyError("Failed to load known hosts from %s: %s",
			knownHostsPath, err)
	}

	user := s.User
	if user == "" {
		user = os.Getenv("USER")
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         sshHandshakeTimeout,
	}, nil
}

func orDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}
