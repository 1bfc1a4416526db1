package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/mitou-Kamo/mysql-cluster/cluster/topology"
)

// remoteBackend drives a mysqld on a remote machine over ssh,
// addressed by host + user. The connection is dialed lazily on first
// use and reused until Destroy.
type remoteBackend struct {
	spec   *topology.NodeSpec
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	client *ssh.Client
}

func newRemoteBackend(spec *topology.NodeSpec, opts Options) *remoteBackend {
	return &remoteBackend{
		spec:   spec,
		opts:   opts,
		logger: opts.Logger.With(zap.Int("nodeId", spec.NodeID), zap.String("host", spec.Host)),
	}
}

func (b *remoteBackend) dial() (*ssh.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return b.client, nil
	}

	var auth []ssh.AuthMethod
	if b.opts.SSHKeyPath != "" {
		keyData, err := os.ReadFile(b.opts.SSHKeyPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read ssh key")
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse ssh key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	cfg := &ssh.ClientConfig{
		User:            b.spec.SSHUser,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:22", b.spec.Host), cfg)
	if err != nil {
		return nil, errors.Wrapf(ErrUnreachable, "ssh dial %s: %v", b.spec.Host, err)
	}

	b.client = client
	return client, nil
}

// runSSH executes one command on the remote host, honoring the
// context deadline by tearing the session down when it fires.
func (b *remoteBackend) runSSH(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.commandTimeout())
	defer cancel()

	client, err := b.dial()
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		b.reset()
		return "", errors.Wrapf(ErrUnreachable, "ssh session %s: %v", b.spec.Host, err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Close()
		return "", errors.Wrapf(ErrTimeout, "ssh %s: %s", b.spec.Host, command)
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return stdout.String(), &CommandError{
					ExitCode: exitErr.ExitStatus(),
					Stderr:   stderr.String(),
				}
			}
			b.reset()
			return "", errors.Wrapf(ErrUnreachable, "ssh %s: %v", b.spec.Host, err)
		}
		return stdout.String(), nil
	}
}

func (b *remoteBackend) reset() {
	b.mu.Lock()
	if b.client != nil {
		_ = b.client.Close()
		b.client = nil
	}
	b.mu.Unlock()
}

func (b *remoteBackend) Start(ctx context.Context) error {
	_, err := b.runSSH(ctx, "sudo systemctl start mysql || sudo systemctl start mysqld")
	return err
}

func (b *remoteBackend) Stop(ctx context.Context) error {
	_, err := b.runSSH(ctx, "sudo systemctl stop mysql || sudo systemctl stop mysqld")
	return err
}

func (b *remoteBackend) Status(ctx context.Context) (Status, error) {
	status := Status{
		Host: b.spec.Host,
		Port: b.spec.Port,
	}

	out, err := b.runSSH(ctx, "systemctl is-active mysql || systemctl is-active mysqld")
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			// the service exists but is not active
			return status, nil
		}
		return status, err
	}

	status.Running = strings.Contains(out, "active")
	return status, nil
}

func (b *remoteBackend) Exec(ctx context.Context, statement string) (string, error) {
	cmd := fmt.Sprintf("mysql -uroot -p%s -N -e %q", b.opts.RootPassword, statement)
	return b.runSSH(ctx, cmd)
}

func (b *remoteBackend) CopyFile(ctx context.Context, localPath, remotePath string) error {
	client, err := b.dial()
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		b.reset()
		return errors.Wrapf(ErrUnreachable, "sftp %s: %v", b.spec.Host, err)
	}
	defer func() { _ = sftpClient.Close() }()

	src, err := os.Open(localPath)
	if err != nil {
		return errors.Wrap(err, "failed to open local file")
	}
	defer func() { _ = src.Close() }()

	// stage through /tmp, the final destination usually needs root
	stagePath := filepath.Join("/tmp", filepath.Base(localPath))
	dst, err := sftpClient.Create(stagePath)
	if err != nil {
		return errors.Wrapf(ErrUnreachable, "sftp create %s: %v", stagePath, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return errors.Wrap(err, "failed to upload file")
	}
	if err := dst.Close(); err != nil {
		return errors.Wrap(err, "failed to finish upload")
	}

	_, err = b.runSSH(ctx, fmt.Sprintf("sudo mv %s %s && sudo chmod 755 %s",
		stagePath, remotePath, remotePath))
	return err
}

func (b *remoteBackend) Destroy(ctx context.Context) error {
	b.reset()
	return nil
}
