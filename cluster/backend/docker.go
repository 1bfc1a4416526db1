package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mitou-Kamo/mysql-cluster/cluster/confgen"
	"github.com/mitou-Kamo/mysql-cluster/cluster/topology"
)

// dockerBackend drives a containerized mysqld through the docker CLI,
// addressed by container name.
type dockerBackend struct {
	spec   *topology.NodeSpec
	opts   Options
	logger *zap.Logger
}

func newDockerBackend(spec *topology.NodeSpec, opts Options) *dockerBackend {
	return &dockerBackend{
		spec:   spec,
		opts:   opts,
		logger: opts.Logger.With(zap.Int("nodeId", spec.NodeID)),
	}
}

func (b *dockerBackend) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.commandTimeout())
	defer cancel()
	return b.opts.Runner.Run(ctx, "docker", args...)
}

func (b *dockerBackend) exists(ctx context.Context) bool {
	_, err := b.run(ctx, "container", "inspect", b.spec.ContainerName())
	return err == nil
}

func (b *dockerBackend) Start(ctx context.Context) error {
	if b.exists(ctx) {
		_, err := b.run(ctx, "start", b.spec.ContainerName())
		return err
	}

	args := []string{
		"run", "-d",
		"--name", b.spec.ContainerName(),
		"--hostname", b.spec.Hostname,
		"--restart", "unless-stopped",
		"-e", fmt.Sprintf("MYSQL_ROOT_PASSWORD=%s", b.opts.RootPassword),
		"-e", "MYSQL_ROOT_HOST=%",
		"-p", fmt.Sprintf("%d:3306", b.spec.Port),
	}
	if b.opts.DockerNetwork != "" {
		args = append(args, "--network", b.opts.DockerNetwork)
		if b.spec.ContainerIP != "" {
			args = append(args, "--ip", b.spec.ContainerIP)
		}
	}
	args = append(args, b.opts.Image)
	args = append(args, confgen.MysqldArgs(b.spec.NodeID)...)

	_, err := b.run(ctx, args...)
	return err
}

func (b *dockerBackend) Stop(ctx context.Context) error {
	if !b.exists(ctx) {
		return nil
	}
	_, err := b.run(ctx, "stop", b.spec.ContainerName())
	return err
}

func (b *dockerBackend) Status(ctx context.Context) (Status, error) {
	status := Status{
		Host: b.spec.Host,
		Port: b.spec.Port,
	}

	out, err := b.run(ctx, "inspect", "-f", "{{.State.Running}}", b.spec.ContainerName())
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			// container does not exist: not running, not an error
			return status, nil
		}
		return status, err
	}

	status.Running = strings.TrimSpace(out) == "true"
	return status, nil
}

func (b *dockerBackend) Exec(ctx context.Context, statement string) (string, error) {
	return b.run(ctx, "exec", b.spec.ContainerName(),
		"mysql", "-uroot",
		fmt.Sprintf("-p%s", b.opts.RootPassword),
		"-N",
		"-e", statement)
}

func (b *dockerBackend) CopyFile(ctx context.Context, localPath, remotePath string) error {
	target := fmt.Sprintf("%s:%s", b.spec.ContainerName(), remotePath)
	if _, err := b.run(ctx, "cp", localPath, target); err != nil {
		return err
	}
	_, err := b.run(ctx, "exec", b.spec.ContainerName(), "chmod", "755", remotePath)
	return err
}

func (b *dockerBackend) Destroy(ctx context.Context) error {
	if !b.exists(ctx) {
		return nil
	}
	_, err := b.run(ctx, "rm", "-f", b.spec.ContainerName())
	return err
}

// EnsureDockerNetwork creates the bridge network container nodes
// attach to, tolerating it already existing.
func EnsureDockerNetwork(ctx context.Context, runner Runner, name, subnet string) error {
	if runner == nil {
		runner = NewExecRunner()
	}

	ctx, cancel := context.WithTimeout(ctx, defaultCommandTimeout)
	defer cancel()

	if _, err := runner.Run(ctx, "docker", "network", "inspect", name); err == nil {
		return nil
	}

	_, err := runner.Run(ctx, "docker", "network", "create",
		"--driver", "bridge",
		"--subnet", subnet,
		name)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "already exists") {
			return nil
		}
		return err
	}
	return nil
}
