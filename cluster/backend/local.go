package backend

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mitou-Kamo/mysql-cluster/cluster/topology"
)

// localBackend drives a mysqld on the orchestrator's own host, either
// through systemctl or as a directly invoked binary.
type localBackend struct {
	spec   *topology.NodeSpec
	opts   Options
	logger *zap.Logger

	serviceName string
}

func newLocalBackend(spec *topology.NodeSpec, opts Options) *localBackend {
	return &localBackend{
		spec:   spec,
		opts:   opts,
		logger: opts.Logger.With(zap.Int("nodeId", spec.NodeID)),
	}
}

func (b *localBackend) run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.commandTimeout())
	defer cancel()
	return b.opts.Runner.Run(ctx, name, args...)
}

// service figures out whether the host uses mysql.service or
// mysqld.service, caching the answer.
func (b *localBackend) service(ctx context.Context) string {
	if b.serviceName != "" {
		return b.serviceName
	}

	out, err := b.run(ctx, "systemctl", "list-unit-files", "mysql.service")
	if err == nil && strings.Contains(out, "mysql.service") {
		b.serviceName = "mysql"
	} else {
		b.serviceName = "mysqld"
	}
	return b.serviceName
}

func (b *localBackend) isRunning(ctx context.Context) bool {
	if b.spec.Kind == topology.BackendLocalSystemctl {
		out, err := b.run(ctx, "systemctl", "is-active", b.service(ctx))
		return err == nil && strings.TrimSpace(out) == "active"
	}

	_, err := b.run(ctx, "pgrep", "-f", "mysqld")
	return err == nil
}

func (b *localBackend) Start(ctx context.Context) error {
	if b.isRunning(ctx) {
		return nil
	}

	if b.spec.Kind == topology.BackendLocalSystemctl {
		if _, err := b.run(ctx, "sudo", "systemctl", "start", b.service(ctx)); err != nil {
			return err
		}
		return nil
	}

	args := []string{"--daemonize"}
	if b.opts.ConfigFile != "" {
		args = append([]string{fmt.Sprintf("--defaults-file=%s", b.opts.ConfigFile)}, args...)
	}
	if b.opts.DataDir != "" {
		args = append(args, fmt.Sprintf("--datadir=%s", b.opts.DataDir))
	}

	_, err := b.run(ctx, "mysqld", args...)
	return err
}

func (b *localBackend) Stop(ctx context.Context) error {
	if !b.isRunning(ctx) {
		return nil
	}

	if b.spec.Kind == topology.BackendLocalSystemctl {
		_, err := b.run(ctx, "sudo", "systemctl", "stop", b.service(ctx))
		return err
	}

	_, err := b.run(ctx, "pkill", "-f", "mysqld")
	return err
}

func (b *localBackend) Status(ctx context.Context) (Status, error) {
	return Status{
		Running: b.isRunning(ctx),
		Host:    b.spec.Host,
		Port:    b.spec.Port,
	}, nil
}

func (b *localBackend) Exec(ctx context.Context, statement string) (string, error) {
	return b.run(ctx, "mysql",
		fmt.Sprintf("-h%s", b.spec.Host),
		fmt.Sprintf("-P%d", b.spec.Port),
		"-uroot",
		fmt.Sprintf("-p%s", b.opts.RootPassword),
		"-N",
		"-e", statement)
}

func (b *localBackend) CopyFile(ctx context.Context, localPath, remotePath string) error {
	// direct copy needs root for the mysql plugin directory, so go
	// through sudo the way the rest of the local management does.
	if _, err := b.run(ctx, "sudo", "cp", localPath, remotePath); err != nil {
		return err
	}
	_, err := b.run(ctx, "sudo", "chmod", "755", remotePath)
	return err
}

func (b *localBackend) Destroy(ctx context.Context) error {
	return nil
}
