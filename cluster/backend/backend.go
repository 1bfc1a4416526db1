package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mitou-Kamo/mysql-cluster/cluster/topology"
)

var (
	// ErrUnreachable indicates the backend could not be contacted at
	// all (process missing, container runtime down, ssh dial failed).
	ErrUnreachable = errors.New("backend unreachable")

	// ErrTimeout indicates an external call exceeded its deadline.
	// The retry policy treats it the same as ErrUnreachable.
	ErrTimeout = errors.New("backend timeout")
)

// CommandError is returned when an external command ran but exited
// non-zero.
type CommandError struct {
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed with exit code %d: %s", e.ExitCode, e.Stderr)
}

// IsRetryable reports whether the error is transient (unreachable or
// timed out) and worth retrying with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout)
}

// Status is the uniform view of a node's backend.
type Status struct {
	Running bool   `json:"running"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// NodeBackend is the capability set shared by the three execution
// backends. Callers select an implementation once via New and never
// branch on the backend kind afterwards.
type NodeBackend interface {
	// Start brings the node's mysqld up.
	Start(ctx context.Context) error

	// Stop shuts the node's mysqld down.
	Stop(ctx context.Context) error

	// Status reports whether the node is running and where it is
	// reachable.
	Status(ctx context.Context) (Status, error)

	// Exec runs a SQL statement through the node's mysql client and
	// returns its output.
	Exec(ctx context.Context, statement string) (string, error)

	// CopyFile transfers a local file onto the node.
	CopyFile(ctx context.Context, localPath, remotePath string) error

	// Destroy releases the backend's resources (removes the
	// container, closes ssh connections). No-op for local nodes.
	Destroy(ctx context.Context) error
}

// Options carries the shared dependencies of all backend variants.
type Options struct {
	Logger       *zap.Logger
	Runner       Runner
	RootPassword string

	// SSHKeyPath optionally points at the private key used for
	// remote-machine nodes.
	SSHKeyPath string

	// Image is the container image for docker nodes.
	Image string

	// DockerNetwork is the network container nodes attach to.
	DockerNetwork string

	// ConfigFile/DataDir are used by local_binary nodes.
	ConfigFile string
	DataDir    string

	// CommandTimeout bounds a single external call. Defaults to 30s.
	CommandTimeout time.Duration
}

const defaultCommandTimeout = 30 * time.Second

func (o *Options) commandTimeout() time.Duration {
	if o.CommandTimeout > 0 {
		return o.CommandTimeout
	}
	return defaultCommandTimeout
}

// Factory builds the backend for a node spec. The coordinator and
// the plugin installer take one so tests can substitute fakes.
type Factory func(spec *topology.NodeSpec) (NodeBackend, error)

// New selects the backend implementation for the node's kind.
func New(spec *topology.NodeSpec, opts Options) (NodeBackend, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Runner == nil {
		opts.Runner = NewExecRunner()
	}

	switch spec.Kind {
	case topology.BackendLocalSystemctl, topology.BackendLocalBinary:
		return newLocalBackend(spec, opts), nil
	case topology.BackendDocker:
		return newDockerBackend(spec, opts), nil
	case topology.BackendRemote:
		return newRemoteBackend(spec, opts), nil
	default:
		return nil, errors.Errorf("unknown backend kind %q", spec.Kind)
	}
}
