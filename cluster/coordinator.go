// Package cluster is the membership orchestration core: it builds the
// topology, sequences node joins and leaves against the database's
// group-replication tooling, handles scaling and ad-hoc add/remove,
// and aggregates status, with partial failure isolated per node.
package cluster

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mitou-Kamo/mysql-cluster/cluster/backend"
	"github.com/mitou-Kamo/mysql-cluster/cluster/dbadmin"
	"github.com/mitou-Kamo/mysql-cluster/cluster/nodemgr"
	"github.com/mitou-Kamo/mysql-cluster/cluster/topology"
	"github.com/mitou-Kamo/mysql-cluster/pkg/metrics"
)

const (
	// DefaultRootPassword matches the credential baked into the
	// node images when none is supplied.
	DefaultRootPassword = "kamo"

	defaultReadyTimeout = 60 * time.Second
)

type CoordinatorOptions struct {
	Logger *zap.Logger
	Store  *topology.Store
	Admin  dbadmin.Admin

	// Backends overrides backend construction; tests inject
	// recording fakes here. When nil, backend.New is used with
	// settings derived from the topology.
	Backends backend.Factory

	// Runner is used for cluster-level commands (docker network
	// creation during setup).
	Runner backend.Runner

	// BaseDir is where generated node configuration lives.
	BaseDir string

	// SSHKeyPath is handed to remote backends.
	SSHKeyPath string

	// ReadyTimeout bounds each node's readiness poll.
	ReadyTimeout time.Duration
}

// Coordinator is the orchestration core. All mutating operations
// serialize behind the store's exclusive file lock; status is
// read-only and may run concurrently with anything.
type Coordinator struct {
	logger       *zap.Logger
	store        *topology.Store
	admin        dbadmin.Admin
	backends     backend.Factory
	runner       backend.Runner
	baseDir      string
	sshKeyPath   string
	readyTimeout time.Duration
	metrics      *metrics.ClusterMetrics
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	baseDir := opts.BaseDir
	if baseDir == "" {
		baseDir, _ = os.Getwd()
	}

	readyTimeout := opts.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = defaultReadyTimeout
	}

	return &Coordinator{
		logger:       logger,
		store:        opts.Store,
		admin:        opts.Admin,
		backends:     opts.Backends,
		runner:       opts.Runner,
		baseDir:      baseDir,
		sshKeyPath:   opts.SSHKeyPath,
		readyTimeout: readyTimeout,
		metrics:      metrics.GetClusterMetrics(),
	}
}

// Store exposes the topology store, for status serving.
func (c *Coordinator) Store() *topology.Store {
	return c.store
}

func (c *Coordinator) backendFor(topo *topology.Topology, spec *topology.NodeSpec) (backend.NodeBackend, error) {
	if c.backends != nil {
		return c.backends(spec)
	}

	return backend.New(spec, backend.Options{
		Logger:        c.logger,
		Runner:        c.runner,
		RootPassword:  topo.RootPassword,
		Image:         topo.Image(),
		DockerNetwork: topo.DockerNetwork,
		SSHKeyPath:    c.sshKeyPath,
		ConfigFile:    filepath.Join(c.baseDir, "config", "primary.cnf"),
		DataDir:       filepath.Join(c.baseDir, "data", "primary"),
	})
}

func (c *Coordinator) primaryManager(topo *topology.Topology) (*nodemgr.Primary, error) {
	be, err := c.backendFor(topo, topo.Primary)
	if err != nil {
		return nil, err
	}

	return nodemgr.NewPrimary(nodemgr.Options{
		Spec:         topo.Primary,
		Backend:      be,
		Admin:        c.admin,
		Logger:       c.logger,
		RootPassword: topo.RootPassword,
	}), nil
}

func (c *Coordinator) secondaryManager(topo *topology.Topology, spec *topology.NodeSpec) (*nodemgr.Secondary, error) {
	be, err := c.backendFor(topo, spec)
	if err != nil {
		return nil, err
	}

	return nodemgr.NewSecondary(nodemgr.Options{
		Spec:         spec,
		Backend:      be,
		Admin:        c.admin,
		Logger:       c.logger,
		RootPassword: topo.RootPassword,
	}), nil
}

// advance moves a node's state forward and persists the topology so
// an interrupted operation resumes from the last committed step.
func (c *Coordinator) advance(topo *topology.Topology, spec *topology.NodeSpec, next topology.NodeState) error {
	state, err := spec.State.Advance(next)
	if err != nil {
		return err
	}
	spec.State = state
	spec.LastError = ""
	return c.store.Save(topo)
}

// recordNodeError persists a per-node failure without changing the
// node's state.
func (c *Coordinator) recordNodeError(topo *topology.Topology, spec *topology.NodeSpec, err error) {
	spec.LastError = err.Error()
	c.metrics.NodeFailures.Inc()
	if saveErr := c.store.Save(topo); saveErr != nil {
		c.logger.Error("failed to persist node error", zap.Error(saveErr))
	}
}

func nodeReport(spec *topology.NodeSpec) NodeReport {
	return NodeReport{
		NodeID:   spec.NodeID,
		Hostname: spec.Hostname,
		Kind:     spec.Kind,
		State:    spec.State,
		Error:    spec.LastError,
	}
}
