package cluster

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mitou-Kamo/mysql-cluster/cluster/backend"
	"github.com/mitou-Kamo/mysql-cluster/cluster/confgen"
	"github.com/mitou-Kamo/mysql-cluster/cluster/nodemgr"
	"github.com/mitou-Kamo/mysql-cluster/cluster/topology"
)

// CreateOptions shape a new cluster topology.
type CreateOptions struct {
	ClusterName    string
	SecondaryCount int
	RemoteHosts    []topology.RemoteHost
	PrimaryKind    topology.BackendKind
	RootPassword   string
	CustomImage    string
}

// Create builds and persists a fresh topology: one local primary,
// the first len(RemoteHosts) secondaries on remote machines, the
// remainder in containers. All nodes start out PROVISIONED.
func (c *Coordinator) Create(opts CreateOptions) (*topology.Topology, error) {
	if c.store.Exists() {
		return nil, errors.Wrapf(ErrInvalidOperation,
			"topology already exists at %s, run cleanup first", c.store.Path())
	}

	if opts.ClusterName == "" {
		opts.ClusterName = topology.DefaultClusterName
	}
	if opts.PrimaryKind == "" {
		opts.PrimaryKind = topology.BackendLocalSystemctl
	}
	if opts.RootPassword == "" {
		opts.RootPassword = DefaultRootPassword
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	topo := topology.New(opts.ClusterName, opts.PrimaryKind, hostname, opts.RootPassword)
	topo.CustomImage = opts.CustomImage
	topo.RemoteHosts = opts.RemoteHosts

	for i := 0; i < opts.SecondaryCount; i++ {
		topo.AddSecondary()
	}

	release, err := c.store.Lock()
	if err != nil {
		return nil, err
	}
	defer release()

	if err := c.store.Save(topo); err != nil {
		return nil, err
	}

	c.logger.Info("created cluster topology",
		zap.String("cluster", topo.ClusterName),
		zap.Int("secondaries", len(topo.Secondaries)),
		zap.Int("remoteHosts", len(opts.RemoteHosts)))

	return topo, nil
}

// Setup prepares infrastructure without starting anything: config and
// data directories, generated my.cnf files, and the docker network
// for container nodes.
func (c *Coordinator) Setup(ctx context.Context) error {
	topo, err := c.store.Load()
	if err != nil {
		return err
	}

	for _, dir := range []string{"config", "data", "logs", filepath.Join("data", "primary")} {
		if err := os.MkdirAll(filepath.Join(c.baseDir, dir), 0o755); err != nil {
			return errors.Wrap(err, "failed to create cluster directory")
		}
	}

	for _, node := range topo.AllNodes() {
		name := "primary.cnf"
		if node != topo.Primary {
			name = confgen.SecondaryFileName(node.NodeID)
		}
		path := filepath.Join(c.baseDir, "config", name)
		if err := os.WriteFile(path, []byte(confgen.MyCnf(node)), 0o644); err != nil {
			return errors.Wrap(err, "failed to write node config")
		}
	}

	hasDocker := false
	for _, node := range topo.Secondaries {
		if node.Kind == topology.BackendDocker {
			hasDocker = true
			break
		}
	}
	if hasDocker {
		if err := backend.EnsureDockerNetwork(ctx, c.runner, topo.DockerNetwork, topo.DockerSubnet); err != nil {
			return errors.Wrap(err, "failed to create docker network")
		}
	}

	c.logger.Info("cluster setup complete", zap.String("baseDir", c.baseDir))
	return nil
}

// Start brings the whole cluster up. The primary comes first and must
// succeed: it is the founding member of the replication group, and no
// secondary can join before the group exists. Secondaries are then
// started and joined strictly one at a time; a concurrent join's
// state transfer competes with the primary for certification and I/O
// and can corrupt group state. A secondary failure is recorded on the
// node and does not abort the call.
func (c *Coordinator) Start(ctx context.Context) (*StartReport, error) {
	release, err := c.store.Lock()
	if err != nil {
		return nil, err
	}
	defer release()

	topo, err := c.store.Load()
	if err != nil {
		return nil, err
	}

	primary, err := c.startPrimary(ctx, topo)
	if err != nil {
		return nil, err
	}

	report := &StartReport{Primary: nodeReport(topo.Primary)}

	for i := range topo.Secondaries {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		spec := &topo.Secondaries[i]
		if err := c.joinSecondary(ctx, topo, spec, primary); err != nil {
			c.logger.Warn("secondary failed to join, continuing",
				zap.Int("nodeId", spec.NodeID),
				zap.Error(err))
			c.recordNodeError(topo, spec, err)
		}
		report.Secondaries = append(report.Secondaries, nodeReport(spec))
	}

	return report, nil
}

// startPrimary starts, configures, and establishes the primary as the
// sole group member. Any failure here is fatal for the operation.
func (c *Coordinator) startPrimary(ctx context.Context, topo *topology.Topology) (*nodemgr.Primary, error) {
	primary, err := c.primaryManager(topo)
	if err != nil {
		return nil, err
	}

	c.logger.Info("starting primary", zap.Int("nodeId", topo.Primary.NodeID))

	if err := primary.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to start primary")
	}
	if topo.Primary.State == topology.StateProvisioned {
		if err := c.advance(topo, topo.Primary, topology.StateStarted); err != nil {
			return nil, err
		}
	}

	if err := primary.WaitReady(ctx, c.readyTimeout); err != nil {
		return nil, errors.Wrap(err, "primary did not become ready")
	}

	if err := primary.ConfigureForReplication(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to configure primary")
	}
	if topo.Primary.State == topology.StateStarted {
		if err := c.advance(topo, topo.Primary, topology.StateConfigured); err != nil {
			return nil, err
		}
	}

	if err := primary.CreateGroup(ctx, topo.ClusterName); err != nil {
		return nil, errors.Wrap(err, "failed to create replication group")
	}
	if topo.Primary.State != topology.StateJoined {
		if err := c.advance(topo, topo.Primary, topology.StateJoined); err != nil {
			return nil, err
		}
	}

	return primary, nil
}

// joinSecondary runs the full join sequence for one secondary:
// start, waitReady, configure, clone-based join, ONLINE verification.
// Topology is persisted after every completed step so an interrupted
// run resumes where it left off. A node already JOINED is only
// restarted.
func (c *Coordinator) joinSecondary(ctx context.Context, topo *topology.Topology, spec *topology.NodeSpec, primary *nodemgr.Primary) error {
	mgr, err := c.secondaryManager(topo, spec)
	if err != nil {
		return err
	}

	c.logger.Info("starting secondary",
		zap.Int("nodeId", spec.NodeID),
		zap.String("backend", string(spec.Kind)))

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	if spec.State == topology.StateProvisioned {
		if err := c.advance(topo, spec, topology.StateStarted); err != nil {
			return err
		}
	}

	if err := mgr.WaitReady(ctx, c.readyTimeout); err != nil {
		return err
	}

	if spec.State == topology.StateJoined {
		// restart case: already a member, nothing more to do
		return nil
	}

	if err := mgr.ConfigureForReplication(ctx); err != nil {
		return err
	}
	if spec.State == topology.StateStarted {
		if err := c.advance(topo, spec, topology.StateConfigured); err != nil {
			return err
		}
	}

	if err := mgr.Join(ctx, primary, topo.ClusterName); err != nil {
		return errors.WithMessagef(ErrJoinFailed, "node %d: %v", spec.NodeID, err)
	}
	if err := c.advance(topo, spec, topology.StateJoined); err != nil {
		return err
	}

	c.metrics.NodesJoined.Inc()
	return nil
}

// Stop shuts the cluster down, secondaries first, then the primary.
// Nodes keep their lifecycle state; a stopped member is still a
// member.
func (c *Coordinator) Stop(ctx context.Context) error {
	release, err := c.store.Lock()
	if err != nil {
		return err
	}
	defer release()

	topo, err := c.store.Load()
	if err != nil {
		return err
	}

	var firstErr error
	for i := range topo.Secondaries {
		spec := &topo.Secondaries[i]
		mgr, err := c.secondaryManager(topo, spec)
		if err == nil {
			err = mgr.Stop(ctx)
		}
		if err != nil {
			c.logger.Warn("failed to stop secondary",
				zap.Int("nodeId", spec.NodeID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	primary, err := c.primaryManager(topo)
	if err == nil {
		err = primary.Stop(ctx)
	}
	if err != nil {
		return errors.Wrap(err, "failed to stop primary")
	}

	return firstErr
}

// Restart stops and starts the cluster. Nodes that are already group
// members are only restarted, not rejoined.
func (c *Coordinator) Restart(ctx context.Context) (*StartReport, error) {
	if err := c.Stop(ctx); err != nil {
		c.logger.Warn("errors while stopping cluster, restarting anyway", zap.Error(err))
	}
	return c.Start(ctx)
}

// Cleanup tears the whole cluster down: stops every node, destroys
// its backend, and removes the persisted topology.
func (c *Coordinator) Cleanup(ctx context.Context) error {
	release, err := c.store.Lock()
	if err != nil {
		return err
	}
	defer release()

	topo, err := c.store.Load()
	if err != nil {
		if errors.Is(err, topology.ErrNotFound) {
			return nil
		}
		return err
	}

	for _, spec := range topo.AllNodes() {
		be, err := c.backendFor(topo, spec)
		if err != nil {
			c.logger.Warn("failed to build backend during cleanup",
				zap.Int("nodeId", spec.NodeID), zap.Error(err))
			continue
		}

		if err := be.Stop(ctx); err != nil {
			c.logger.Debug("failed to stop node during cleanup",
				zap.Int("nodeId", spec.NodeID), zap.Error(err))
		}
		if err := be.Destroy(ctx); err != nil {
			c.logger.Warn("failed to destroy backend during cleanup",
				zap.Int("nodeId", spec.NodeID), zap.Error(err))
		}
	}

	return c.store.Remove()
}
