package cluster

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mitou-Kamo/mysql-cluster/cluster/confgen"
	"github.com/mitou-Kamo/mysql-cluster/cluster/nodemgr"
	"github.com/mitou-Kamo/mysql-cluster/cluster/topology"
)

// Scale adjusts the secondary count to target. Growth allocates new
// nodes with fresh node ids and joins them one at a time; shrink
// removes the most recently added secondaries first, each leaving the
// replication group before its backend is touched. A node that fails
// to leave keeps its backend and stays in the topology.
func (c *Coordinator) Scale(ctx context.Context, target int) (*ScaleReport, error) {
	if target < 0 {
		return nil, errors.Wrapf(ErrInvalidOperation, "target secondary count %d", target)
	}

	release, err := c.store.Lock()
	if err != nil {
		return nil, err
	}
	defer release()

	topo, err := c.store.Load()
	if err != nil {
		return nil, err
	}

	report := &ScaleReport{
		PreviousCount: len(topo.Secondaries),
		TargetCount:   target,
	}

	switch {
	case target > len(topo.Secondaries):
		err = c.growTo(ctx, topo, target, report)
	case target < len(topo.Secondaries):
		err = c.shrinkTo(ctx, topo, target, report)
	default:
		c.logger.Info("cluster already at target size", zap.Int("secondaries", target))
	}

	return report, err
}

func (c *Coordinator) growTo(ctx context.Context, topo *topology.Topology, target int, report *ScaleReport) error {
	primary, err := c.requireRunningPrimary(topo)
	if err != nil {
		return err
	}

	for len(topo.Secondaries) < target {
		if err := ctx.Err(); err != nil {
			return err
		}

		spec := topo.AddSecondary()
		if err := c.store.Save(topo); err != nil {
			return err
		}
		if err := c.writeNodeConfig(spec); err != nil {
			return err
		}

		c.logger.Info("adding secondary",
			zap.Int("nodeId", spec.NodeID),
			zap.String("backend", string(spec.Kind)))

		if err := c.joinSecondary(ctx, topo, spec, primary); err != nil {
			c.logger.Warn("new secondary failed to join",
				zap.Int("nodeId", spec.NodeID), zap.Error(err))
			c.recordNodeError(topo, spec, err)
		}
		report.Added = append(report.Added, nodeReport(spec))
	}

	return nil
}

func (c *Coordinator) shrinkTo(ctx context.Context, topo *topology.Topology, target int, report *ScaleReport) error {
	primary, err := c.requireRunningPrimary(topo)
	if err != nil {
		return err
	}

	for len(topo.Secondaries) > target {
		if err := ctx.Err(); err != nil {
			return err
		}

		// newest first
		spec := &topo.Secondaries[len(topo.Secondaries)-1]
		result, err := c.removeOne(ctx, topo, spec, primary)
		report.Removed = append(report.Removed, result)
		if err != nil {
			// the node stays in the topology; removing more would
			// reorder the LIFO sequence around a live member
			return err
		}
	}

	return nil
}

// removeOne takes one secondary out of the cluster. Order matters:
// the node must leave the replication group while its mysqld is still
// up, otherwise the group is left waiting on an expelled member.
func (c *Coordinator) removeOne(ctx context.Context, topo *topology.Topology, spec *topology.NodeSpec, primary *nodemgr.Primary) (NodeReport, error) {
	c.logger.Info("removing secondary",
		zap.Int("nodeId", spec.NodeID),
		zap.String("backend", string(spec.Kind)))

	mgr, err := c.secondaryManager(topo, spec)
	if err != nil {
		return nodeReport(spec), err
	}

	if spec.State == topology.StateJoined {
		if err := mgr.Leave(ctx, primary, topo.ClusterName); err != nil {
			wrapped := errors.WithMessagef(ErrLeaveFailed, "node %d: %v", spec.NodeID, err)
			c.recordNodeError(topo, spec, wrapped)
			return nodeReport(spec), wrapped
		}
	}

	if err := mgr.Stop(ctx); err != nil {
		c.logger.Warn("failed to stop removed secondary",
			zap.Int("nodeId", spec.NodeID), zap.Error(err))
	}
	if err := mgr.Backend().Destroy(ctx); err != nil {
		c.logger.Warn("failed to destroy removed secondary's backend",
			zap.Int("nodeId", spec.NodeID), zap.Error(err))
	}

	removed := *spec
	removed.State = topology.StateRemoved
	topo.RemoveSecondary(removed.NodeID)
	if err := c.store.Save(topo); err != nil {
		return nodeReport(&removed), err
	}

	c.metrics.NodesRemoved.Inc()
	return nodeReport(&removed), nil
}

// AddRemoteSecondary joins one secondary on an explicit SSH host,
// regardless of the container/remote assignment policy.
func (c *Coordinator) AddRemoteSecondary(ctx context.Context, host, sshUser string) (*NodeReport, error) {
	release, err := c.store.Lock()
	if err != nil {
		return nil, err
	}
	defer release()

	topo, err := c.store.Load()
	if err != nil {
		return nil, err
	}

	primary, err := c.requireRunningPrimary(topo)
	if err != nil {
		return nil, err
	}

	spec := topo.AddRemoteSecondary(host, sshUser)
	if err := c.store.Save(topo); err != nil {
		return nil, err
	}
	if err := c.writeNodeConfig(spec); err != nil {
		return nil, err
	}

	if err := c.joinSecondary(ctx, topo, spec, primary); err != nil {
		c.recordNodeError(topo, spec, err)
		report := nodeReport(spec)
		return &report, err
	}

	report := nodeReport(spec)
	return &report, nil
}

// RemoveSecondary removes one secondary by node id. The primary can
// never be removed.
func (c *Coordinator) RemoveSecondary(ctx context.Context, nodeID int) (*NodeReport, error) {
	release, err := c.store.Lock()
	if err != nil {
		return nil, err
	}
	defer release()

	topo, err := c.store.Load()
	if err != nil {
		return nil, err
	}

	if topo.Primary != nil && topo.Primary.NodeID == nodeID {
		return nil, errors.Wrap(ErrInvalidOperation, "cannot remove the primary")
	}

	spec := topo.Secondary(nodeID)
	if spec == nil {
		return nil, errors.Wrapf(ErrInvalidOperation, "no secondary with node id %d", nodeID)
	}

	primary, err := c.requireRunningPrimary(topo)
	if err != nil {
		return nil, err
	}

	result, err := c.removeOne(ctx, topo, spec, primary)
	return &result, err
}

// requireRunningPrimary builds the primary manager for membership
// changes. Membership mutations need a primary that has bootstrapped
// the group; anything earlier cannot admit or dismiss members.
func (c *Coordinator) requireRunningPrimary(topo *topology.Topology) (*nodemgr.Primary, error) {
	if topo.Primary == nil || topo.Primary.State != topology.StateJoined {
		return nil, errors.Wrap(ErrInvalidOperation,
			"primary has not bootstrapped the replication group, run start first")
	}
	return c.primaryManager(topo)
}

func (c *Coordinator) writeNodeConfig(spec *topology.NodeSpec) error {
	dir := filepath.Join(c.baseDir, "config")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	path := filepath.Join(dir, confgen.SecondaryFileName(spec.NodeID))
	if err := os.WriteFile(path, []byte(confgen.MyCnf(spec)), 0o644); err != nil {
		return errors.Wrap(err, "failed to write node config")
	}
	return nil
}
