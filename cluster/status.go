package cluster

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mitou-Kamo/mysql-cluster/cluster/topology"
)

// Status probes every node concurrently and aggregates the results.
// It takes no lock and mutates nothing: an unreachable node is
// reported as such rather than failing the call, so status keeps
// working against a half-broken cluster.
func (c *Coordinator) Status(ctx context.Context) (*ClusterStatus, error) {
	topo, err := c.store.Load()
	if err != nil {
		return nil, err
	}

	c.metrics.StatusQueries.Inc()

	nodes := topo.AllNodes()
	results := make([]NodeStatus, len(nodes))

	var wg sync.WaitGroup
	for idx, spec := range nodes {
		wg.Add(1)
		go func(idx int, spec *topology.NodeSpec) {
			defer wg.Done()
			results[idx] = c.probeNode(ctx, topo, spec)
		}(idx, spec)
	}
	wg.Wait()

	status := &ClusterStatus{
		ClusterName: topo.ClusterName,
		Primary:     results[0],
	}
	status.Secondaries = append(status.Secondaries, results[1:]...)
	return status, nil
}

func (c *Coordinator) probeNode(ctx context.Context, topo *topology.Topology, spec *topology.NodeSpec) NodeStatus {
	result := NodeStatus{
		NodeID:   spec.NodeID,
		Hostname: spec.Hostname,
		Kind:     spec.Kind,
		State:    spec.State,
		Host:     spec.Host,
		Port:     spec.Port,
		Error:    spec.LastError,
	}

	be, err := c.backendFor(topo, spec)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	status, err := be.Status(ctx)
	if err != nil {
		c.logger.Debug("node status probe failed",
			zap.Int("nodeId", spec.NodeID), zap.Error(err))
		result.Error = err.Error()
		return result
	}
	result.Running = status.Running

	if result.Running {
		if _, err := be.Exec(ctx, "SELECT 1;"); err == nil {
			result.Reachable = true
		}
	}

	return result
}
