package cluster

import (
	"github.com/mitou-Kamo/mysql-cluster/cluster/topology"
)

// NodeReport is the per-node outcome of a multi-node operation. State
// is the node's lifecycle state after the operation, mirrored
// verbatim from the internal enum.
type NodeReport struct {
	NodeID   int                  `json:"node_id"`
	Hostname string               `json:"hostname"`
	Kind     topology.BackendKind `json:"backend_kind"`
	State    topology.NodeState   `json:"state"`
	Error    string               `json:"error,omitempty"`
}

// StartReport describes the outcome of a cluster start. A failed
// primary aborts the operation, so the report only exists when the
// primary came up; secondaries may still have failed individually.
type StartReport struct {
	Primary     NodeReport   `json:"primary"`
	Secondaries []NodeReport `json:"secondaries"`
}

// Partial reports whether any secondary fell short of JOINED.
func (r *StartReport) Partial() bool {
	for _, s := range r.Secondaries {
		if s.State != topology.StateJoined {
			return true
		}
	}
	return false
}

// Unjoined lists the secondaries that did not reach JOINED.
func (r *StartReport) Unjoined() []NodeReport {
	var out []NodeReport
	for _, s := range r.Secondaries {
		if s.State != topology.StateJoined {
			out = append(out, s)
		}
	}
	return out
}

// ScaleReport describes a scale operation.
type ScaleReport struct {
	PreviousCount int          `json:"previous_count"`
	TargetCount   int          `json:"target_count"`
	Added         []NodeReport `json:"added,omitempty"`
	Removed       []NodeReport `json:"removed,omitempty"`
}

// Partial reports whether any added node missed JOINED or any
// removal failed.
func (r *ScaleReport) Partial() bool {
	for _, n := range r.Added {
		if n.State != topology.StateJoined {
			return true
		}
	}
	for _, n := range r.Removed {
		if n.Error != "" {
			return true
		}
	}
	return false
}

// NodeStatus is one node's live status.
type NodeStatus struct {
	NodeID    int                  `json:"node_id"`
	Hostname  string               `json:"hostname"`
	Kind      topology.BackendKind `json:"backend_kind"`
	State     topology.NodeState   `json:"state"`
	Host      string               `json:"host"`
	Port      int                  `json:"port"`
	Running   bool                 `json:"running"`
	Reachable bool                 `json:"reachable"`
	Error     string               `json:"error,omitempty"`
}

// ClusterStatus aggregates every node's live status. An unreachable
// node is marked as such instead of failing the whole call.
type ClusterStatus struct {
	ClusterName string       `json:"cluster_name"`
	Primary     NodeStatus   `json:"primary"`
	Secondaries []NodeStatus `json:"secondaries"`
}

// RunningCount returns the number of nodes reported running.
func (s *ClusterStatus) RunningCount() int {
	n := 0
	if s.Primary.Running {
		n++
	}
	for _, sec := range s.Secondaries {
		if sec.Running {
			n++
		}
	}
	return n
}
