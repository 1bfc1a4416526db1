package topology

import (
	"fmt"

	"github.com/pkg/errors"
)

// BackendKind identifies the execution backend hosting a node's mysqld.
// It is chosen when the node is created and never changes afterwards.
type BackendKind string

const (
	BackendLocalSystemctl BackendKind = "local_systemctl"
	BackendLocalBinary    BackendKind = "local_binary"
	BackendDocker         BackendKind = "docker_container"
	BackendRemote         BackendKind = "remote_machine"
)

// NodeState is the per-node lifecycle state. Transitions only move
// forward (PROVISIONED -> STARTED -> CONFIGURED -> JOINED) except for
// the terminal REMOVED state, which is reachable from anywhere.
type NodeState string

const (
	StateProvisioned NodeState = "PROVISIONED"
	StateStarted     NodeState = "STARTED"
	StateConfigured  NodeState = "CONFIGURED"
	StateJoined      NodeState = "JOINED"
	StateRemoved     NodeState = "REMOVED"
)

var stateRank = map[NodeState]int{
	StateProvisioned: 0,
	StateStarted:     1,
	StateConfigured:  2,
	StateJoined:      3,
}

// Advance returns the state after a transition to next, or an error if
// the transition would move backwards. REMOVED is always allowed.
func (s NodeState) Advance(next NodeState) (NodeState, error) {
	if next == StateRemoved {
		return StateRemoved, nil
	}
	if s == StateRemoved {
		return s, errors.Errorf("node is removed, cannot transition to %s", next)
	}

	cur, ok := stateRank[s]
	if !ok {
		return s, errors.Errorf("unknown node state %q", s)
	}
	nxt, ok := stateRank[next]
	if !ok {
		return s, errors.Errorf("unknown node state %q", next)
	}

	if nxt < cur {
		return s, errors.Errorf("cannot transition %s -> %s", s, next)
	}
	return next, nil
}

// RemoteHost is one entry of the remote-host pool supplied at cluster
// creation. The pool is persisted so that repeated scale operations
// reproduce the same backend-kind assignment.
type RemoteHost struct {
	Host    string `json:"host"`
	SSHUser string `json:"ssh_user"`
}

// NodeSpec describes a single cluster node. NodeID values are assigned
// from the topology's monotonic counter and are never reused, even
// after the node is removed.
type NodeSpec struct {
	NodeID      int         `json:"node_id"`
	Hostname    string      `json:"hostname"`
	Kind        BackendKind `json:"backend_kind"`
	Host        string      `json:"host"`
	Port        int         `json:"port"`
	ContainerIP string      `json:"container_ip,omitempty"`
	SSHUser     string      `json:"ssh_user,omitempty"`

	State     NodeState `json:"state"`
	LastError string    `json:"last_error,omitempty"`
}

// ContainerName returns the docker container name for a container
// backed node.
func (n *NodeSpec) ContainerName() string {
	return fmt.Sprintf("mysql-node-%d", n.NodeID)
}

// Addr returns the host:port the node's mysqld is reachable on.
func (n *NodeSpec) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// GroupAddress is the address used for group-replication traffic
// between members.
func (n *NodeSpec) GroupAddress() string {
	return fmt.Sprintf("%s:3306", n.Hostname)
}

// Topology is the persisted description of cluster membership. It is
// passed into every operation as an explicit value; the Store's file
// lock guards concurrent load-mutate-save sequences.
type Topology struct {
	ClusterName  string `json:"cluster_name"`
	MySQLVersion string `json:"mysql_version"`
	RootPassword string `json:"root_password"`

	Primary     *NodeSpec  `json:"primary"`
	Secondaries []NodeSpec `json:"secondaries"`

	// NextNodeID is the monotonic node id counter. IDs are never
	// reused after removal.
	NextNodeID int `json:"next_node_id"`

	// RemoteHosts is the pool given at create time. Secondaries are
	// assigned remote-host backends pool-first, containers after.
	RemoteHosts []RemoteHost `json:"remote_hosts,omitempty"`

	DockerNetwork string `json:"docker_network"`
	DockerSubnet  string `json:"docker_subnet"`
	DockerBaseIP  string `json:"docker_base_ip"`

	// DockerImage is the official image tag; CustomImage, when set,
	// takes precedence.
	DockerImage string `json:"docker_image"`
	CustomImage string `json:"custom_image,omitempty"`
}

const (
	DefaultClusterName  = "lineairdb_cluster"
	DefaultMySQLVersion = "8.0.43"

	defaultDockerNetwork = "mysql-cluster-net"
	defaultDockerSubnet  = "172.20.0.0/16"
	defaultDockerBaseIP  = "172.20.0"
)

// New returns a topology with a local primary and no secondaries.
func New(clusterName string, primaryKind BackendKind, hostname, rootPassword string) *Topology {
	t := &Topology{
		ClusterName:   clusterName,
		MySQLVersion:  DefaultMySQLVersion,
		RootPassword:  rootPassword,
		NextNodeID:    1,
		DockerNetwork: defaultDockerNetwork,
		DockerSubnet:  defaultDockerSubnet,
		DockerBaseIP:  defaultDockerBaseIP,
		DockerImage:   "mysql/mysql-server:" + DefaultMySQLVersion,
	}

	t.Primary = &NodeSpec{
		NodeID:   t.takeNodeID(),
		Hostname: hostname,
		Kind:     primaryKind,
		Host:     "127.0.0.1",
		Port:     3306,
		State:    StateProvisioned,
	}

	return t
}

func (t *Topology) takeNodeID() int {
	id := t.NextNodeID
	t.NextNodeID++
	return id
}

// Image returns the container image to use, custom image winning over
// the official one when both are set.
func (t *Topology) Image() string {
	if t.CustomImage != "" {
		return t.CustomImage
	}
	return t.DockerImage
}

// AllNodes returns the primary followed by the secondaries in join
// order.
func (t *Topology) AllNodes() []*NodeSpec {
	var nodes []*NodeSpec
	if t.Primary != nil {
		nodes = append(nodes, t.Primary)
	}
	for i := range t.Secondaries {
		nodes = append(nodes, &t.Secondaries[i])
	}
	return nodes
}

// Secondary returns the secondary with the given node id, or nil.
func (t *Topology) Secondary(nodeID int) *NodeSpec {
	for i := range t.Secondaries {
		if t.Secondaries[i].NodeID == nodeID {
			return &t.Secondaries[i]
		}
	}
	return nil
}

// usedRemoteHosts reports which pool hosts currently back a secondary.
func (t *Topology) usedRemoteHosts() map[string]bool {
	used := make(map[string]bool)
	for i := range t.Secondaries {
		if t.Secondaries[i].Kind == BackendRemote {
			used[t.Secondaries[i].Host] = true
		}
	}
	return used
}

// nextUnusedRemoteHost returns the first pool host with no live
// secondary assigned, or nil when the pool is exhausted.
func (t *Topology) nextUnusedRemoteHost() *RemoteHost {
	used := t.usedRemoteHosts()
	for i := range t.RemoteHosts {
		if !used[t.RemoteHosts[i].Host] {
			return &t.RemoteHosts[i]
		}
	}
	return nil
}

// AddSecondary appends one secondary, remote-host-first from the
// unused pool, container otherwise. Host port and container IP are
// derived from the node id so assignments stay collision free and
// deterministic.
func (t *Topology) AddSecondary() *NodeSpec {
	if rh := t.nextUnusedRemoteHost(); rh != nil {
		return t.AddRemoteSecondary(rh.Host, rh.SSHUser)
	}

	id := t.takeNodeID()
	node := NodeSpec{
		NodeID:      id,
		Hostname:    fmt.Sprintf("mysql-node-%d", id),
		Kind:        BackendDocker,
		Host:        "127.0.0.1",
		Port:        33060 + id,
		ContainerIP: fmt.Sprintf("%s.%d", t.DockerBaseIP, 10+id),
		State:       StateProvisioned,
	}
	t.Secondaries = append(t.Secondaries, node)
	return &t.Secondaries[len(t.Secondaries)-1]
}

// AddRemoteSecondary appends one remote-machine secondary for an
// explicit host, registering the host in the pool if it is new.
func (t *Topology) AddRemoteSecondary(host, sshUser string) *NodeSpec {
	known := false
	for _, rh := range t.RemoteHosts {
		if rh.Host == host {
			known = true
			break
		}
	}
	if !known {
		t.RemoteHosts = append(t.RemoteHosts, RemoteHost{Host: host, SSHUser: sshUser})
	}

	node := NodeSpec{
		NodeID:   t.takeNodeID(),
		Hostname: host,
		Kind:     BackendRemote,
		Host:     host,
		Port:     3306,
		SSHUser:  sshUser,
		State:    StateProvisioned,
	}
	t.Secondaries = append(t.Secondaries, node)
	return &t.Secondaries[len(t.Secondaries)-1]
}

// RemoveSecondary drops the secondary with the given node id from the
// topology. The node id is not returned to the counter.
func (t *Topology) RemoveSecondary(nodeID int) bool {
	for i := range t.Secondaries {
		if t.Secondaries[i].NodeID == nodeID {
			t.Secondaries = append(t.Secondaries[:i], t.Secondaries[i+1:]...)
			return true
		}
	}
	return false
}
