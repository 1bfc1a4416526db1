// Package confgen produces the MySQL configuration handed to cluster
// nodes: my.cnf contents for local and remote nodes, and the mysqld
// argument list for container nodes, which take their replication
// settings on the command line instead of a mounted file.
package confgen

import (
	"fmt"

	"github.com/mitou-Kamo/mysql-cluster/cluster/topology"
)

// MyCnf renders the configuration file for one node. The server id is
// the node id, which keeps ids unique across the cluster's history.
func MyCnf(node *topology.NodeSpec) string {
	return fmt.Sprintf(`[mysqld]
server-id = %d
bind-address = 0.0.0.0
port = %d

log-bin = mysql-bin
binlog-format = ROW
gtid-mode = ON
enforce-gtid-consistency = ON
relay-log = mysql-relay-bin
relay-log-recovery = 1

default-storage-engine = InnoDB

innodb_buffer_pool_size = 1G
innodb_log_file_size = 256M
max_connections = 200
max_allowed_packet = 256M
`, node.NodeID, node.Port)
}

// SecondaryFileName is the config file name for a secondary node.
func SecondaryFileName(nodeID int) string {
	return fmt.Sprintf("secondary-%d.cnf", nodeID)
}

// MysqldArgs is the command-line equivalent of MyCnf's replication
// settings, used when launching container nodes.
func MysqldArgs(serverID int) []string {
	return []string{
		"mysqld",
		fmt.Sprintf("--server-id=%d", serverID),
		"--log-bin=mysql-bin",
		"--gtid-mode=ON",
		"--enforce-gtid-consistency=ON",
		"--binlog-format=ROW",
		"--relay-log=mysql-relay-bin",
	}
}
