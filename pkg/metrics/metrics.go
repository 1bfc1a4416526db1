package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ClusterMetrics counts orchestration operations for the /metrics
// endpoint served by pkg/webapi.
type ClusterMetrics struct {
	NodesJoined    prometheus.Counter
	NodesRemoved   prometheus.Counter
	NodeFailures   prometheus.Counter
	StatusQueries  prometheus.Counter
	PluginInstalls prometheus.Counter
}

var (
	clusterMetrics     *ClusterMetrics
	clusterMetricsLock sync.Mutex
)

func GetClusterMetrics() *ClusterMetrics {
	clusterMetricsLock.Lock()
	defer clusterMetricsLock.Unlock()

	if clusterMetrics != nil {
		return clusterMetrics
	}

	clusterMetrics = &ClusterMetrics{
		NodesJoined: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mysql_cluster_nodes_joined_total",
			Help: "Number of secondaries that completed a group join.",
		}),
		NodesRemoved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mysql_cluster_nodes_removed_total",
			Help: "Number of secondaries removed from the group.",
		}),
		NodeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mysql_cluster_node_failures_total",
			Help: "Number of per-node operation failures.",
		}),
		StatusQueries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mysql_cluster_status_queries_total",
			Help: "Number of cluster status aggregations performed.",
		}),
		PluginInstalls: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mysql_cluster_plugin_installs_total",
			Help: "Number of per-node plugin installations performed.",
		}),
	}
	return clusterMetrics
}
