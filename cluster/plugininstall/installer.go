// Package plugininstall copies and installs a storage-engine plugin
// on every cluster node, isolating failures per node.
package plugininstall

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mitou-Kamo/mysql-cluster/cluster/backend"
	"github.com/mitou-Kamo/mysql-cluster/cluster/topology"
	"github.com/mitou-Kamo/mysql-cluster/pkg/metrics"
)

// ErrPluginNotFound is returned when no plugin file could be located
// in any of the probed locations.
var ErrPluginNotFound = errors.New("plugin file not found")

const pluginDir = "/usr/lib/mysql/plugin"

// defaultSearchDirs are probed in order when no explicit plugin path
// is given.
var defaultSearchDirs = []string{
	"../build",
	"../build/Release",
	"../build/Debug",
	"../plugins",
	"/usr/lib/mysql/plugin",
	"/usr/lib64/mysql/plugin",
	"/usr/local/mysql/lib/plugin",
}

var defaultPluginFiles = []string{
	"ha_lineairdb.so",
	"ha_lineairdb_storage_engine.so",
}

// NodeResult is the outcome of installing (or checking) the plugin on
// one node.
type NodeResult struct {
	NodeID           int    `json:"node_id"`
	Hostname         string `json:"hostname"`
	Installed        bool   `json:"installed"`
	AlreadyInstalled bool   `json:"already_installed,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Report aggregates per-node outcomes.
type Report struct {
	PluginPath string       `json:"plugin_path,omitempty"`
	Nodes      []NodeResult `json:"nodes"`
}

// Summary renders the "installed on X/Y nodes" line.
func (r *Report) Summary() string {
	installed := 0
	for _, n := range r.Nodes {
		if n.Installed {
			installed++
		}
	}
	return fmt.Sprintf("installed on %d/%d nodes", installed, len(r.Nodes))
}

// AllInstalled reports whether every node ended up with the plugin.
func (r *Report) AllInstalled() bool {
	for _, n := range r.Nodes {
		if !n.Installed {
			return false
		}
	}
	return true
}

type Installer struct {
	logger     *zap.Logger
	backends   backend.Factory
	pluginName string
	searchDirs []string
}

type Options struct {
	Logger   *zap.Logger
	Backends backend.Factory

	// PluginName is the engine name used for the pre-check query and
	// INSTALL PLUGIN statement.
	PluginName string

	// SearchDirs overrides the probed locations.
	SearchDirs []string
}

func New(opts Options) *Installer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PluginName == "" {
		opts.PluginName = "lineairdb"
	}
	if opts.SearchDirs == nil {
		opts.SearchDirs = defaultSearchDirs
	}

	return &Installer{
		logger:     opts.Logger,
		backends:   opts.Backends,
		pluginName: opts.PluginName,
		searchDirs: opts.SearchDirs,
	}
}

// FindPlugin probes the candidate locations and returns the first
// plugin file that exists.
func (i *Installer) FindPlugin() (string, error) {
	for _, dir := range i.searchDirs {
		for _, name := range defaultPluginFiles {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				i.logger.Info("found plugin", zap.String("path", path))
				return path, nil
			}
		}
	}
	return "", errors.Wrapf(ErrPluginNotFound, "searched %d locations", len(i.searchDirs))
}

func (i *Installer) checkQuery() string {
	return fmt.Sprintf(
		"SELECT PLUGIN_NAME FROM information_schema.PLUGINS WHERE PLUGIN_NAME='%s';",
		i.pluginName)
}

func (i *Installer) isInstalled(ctx context.Context, be backend.NodeBackend) (bool, error) {
	out, err := be.Exec(ctx, i.checkQuery())
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToLower(out), i.pluginName), nil
}

// installOne installs the plugin on a single node. An
// already-installed plugin is success without any file copy.
func (i *Installer) installOne(ctx context.Context, node *topology.NodeSpec, pluginPath string) NodeResult {
	result := NodeResult{
		NodeID:   node.NodeID,
		Hostname: node.Hostname,
	}

	be, err := i.backends(node)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	installed, err := i.isInstalled(ctx, be)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if installed {
		result.Installed = true
		result.AlreadyInstalled = true
		return result
	}

	fileName := filepath.Base(pluginPath)
	if err := be.CopyFile(ctx, pluginPath, filepath.Join(pluginDir, fileName)); err != nil {
		result.Error = err.Error()
		return result
	}

	stmt := fmt.Sprintf("INSTALL PLUGIN %s SONAME '%s';", i.pluginName, fileName)
	if _, err := be.Exec(ctx, stmt); err != nil {
		var cmdErr *backend.CommandError
		if errors.As(err, &cmdErr) {
			low := strings.ToLower(cmdErr.Stderr)
			if strings.Contains(low, "already exists") || strings.Contains(low, "duplicate") {
				result.Installed = true
				result.AlreadyInstalled = true
				return result
			}
		}
		result.Error = err.Error()
		return result
	}

	result.Installed = true
	metrics.GetClusterMetrics().PluginInstalls.Inc()
	return result
}

// Install puts the plugin on the primary and then every secondary,
// each independently: one node's failure does not stop the rest.
func (i *Installer) Install(ctx context.Context, pluginPath string, topo *topology.Topology) (*Report, error) {
	if pluginPath == "" {
		found, err := i.FindPlugin()
		if err != nil {
			return nil, err
		}
		pluginPath = found
	} else if _, err := os.Stat(pluginPath); err != nil {
		return nil, errors.Wrapf(ErrPluginNotFound, "%s", pluginPath)
	}

	report := &Report{PluginPath: pluginPath}
	for _, node := range topo.AllNodes() {
		i.logger.Info("installing plugin",
			zap.Int("nodeId", node.NodeID),
			zap.String("hostname", node.Hostname))

		result := i.installOne(ctx, node, pluginPath)
		if result.Error != "" {
			i.logger.Warn("plugin install failed on node",
				zap.Int("nodeId", node.NodeID),
				zap.String("error", result.Error))
		}
		report.Nodes = append(report.Nodes, result)
	}

	return report, nil
}

// Check reports plugin availability on every node without modifying
// anything.
func (i *Installer) Check(ctx context.Context, topo *topology.Topology) *Report {
	report := &Report{}
	for _, node := range topo.AllNodes() {
		result := NodeResult{
			NodeID:   node.NodeID,
			Hostname: node.Hostname,
		}

		be, err := i.backends(node)
		if err != nil {
			result.Error = err.Error()
			report.Nodes = append(report.Nodes, result)
			continue
		}

		installed, err := i.isInstalled(ctx, be)
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Installed = installed
		}
		report.Nodes = append(report.Nodes, result)
	}
	return report
}
