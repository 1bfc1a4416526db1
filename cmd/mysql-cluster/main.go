package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mitou-Kamo/mysql-cluster/cluster"
	"github.com/mitou-Kamo/mysql-cluster/cluster/backend"
	"github.com/mitou-Kamo/mysql-cluster/cluster/dbadmin"
	"github.com/mitou-Kamo/mysql-cluster/cluster/plugininstall"
	"github.com/mitou-Kamo/mysql-cluster/cluster/topology"
	"github.com/mitou-Kamo/mysql-cluster/pkg/webapi"
)

var buildVersion = "dev"

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "mysql-cluster",
	Short: "Membership orchestrator for a replicated MySQL cluster",

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			cobra.CheckErr(viper.ReadInConfig())
		}
	},
}

var cfgFile string

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "specifies a config file to load")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("base-dir", "", "directory holding the topology file and generated configs")
	configFlags.String("ssh-key", "", "private key for remote-machine nodes")
	configFlags.String("mysqlsh-path", "mysqlsh", "path to the mysqlsh binary")
	rootCmd.PersistentFlags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("mcl")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)

	rootCmd.AddCommand(
		newCreateCommand(),
		newSetupCommand(),
		newStartCommand(),
		newStopCommand(),
		newRestartCommand(),
		newStatusCommand(),
		newScaleCommand(),
		newAddSecondaryCommand(),
		newRemoveSecondaryCommand(),
		newCheckPluginCommand(),
		newInstallPluginCommand(),
		newCleanupCommand(),
	)
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stderr), logLevel),
	)
	logger := zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

func setupLogger() *zap.Logger {
	logLevel, logger := getLogger()

	parsedLogLevel, err := zapcore.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)

	return logger
}

func baseDir() string {
	dir := viper.GetString("base-dir")
	if dir == "" {
		dir, _ = os.Getwd()
	}
	return dir
}

func newCoordinator(logger *zap.Logger) *cluster.Coordinator {
	runner := backend.NewExecRunner()

	return cluster.NewCoordinator(cluster.CoordinatorOptions{
		Logger: logger,
		Store:  topology.NewStore(filepath.Join(baseDir(), "cluster-topology.json")),
		Admin: dbadmin.NewMysqlShell(dbadmin.MysqlShellOptions{
			Logger:  logger,
			Runner:  runner,
			BinPath: viper.GetString("mysqlsh-path"),
		}),
		Runner:     runner,
		BaseDir:    baseDir(),
		SSHKeyPath: viper.GetString("ssh-key"),
	})
}

// signalContext cancels on SIGINT/SIGTERM so multi-node operations
// stop at the next node boundary with their progress persisted.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func fatal(logger *zap.Logger, msg string, err error) {
	logger.Error(msg, zap.Error(err))
	os.Exit(1)
}

// parseRemoteHost accepts "user@host" or bare "host" (defaulting the
// user to root).
func parseRemoteHost(s string) topology.RemoteHost {
	if at := strings.Index(s, "@"); at >= 0 {
		return topology.RemoteHost{Host: s[at+1:], SSHUser: s[:at]}
	}
	return topology.RemoteHost{Host: s, SSHUser: "root"}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func reportStart(logger *zap.Logger, report *cluster.StartReport) {
	if report.Partial() {
		for _, node := range report.Unjoined() {
			logger.Warn("secondary did not join",
				zap.Int("nodeId", node.NodeID),
				zap.String("state", string(node.State)),
				zap.String("error", node.Error))
		}
		fmt.Printf("cluster started with %d/%d secondaries joined\n",
			len(report.Secondaries)-len(report.Unjoined()), len(report.Secondaries))
		return
	}

	fmt.Printf("cluster started, primary and %d secondaries online\n", len(report.Secondaries))
}

func newCreateCommand() *cobra.Command {
	var secondaries int
	var remoteHosts []string
	var clusterName string
	var rootPassword string
	var customImage string
	var primaryBackend string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new cluster topology (nothing is started)",
		Run: func(cmd *cobra.Command, args []string) {
			logger := setupLogger()
			coord := newCoordinator(logger)

			var hosts []topology.RemoteHost
			for _, rh := range remoteHosts {
				hosts = append(hosts, parseRemoteHost(rh))
			}

			topo, err := coord.Create(cluster.CreateOptions{
				ClusterName:    clusterName,
				SecondaryCount: secondaries,
				RemoteHosts:    hosts,
				PrimaryKind:    topology.BackendKind(primaryBackend),
				RootPassword:   rootPassword,
				CustomImage:    customImage,
			})
			if err != nil {
				fatal(logger, "failed to create cluster", err)
			}

			fmt.Printf("created cluster %q with 1 primary and %d secondaries\n",
				topo.ClusterName, len(topo.Secondaries))
		},
	}

	cmd.Flags().IntVar(&secondaries, "secondaries", 2, "number of secondary nodes")
	cmd.Flags().StringSliceVar(&remoteHosts, "remote-host", nil, "remote host for a secondary, user@host (repeatable)")
	cmd.Flags().StringVar(&clusterName, "name", topology.DefaultClusterName, "replication group name")
	cmd.Flags().StringVar(&rootPassword, "root-password", "", "mysql root password for all nodes")
	cmd.Flags().StringVar(&customImage, "custom-image", "", "custom container image, takes precedence over the official one")
	cmd.Flags().StringVar(&primaryBackend, "primary-backend", string(topology.BackendLocalSystemctl),
		"primary backend: local_systemctl or local_binary")

	return cmd
}

func newSetupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Prepare directories, node configs, and the docker network",
		Run: func(cmd *cobra.Command, args []string) {
			logger := setupLogger()
			ctx, cancel := signalContext()
			defer cancel()

			if err := newCoordinator(logger).Setup(ctx); err != nil {
				fatal(logger, "failed to set up cluster", err)
			}
			fmt.Println("cluster setup complete")
		},
	}
}

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the primary, then join each secondary in order",
		Run: func(cmd *cobra.Command, args []string) {
			logger := setupLogger()
			ctx, cancel := signalContext()
			defer cancel()

			report, err := newCoordinator(logger).Start(ctx)
			if err != nil {
				fatal(logger, "failed to start cluster", err)
			}
			reportStart(logger, report)
		},
	}
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop every node, secondaries first",
		Run: func(cmd *cobra.Command, args []string) {
			logger := setupLogger()
			ctx, cancel := signalContext()
			defer cancel()

			if err := newCoordinator(logger).Stop(ctx); err != nil {
				fatal(logger, "failed to stop cluster", err)
			}
			fmt.Println("cluster stopped")
		},
	}
}

func newRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop and start the cluster",
		Run: func(cmd *cobra.Command, args []string) {
			logger := setupLogger()
			ctx, cancel := signalContext()
			defer cancel()

			report, err := newCoordinator(logger).Restart(ctx)
			if err != nil {
				fatal(logger, "failed to restart cluster", err)
			}
			reportStart(logger, report)
		},
	}
}

func newStatusCommand() *cobra.Command {
	var jsonOut bool
	var serve bool
	var webPort int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe every node and report cluster health",
		Run: func(cmd *cobra.Command, args []string) {
			logger := setupLogger()
			ctx, cancel := signalContext()
			defer cancel()

			coord := newCoordinator(logger)

			if serve {
				webapi.InitializeWebServer(webapi.WebServerOptions{
					Logger:        logger,
					ListenAddress: fmt.Sprintf("0.0.0.0:%d", webPort),
					StatusFn: func() (interface{}, error) {
						return coord.Status(context.Background())
					},
				})

				watcher, err := topology.NewWatcher(coord.Store(), logger)
				if err != nil {
					fatal(logger, "failed to watch topology", err)
				}
				defer func() { _ = watcher.Close() }()

				updateCh := make(chan *topology.Topology, 1)
				unsubscribe := watcher.Subscribe(updateCh)
				defer unsubscribe()

				logger.Info("serving cluster status", zap.Int("port", webPort))
				for {
					select {
					case topo := <-updateCh:
						logger.Info("topology changed",
							zap.Int("secondaries", len(topo.Secondaries)))
					case <-ctx.Done():
						return
					}
				}
			}

			status, err := coord.Status(ctx)
			if err != nil {
				fatal(logger, "failed to query cluster status", err)
			}

			if jsonOut {
				printJSON(status)
				return
			}

			printStatusTable(status)
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit status as JSON")
	cmd.Flags().BoolVar(&serve, "serve", false, "serve status and metrics over HTTP instead of exiting")
	cmd.Flags().IntVar(&webPort, "web-port", 9091, "the web metrics/status port")

	return cmd
}

func printStatusTable(status *cluster.ClusterStatus) {
	fmt.Printf("cluster: %s (%d/%d nodes running)\n",
		status.ClusterName, status.RunningCount(), 1+len(status.Secondaries))

	printNode := func(role string, n cluster.NodeStatus) {
		health := "stopped"
		if n.Running && n.Reachable {
			health = "running"
		} else if n.Running {
			health = "running (unreachable)"
		}

		fmt.Printf("  %-9s node %-3d %-20s %-16s %s:%d  %s",
			role, n.NodeID, n.Hostname, n.State, n.Host, n.Port, health)
		if n.Error != "" {
			fmt.Printf("  [%s]", n.Error)
		}
		fmt.Println()
	}

	printNode("primary", status.Primary)
	for _, sec := range status.Secondaries {
		printNode("secondary", sec)
	}
}

func newScaleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scale <secondary-count>",
		Short: "Grow or shrink the cluster to the given secondary count",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			logger := setupLogger()

			target, err := strconv.Atoi(args[0])
			if err != nil {
				fatal(logger, "invalid secondary count", err)
			}

			ctx, cancel := signalContext()
			defer cancel()

			report, err := newCoordinator(logger).Scale(ctx, target)
			if err != nil {
				fatal(logger, "failed to scale cluster", err)
			}

			fmt.Printf("scaled from %d to %d secondaries (%d added, %d removed)\n",
				report.PreviousCount, report.TargetCount,
				len(report.Added), len(report.Removed))
			if report.Partial() {
				fmt.Println("some nodes reported errors, see log output and node status")
			}
		},
	}
}

func newAddSecondaryCommand() *cobra.Command {
	var host string
	var sshUser string

	cmd := &cobra.Command{
		Use:   "add-secondary",
		Short: "Join one secondary on an explicit remote host",
		Run: func(cmd *cobra.Command, args []string) {
			logger := setupLogger()
			ctx, cancel := signalContext()
			defer cancel()

			report, err := newCoordinator(logger).AddRemoteSecondary(ctx, host, sshUser)
			if err != nil {
				fatal(logger, "failed to add secondary", err)
			}

			fmt.Printf("node %d on %s joined the cluster\n", report.NodeID, report.Hostname)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "remote host to place the secondary on")
	cmd.Flags().StringVar(&sshUser, "ssh-user", "root", "ssh user for the remote host")
	_ = cmd.MarkFlagRequired("host")

	return cmd
}

func newRemoveSecondaryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-secondary <node-id>",
		Short: "Remove one secondary from the cluster by node id",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			logger := setupLogger()

			nodeID, err := strconv.Atoi(args[0])
			if err != nil {
				fatal(logger, "invalid node id", err)
			}

			ctx, cancel := signalContext()
			defer cancel()

			report, err := newCoordinator(logger).RemoveSecondary(ctx, nodeID)
			if err != nil {
				fatal(logger, "failed to remove secondary", err)
			}

			fmt.Printf("node %d removed from the cluster\n", report.NodeID)
		},
	}
}

func newPluginInstaller(logger *zap.Logger, coord *cluster.Coordinator) (*plugininstall.Installer, *topology.Topology, error) {
	topo, err := coord.Store().Load()
	if err != nil {
		return nil, nil, err
	}

	installer := plugininstall.New(plugininstall.Options{
		Logger: logger,
		Backends: func(spec *topology.NodeSpec) (backend.NodeBackend, error) {
			return backend.New(spec, backend.Options{
				Logger:        logger,
				Runner:        backend.NewExecRunner(),
				RootPassword:  topo.RootPassword,
				Image:         topo.Image(),
				DockerNetwork: topo.DockerNetwork,
				SSHKeyPath:    viper.GetString("ssh-key"),
			})
		},
	})
	return installer, topo, nil
}

func newCheckPluginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-plugin",
		Short: "Report storage-engine plugin availability on every node",
		Run: func(cmd *cobra.Command, args []string) {
			logger := setupLogger()
			ctx, cancel := signalContext()
			defer cancel()

			installer, topo, err := newPluginInstaller(logger, newCoordinator(logger))
			if err != nil {
				fatal(logger, "failed to load topology", err)
			}

			report := installer.Check(ctx, topo)
			for _, node := range report.Nodes {
				state := "missing"
				if node.Installed {
					state = "installed"
				}
				if node.Error != "" {
					state = "error: " + node.Error
				}
				fmt.Printf("  node %-3d %-20s %s\n", node.NodeID, node.Hostname, state)
			}
			fmt.Println(report.Summary())
		},
	}
}

func newInstallPluginCommand() *cobra.Command {
	var pluginPath string

	cmd := &cobra.Command{
		Use:   "install-plugin",
		Short: "Copy and install the storage-engine plugin on every node",
		Run: func(cmd *cobra.Command, args []string) {
			logger := setupLogger()
			ctx, cancel := signalContext()
			defer cancel()

			installer, topo, err := newPluginInstaller(logger, newCoordinator(logger))
			if err != nil {
				fatal(logger, "failed to load topology", err)
			}

			report, err := installer.Install(ctx, pluginPath, topo)
			if err != nil {
				fatal(logger, "failed to install plugin", err)
			}

			fmt.Println(report.Summary())
			if !report.AllInstalled() {
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVar(&pluginPath, "plugin", "", "path to the plugin .so (searched for when omitted)")

	return cmd
}

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Stop and destroy every node and remove the topology",
		Run: func(cmd *cobra.Command, args []string) {
			logger := setupLogger()
			ctx, cancel := signalContext()
			defer cancel()

			if err := newCoordinator(logger).Cleanup(ctx); err != nil {
				fatal(logger, "failed to clean up cluster", err)
			}
			fmt.Println("cluster removed")
		},
	}
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
