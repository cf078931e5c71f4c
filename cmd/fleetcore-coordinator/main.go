// Command fleetcore-coordinator runs the central coordinator: the HTTP
// control plane, the task queue, the node registry and the scheduler.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/fleetcore/pkg/config"
	"github.com/cuemby/fleetcore/pkg/coordinator"
	"github.com/cuemby/fleetcore/pkg/log"
	"github.com/cuemby/fleetcore/pkg/queue"
	"github.com/cuemby/fleetcore/pkg/registry"
	"github.com/cuemby/fleetcore/pkg/scheduler"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetcore-coordinator",
	Short: "FleetCore coordinator - priority and capability aware task dispatch",
	Long: `fleetcore-coordinator accepts tasks over HTTP and dispatches them to a
dynamic fleet of worker nodes, matching task requirements against node
capabilities and honoring strict priority order.`,
	Version: Version,
	RunE:    runCoordinator,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fleetcore-coordinator version %s\nCommit: %s\n", Version, Commit))

	rootCmd.Flags().String("host", "0.0.0.0", "bind address")
	rootCmd.Flags().Int("port", 8080, "bind port")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "output logs as JSON")
	rootCmd.Flags().String("config", "", "optional YAML config file overriding the flags above")
	rootCmd.Flags().Duration("heartbeat-timeout", 30*time.Second, "time since last heartbeat before a node is marked offline")
	rootCmd.Flags().Int("concurrency-limit", 2, "maximum in-flight tasks per node")
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	configPath, _ := cmd.Flags().GetString("config")
	heartbeatTimeout, _ := cmd.Flags().GetDuration("heartbeat-timeout")
	concurrencyLimit, _ := cmd.Flags().GetInt("concurrency-limit")

	if configPath != "" {
		cfg, err := config.LoadCoordinator(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Host != "" {
			host = cfg.Host
		}
		if cfg.Port != 0 {
			port = cfg.Port
		}
		if cfg.LogLevel != "" {
			logLevel = cfg.LogLevel
		}
		if cfg.LogJSON {
			logJSON = true
		}
		if cfg.HeartbeatTimeout != "" {
			if d, err := time.ParseDuration(cfg.HeartbeatTimeout); err == nil {
				heartbeatTimeout = d
			}
		}
		if cfg.ConcurrencyLimit != 0 {
			concurrencyLimit = cfg.ConcurrencyLimit
		}
	}

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	q := queue.New()
	r := registry.New(
		registry.WithHeartbeatTimeout(heartbeatTimeout),
		registry.WithConcurrencyLimit(concurrencyLimit),
	)
	sched := scheduler.New(q, r)
	sched.Start()

	srv := coordinator.New(q, r, sched)
	addr := net.JoinHostPort(host, fmt.Sprint(port))

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	log.Logger.Info().Str("addr", addr).Msg("starting fleetcore-coordinator")
	err := srv.Start(ctx, addr)
	sched.Stop()
	if err != nil {
		return fmt.Errorf("coordinator server error: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}
