// Command fleetcore-worker runs a FleetCore worker agent: it registers
// with a coordinator, advertises its hardware capabilities, heartbeats,
// and executes tasks piggybacked on heartbeat responses.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/cuemby/fleetcore/pkg/config"
	"github.com/cuemby/fleetcore/pkg/log"
	"github.com/cuemby/fleetcore/pkg/worker"
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
	Use:   "fleetcore-worker",
	Short: "FleetCore worker agent",
	Long: `fleetcore-worker registers with a FleetCore coordinator, advertises this
host's hardware capabilities, and executes tasks dispatched to it over
the heartbeat channel.`,
	Version: Version,
	RunE:    runWorker,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fleetcore-worker version %s\nCommit: %s\n", Version, Commit))

	rootCmd.Flags().String("master-url", "", "coordinator base URL, e.g. http://10.0.0.1:8080 (required)")
	rootCmd.Flags().String("node-id", "", "unique node ID (default: <hostname>-<random-8-hex>)")
	rootCmd.Flags().Int("max-tasks", 2, "maximum concurrent tasks this node accepts")
	rootCmd.Flags().Float64("heartbeat-interval", 10.0, "seconds between heartbeats")
	rootCmd.Flags().Int("max-workers", runtime.NumCPU(), "executor pool size")
	rootCmd.Flags().String("address", "", "address reported at registration for operator inspection")
	rootCmd.Flags().Int("port", 0, "port reported at registration for operator inspection")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "output logs as JSON")
	rootCmd.Flags().String("config", "", "optional YAML config file overriding the flags above")

	_ = rootCmd.MarkFlagRequired("master-url")
}

func runWorker(cmd *cobra.Command, args []string) error {
	masterURL, _ := cmd.Flags().GetString("master-url")
	nodeID, _ := cmd.Flags().GetString("node-id")
	maxTasks, _ := cmd.Flags().GetInt("max-tasks")
	heartbeatInterval, _ := cmd.Flags().GetFloat64("heartbeat-interval")
	maxWorkers, _ := cmd.Flags().GetInt("max-workers")
	address, _ := cmd.Flags().GetString("address")
	port, _ := cmd.Flags().GetInt("port")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	configPath, _ := cmd.Flags().GetString("config")

	if configPath != "" {
		cfg, err := config.LoadWorker(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.MasterURL != "" {
			masterURL = cfg.MasterURL
		}
		if cfg.NodeID != "" {
			nodeID = cfg.NodeID
		}
		if cfg.MaxTasks != 0 {
			maxTasks = cfg.MaxTasks
		}
		if cfg.MaxWorkers != 0 {
			maxWorkers = cfg.MaxWorkers
		}
		if cfg.HeartbeatInterval != "" {
			if d, err := time.ParseDuration(cfg.HeartbeatInterval); err == nil {
				heartbeatInterval = d.Seconds()
			}
		}
	}

	if nodeID == "" {
		nodeID = autoNodeID()
	}

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	w := worker.New(worker.Config{
		NodeID:            nodeID,
		MasterURL:         masterURL,
		Address:           address,
		Port:              port,
		MaxTasks:          maxTasks,
		HeartbeatInterval: time.Duration(heartbeatInterval * float64(time.Second)),
		MaxWorkers:        maxWorkers,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal, draining in-flight tasks")
		cancel()
	}()

	log.Logger.Info().Str("node_id", nodeID).Str("master_url", masterURL).Msg("starting fleetcore-worker")
	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker error: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

func autoNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%08x", hostname, rand.Uint32())
}
