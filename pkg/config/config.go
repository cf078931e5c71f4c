// Package config loads the optional --config YAML file the coordinator
// and worker CLIs accept to override flag defaults, in the shape of the
// teacher's `warren apply` resource-file loader (os.ReadFile + yaml.Unmarshal).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Coordinator is the optional YAML config file shape for the coordinator
// binary; every field mirrors a CLI flag and a zero value means "flag
// wins".
type Coordinator struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	LogLevel         string `yaml:"log_level"`
	LogJSON          bool   `yaml:"log_json"`
	HeartbeatTimeout string `yaml:"heartbeat_timeout"`
	ConcurrencyLimit int    `yaml:"concurrency_limit"`
}

// Worker is the optional YAML config file shape for the worker binary.
type Worker struct {
	MasterURL         string `yaml:"master_url"`
	NodeID            string `yaml:"node_id"`
	MaxTasks          int    `yaml:"max_tasks"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	MaxWorkers        int    `yaml:"max_workers"`
}

// LoadCoordinator reads and parses a coordinator config file.
func LoadCoordinator(path string) (Coordinator, error) {
	var c Coordinator
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// LoadWorker reads and parses a worker config file.
func LoadWorker(path string) (Worker, error) {
	var w Worker
	data, err := os.ReadFile(path)
	if err != nil {
		return w, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &w); err != nil {
		return w, fmt.Errorf("parse config: %w", err)
	}
	return w, nil
}
