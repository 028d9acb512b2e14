// Package config loads the engine's env-var configuration, the same
// requireEnv/getEnvOrDefault idiom as the teacher's cmd/engine/main.go —
// no config library, fail fast on missing secrets.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/twilight-project/forkscanner/pkg/models"
)

// Config is everything cmd/forkscanner needs to wire up the engine.
type Config struct {
	DatabaseURL string
	SchemaPath  string

	Nodes []models.Node

	BindAddr     string
	AuthToken    string
	PoolFeedURL  string
	PassInterval int // seconds, 0 means use the engine default
}

// nodeEntry mirrors the JSON shape of one NODES array element.
type nodeEntry struct {
	Name       string `json:"name"`
	RPCHost    string `json:"rpcHost"`
	RPCPort    int    `json:"rpcPort"`
	MirrorPort int    `json:"mirrorPort"`
	RPCUser    string `json:"rpcUser"`
	RPCPass    string `json:"rpcPass"`
	Archive    bool   `json:"archive"`
}

// Load reads the engine configuration from the environment. Required
// variables cause a fatal log and process exit, the same as the teacher's
// requireEnv.
func Load() Config {
	cfg := Config{
		DatabaseURL:  requireEnv("DATABASE_URL"),
		SchemaPath:   getEnvOrDefault("SCHEMA_PATH", "internal/store/schema.sql"),
		BindAddr:     getEnvOrDefault("BIND_ADDR", ":8080"),
		AuthToken:    os.Getenv("API_AUTH_TOKEN"),
		PoolFeedURL:  os.Getenv("POOL_FEED_URL"),
		PassInterval: getEnvIntOrDefault("PASS_INTERVAL_SECONDS", 0),
	}

	nodes, err := parseNodes(requireEnv("NODES"))
	if err != nil {
		log.Fatalf("FATAL: invalid NODES: %v", err)
	}
	cfg.Nodes = nodes

	return cfg
}

// parseNodes decodes the NODES env var, a JSON array of node descriptors,
// e.g. `[{"name":"core-1","rpcHost":"10.0.0.1","rpcPort":8332,"rpcUser":"u","rpcPass":"p","archive":true}]`.
func parseNodes(raw string) ([]models.Node, error) {
	var entries []nodeEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("at least one node is required")
	}

	nodes := make([]models.Node, 0, len(entries))
	for i, e := range entries {
		if e.Name == "" || e.RPCHost == "" || e.RPCPort == 0 {
			return nil, fmt.Errorf("node %d: name, rpcHost and rpcPort are required", i)
		}
		nodes = append(nodes, models.Node{
			ID:         int64(i + 1),
			Name:       e.Name,
			RPCHost:    e.RPCHost,
			RPCPort:    e.RPCPort,
			MirrorPort: e.MirrorPort,
			RPCUser:    e.RPCUser,
			RPCPass:    e.RPCPass,
			Archive:    e.Archive,
		})
	}
	return nodes, nil
}

// requireEnv reads a required environment variable and exits if it is not
// set.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: required environment variable %s is not set", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Fatalf("FATAL: %s must be an integer: %v", key, err)
	}
	return n
}
