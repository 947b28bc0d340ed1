// Package config loads the hub's runtime configuration in layered
// precedence: built-in defaults, an optional ringforge-hub.yaml file,
// environment variables, and finally command-line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the hub's runtime configuration.
type Config struct {
	Port            int    // HTTP/WS listen port
	DataDir         string // data directory for DB, socket, etc.
	ClusterStrategy string // "single_node" or "redis"
	RedisURL        string // required when ClusterStrategy is "redis" or TaskStore is "redis"
	TaskStore       string // "memory" or "redis"
	DatabaseURL     string // SQLite path; defaults under DataDir
	SecretKeyBase   string // used to derive process-level crypto material
	HubRegion       string // deployment region label, surfaced in presence/metrics

	ConfigFile string // path consulted for the optional YAML layer
}

// bareEnvKeys maps environment variables that follow an operational
// convention (platform-supplied DSNs, ports) to their config key,
// bound without a RINGFORGE_ prefix.
var bareEnvKeys = map[string]string{
	"REDIS_URL":       "redis_url",
	"DATABASE_URL":    "database_url",
	"PORT":            "port",
	"SECRET_KEY_BASE": "secret_key_base",
}

func defaults() map[string]any {
	return map[string]any{
		"port":             4327,
		"data_dir":         defaultDataDir(),
		"cluster_strategy": "single_node",
		"redis_url":        "",
		"task_store":       "memory",
		"database_url":     "",
		"secret_key_base":  "",
		"hub_region":       "local",
		"config_file":      "ringforge-hub.yaml",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "ringforge", "hub")
	}
	return filepath.Join(home, ".config", "ringforge", "hub")
}

// Load builds a Config from defaults, an optional YAML file, the
// environment, and the given CLI args, in that precedence order.
// args is normally os.Args[1:].
func Load(args []string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	fs := flag.NewFlagSet("ringforge-hub", flag.ContinueOnError)
	configFile := fs.String("config", k.String("config_file"), "path to a ringforge-hub.yaml config file")
	port := fs.Int("port", k.Int("port"), "HTTP/WS listen port")
	dataDir := fs.String("data-dir", k.String("data_dir"), "data directory")
	clusterStrategy := fs.String("cluster-strategy", k.String("cluster_strategy"), "node discovery strategy (single_node|redis)")
	redisURL := fs.String("redis-url", k.String("redis_url"), "Redis connection URL")
	taskStore := fs.String("task-store", k.String("task_store"), "task store backend (memory|redis)")
	databaseURL := fs.String("database-url", k.String("database_url"), "SQLite database path")
	secretKeyBase := fs.String("secret-key-base", k.String("secret_key_base"), "secret used to derive process-level crypto material")
	hubRegion := fs.String("hub-region", k.String("hub_region"), "deployment region label")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if _, err := os.Stat(*configFile); err == nil {
		if err := k.Load(file.Provider(*configFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", *configFile, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", func(key, value string) (string, any) {
		mapped, ok := bareEnvKeys[key]
		if !ok {
			return "", nil
		}
		return mapped, value
	}), nil); err != nil {
		return nil, fmt.Errorf("load bare environment vars: %w", err)
	}

	if err := k.Load(env.Provider("RINGFORGE_", ".", func(key string) string {
		return strings.ToLower(strings.TrimPrefix(key, "RINGFORGE_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load RINGFORGE_ environment vars: %w", err)
	}

	// Flags win last, but only the ones the caller actually set — an
	// untouched flag still carries its file/env-derived default and
	// must not clobber it.
	overrides := map[string]any{}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			overrides["port"] = *port
		case "data-dir":
			overrides["data_dir"] = *dataDir
		case "cluster-strategy":
			overrides["cluster_strategy"] = *clusterStrategy
		case "redis-url":
			overrides["redis_url"] = *redisURL
		case "task-store":
			overrides["task_store"] = *taskStore
		case "database-url":
			overrides["database_url"] = *databaseURL
		case "secret-key-base":
			overrides["secret_key_base"] = *secretKeyBase
		case "hub-region":
			overrides["hub_region"] = *hubRegion
		}
	})
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("load flag overrides: %w", err)
		}
	}

	cfg := &Config{
		Port:            k.Int("port"),
		DataDir:         k.String("data_dir"),
		ClusterStrategy: k.String("cluster_strategy"),
		RedisURL:        k.String("redis_url"),
		TaskStore:       k.String("task_store"),
		DatabaseURL:     k.String("database_url"),
		SecretKeyBase:   k.String("secret_key_base"),
		HubRegion:       k.String("hub_region"),
		ConfigFile:      *configFile,
	}
	return cfg, nil
}

// Validate checks the configuration values and ensures the data
// directory exists.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.ClusterStrategy != "single_node" && c.ClusterStrategy != "redis" {
		return fmt.Errorf("cluster-strategy must be single_node or redis, got %q", c.ClusterStrategy)
	}
	if c.TaskStore != "memory" && c.TaskStore != "redis" {
		return fmt.Errorf("task-store must be memory or redis, got %q", c.TaskStore)
	}
	if (c.ClusterStrategy == "redis" || c.TaskStore == "redis") && c.RedisURL == "" {
		return fmt.Errorf("redis-url is required when cluster-strategy or task-store is redis")
	}
	if c.SecretKeyBase == "" {
		return fmt.Errorf("secret-key-base is required")
	}

	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// ListenAddr returns the address the hub should bind, in the form
// expected by net/http's Server.Addr.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// DBPath returns the path to the SQLite database file, unless an
// explicit DatabaseURL override was supplied.
func (c *Config) DBPath() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.DataDir, "hub.db")
}
