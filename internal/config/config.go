// Package config loads control-plane configuration from the environment.
//
// Every knob the control plane recognizes is an environment variable with
// a documented default; there is no config file. Load() reads the full
// set once at startup, applies defaults and validates ranges.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the full control-plane configuration.
type Config struct {
	// HTTP
	APIPort          string
	InternalAPIToken string
	ControlPlaneURL  string

	// Logging
	LogLevel  string
	LogPretty bool

	// Entity store
	DatabaseURL string

	// Artifact store
	ArtifactEndpoint    string
	ArtifactAccessKey   string
	ArtifactSecretKey   string
	ArtifactBucket      string
	ArtifactUseSSL      bool
	ArtifactInlineLimit int64 // bytes; downloads above this redirect to a presigned URL

	// Runtime
	RuntimeKind       string // docker, kubernetes, auto
	KubeNamespace     string
	WorkspaceRoot     string // host path root for docker workspace binds
	DockerNodes       []NodeSeed
	NodeCapacity      int

	// Timeouts and sweeps
	DefaultTimeout       time.Duration
	MaxTimeout           time.Duration
	SessionIdleTimeout   time.Duration
	SessionMaxLifetime   time.Duration
	SessionCreateTimeout time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	ExecutionGrace       time.Duration
	MaxExecutionRetries  int

	// Result handling
	StdoutTruncateBytes int

	// Optional collaborators
	NATSUrl       string
	CacheEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
}

// NodeSeed describes a statically registered Docker node.
type NodeSeed struct {
	ID       string
	Endpoint string
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		APIPort:          getEnv("API_PORT", "8000"),
		InternalAPIToken: os.Getenv("INTERNAL_API_TOKEN"),
		ControlPlaneURL:  getEnv("CONTROL_PLANE_URL", "http://localhost:8000"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnv("LOG_PRETTY", "false") == "true",

		DatabaseURL: os.Getenv("DATABASE_URL"),

		ArtifactEndpoint:    os.Getenv("ARTIFACT_STORE_ENDPOINT"),
		ArtifactAccessKey:   os.Getenv("ARTIFACT_STORE_ACCESS_KEY"),
		ArtifactSecretKey:   os.Getenv("ARTIFACT_STORE_SECRET_KEY"),
		ArtifactBucket:      getEnv("ARTIFACT_STORE_BUCKET", "sandpool"),
		ArtifactUseSSL:      getEnv("ARTIFACT_STORE_USE_SSL", "false") == "true",
		ArtifactInlineLimit: int64(getEnvInt("ARTIFACT_INLINE_LIMIT_BYTES", 10*1024*1024)),

		RuntimeKind:   getEnv("RUNTIME_KIND", "auto"),
		KubeNamespace: getEnv("K8S_NAMESPACE", "sandpool"),
		WorkspaceRoot: getEnv("WORKSPACE_ROOT", "/var/lib/sandpool/workspaces"),
		NodeCapacity:  getEnvInt("NODE_CAPACITY", 32),

		DefaultTimeout:       getEnvSeconds("DEFAULT_TIMEOUT_SECONDS", 300),
		MaxTimeout:           getEnvSeconds("MAX_TIMEOUT_SECONDS", 3600),
		SessionIdleTimeout:   getEnvSeconds("SESSION_IDLE_TIMEOUT_SECONDS", 1800),
		SessionMaxLifetime:   getEnvSeconds("SESSION_MAX_LIFETIME_SECONDS", 21600),
		SessionCreateTimeout: getEnvSeconds("SESSION_CREATE_TIMEOUT_SECONDS", 30),
		HeartbeatInterval:    getEnvSeconds("HEARTBEAT_INTERVAL_SECONDS", 5),
		HeartbeatTimeout:     getEnvSeconds("HEARTBEAT_TIMEOUT_SECONDS", 15),
		ExecutionGrace:       getEnvSeconds("EXECUTION_GRACE_SECONDS", 30),
		MaxExecutionRetries:  getEnvInt("MAX_EXECUTION_RETRIES", 3),

		StdoutTruncateBytes: getEnvInt("STDOUT_TRUNCATE_BYTES", 256*1024),

		NATSUrl:       os.Getenv("NATS_URL"),
		CacheEnabled:  getEnv("CACHE_ENABLED", "false") == "true",
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
	}

	// Static Docker node registration: DOCKER_NODES=local=unix:///var/run/docker.sock,remote=tcp://10.0.0.5:2376
	if raw := os.Getenv("DOCKER_NODES"); raw != "" {
		seeds, err := parseNodeSeeds(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid DOCKER_NODES: %w", err)
		}
		cfg.DockerNodes = seeds
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.InternalAPIToken == "" {
		return nil, fmt.Errorf("INTERNAL_API_TOKEN is required")
	}
	switch cfg.RuntimeKind {
	case "docker", "kubernetes", "auto":
	default:
		return nil, fmt.Errorf("invalid RUNTIME_KIND %q (docker, kubernetes, auto)", cfg.RuntimeKind)
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		return nil, fmt.Errorf("MAX_TIMEOUT_SECONDS (%v) below DEFAULT_TIMEOUT_SECONDS (%v)", cfg.MaxTimeout, cfg.DefaultTimeout)
	}
	if cfg.MaxExecutionRetries < 0 {
		return nil, fmt.Errorf("MAX_EXECUTION_RETRIES must be >= 0")
	}

	return cfg, nil
}

func parseNodeSeeds(raw string) ([]NodeSeed, error) {
	var seeds []NodeSeed
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			entry := raw[start:i]
			start = i + 1
			if entry == "" {
				continue
			}
			eq := -1
			for j := 0; j < len(entry); j++ {
				if entry[j] == '=' {
					eq = j
					break
				}
			}
			if eq <= 0 || eq == len(entry)-1 {
				return nil, fmt.Errorf("entry %q is not id=endpoint", entry)
			}
			seeds = append(seeds, NodeSeed{ID: entry[:eq], Endpoint: entry[eq+1:]})
		}
	}
	return seeds, nil
}

// getEnv returns the environment value or a default.
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getEnvInt returns the integer environment value or a default.
func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// getEnvSeconds reads an integer number of seconds as a duration.
func getEnvSeconds(key string, def int) time.Duration {
	return time.Duration(getEnvInt(key, def)) * time.Second
}
