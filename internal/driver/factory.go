// Package driver abstracts container runtime operations.
//
// This file selects the concrete driver from RUNTIME_KIND. "auto" prefers
// Kubernetes when an in-cluster service account is mounted, otherwise
// falls back to Docker against the local daemon.
package driver

import (
	"fmt"
	"os"

	"github.com/sandpool-dev/sandpool/internal/config"
	"github.com/sandpool-dev/sandpool/internal/db"
	"github.com/sandpool-dev/sandpool/internal/logger"
)

// New builds the driver configured by RUNTIME_KIND.
func New(cfg *config.Config) (Driver, error) {
	kind := cfg.RuntimeKind
	if kind == "auto" {
		kind = detectRuntime()
		logger.Driver().Info().Str("kind", kind).Msg("Auto-detected runtime")
	}

	switch kind {
	case db.RuntimeDocker:
		nodes := make(map[string]string)
		for _, seed := range cfg.DockerNodes {
			nodes[seed.ID] = seed.Endpoint
		}
		if len(nodes) == 0 {
			nodes["local"] = "unix:///var/run/docker.sock"
		}
		return NewDockerDriver(nodes), nil
	case db.RuntimeKubernetes:
		return NewKubernetesDriver(cfg.KubeNamespace, cfg.NodeCapacity)
	default:
		return nil, fmt.Errorf("unknown runtime kind: %s", kind)
	}
}

// detectRuntime checks for the in-cluster service account token.
func detectRuntime() string {
	if _, err := os.Stat("/var/run/secrets/kubernetes.io/serviceaccount/token"); err == nil {
		return db.RuntimeKubernetes
	}
	return db.RuntimeDocker
}
