package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// ConfigSource indicates where a configuration value came from.
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config holds the engine's concurrency sizing: the branch admission bound
// and the for-each worker pool size.
type Config struct {
	// MaxBranches bounds concurrently executing parallel branches.
	MaxBranches int

	// PoolWorkers is the for-each worker pool size.
	PoolWorkers int

	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority: env vars >
// auto-detection. Kubernetes deployments get conservative multipliers to
// stay inside container CPU quotas.
func LoadConfig() *Config {
	config := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
	}

	if maxBranches := getEnvInt("DAEDALUS_MAX_BRANCHES", 0); maxBranches > 0 {
		config.MaxBranches = maxBranches
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("DAEDALUS_BRANCH_MULTIPLIER", 0); multiplier > 0 {
		config.MaxBranches = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxBranches = defaultMaxBranches(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}
	if config.MaxBranches < 1 {
		config.MaxBranches = 1
	}

	if workers := getEnvInt("DAEDALUS_POOL_WORKERS", 0); workers > 0 {
		config.PoolWorkers = workers
	} else {
		config.PoolWorkers = defaultPoolWorkers(config.IsKubernetes, config.EffectiveCPUs)
	}

	return config
}

// isKubernetes detects a Kubernetes pod environment. Kubernetes sets this
// variable in every container.
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

func defaultMaxBranches(isK8s bool, cpus int) int {
	if isK8s {
		// Conservative inside Kubernetes to respect CPU quotas.
		return cpus * 2
	}
	return cpus * 4
}

func defaultPoolWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 4)
	}
	return max(cpus*2, 8)
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// String returns a formatted representation of the config.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxBranches: %d, PoolWorkers: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxBranches, c.PoolWorkers, c.IsKubernetes, c.EffectiveCPUs, c.Source,
	)
}
