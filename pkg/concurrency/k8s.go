package concurrency

import (
	"log"
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
)

// InitializeForKubernetes aligns GOMAXPROCS with the container CPU quota.
// Call it at the very start of main(), before sizing any limiter or pool.
// The returned undo function restores the original GOMAXPROCS value.
func InitializeForKubernetes() func() {
	undo, err := maxprocs.Set(maxprocs.Logger(log.Printf))
	if err != nil {
		log.Printf("Failed to set maxprocs: %v", err)
		return func() {}
	}

	log.Printf("Concurrency initialized: GOMAXPROCS=%d", runtime.GOMAXPROCS(0))
	return undo
}

// GetEffectiveCPUs returns the effective CPU count, respecting cgroup
// limits in containerized environments.
func GetEffectiveCPUs() int {
	return runtime.GOMAXPROCS(0)
}
