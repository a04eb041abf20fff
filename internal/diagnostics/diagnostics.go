// Package diagnostics wires the gops introspection agent behind the
// task info key "debug" (spec.md §4.D), grounded on
// cmd/musclefs/musclefs_linux.go's gopsListen, which starts the same
// agent unconditionally at process start. Here it is instead started
// and stopped on demand, since debug is a per-task, not per-process,
// toggle.
package diagnostics

import (
	"sync"

	"github.com/google/gops/agent"

	"github.com/cea-hpc/clustershell-go/internal/xlog"
)

var (
	mu      sync.Mutex
	running bool
	log     = xlog.New("diagnostics")
)

// Enable starts the gops agent if it isn't already running. Safe to
// call repeatedly, e.g. once per task that sets debug=true.
func Enable() {
	mu.Lock()
	defer mu.Unlock()
	if running {
		return
	}
	if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
		log.Warnf("could not start gops agent: %v", err)
		return
	}
	running = true
}

// Disable stops the gops agent if running.
func Disable() {
	mu.Lock()
	defer mu.Unlock()
	if !running {
		return
	}
	agent.Close()
	running = false
}

// SetDebug is the single entry point internal/task calls when a task's
// "debug" info key changes, so that task.SetInfo("debug", true) is
// enough to light up introspection without the CLI needing to know
// about gops at all.
func SetDebug(on bool) {
	xlog.SetDebug(on)
	if on {
		Enable()
	} else {
		Disable()
	}
}
