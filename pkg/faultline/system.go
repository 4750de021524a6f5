// system.go captures process runtime state attached under an event's
// "app" context descriptor.

package faultline

import (
	"os"
	"runtime"
	"time"

	"github.com/faultline-io/faultline-go/pkg/faultline/clock"
)

// runtimeContext returns the memory/goroutine/uptime snapshot included
// in events when runtime context capture is enabled.
func runtimeContext(clk clock.Clock, startedAt time.Time) map[string]any {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	hostname, _ := os.Hostname()

	uptime := clk.Now().Sub(startedAt).Milliseconds()
	if uptime < 0 {
		uptime = 0
	}

	return map[string]any{
		"memory_bytes": int64(mem.Alloc),
		"goroutines":   runtime.NumGoroutine(),
		"uptime_ms":    uptime,
		"hostname":     hostname,
		"go_version":   runtime.Version(),
	}
}
