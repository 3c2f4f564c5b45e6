package appmon

import (
	"context"
	"database/sql"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pbnjay/memory"
)

// Well-known targets of the built-in sources
const (
	TargetMemory  = "runtime/memory"
	TargetRuntime = "runtime/workers"
)

// MemorySource reports heap usage in KiB. "max" is the physical memory of
// the host, or the heap reserved from the OS when that is unknown.
type MemorySource struct{}

// Snapshot implements Source interface
func (MemorySource) Snapshot(ctx context.Context) (map[string]any, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	maxBytes := memory.TotalMemory()
	if maxBytes == 0 {
		maxBytes = ms.HeapSys
	}
	data := map[string]any{
		"init":      int64(ms.HeapSys-ms.HeapReleased) >> 10,
		"used":      int64(ms.HeapAlloc >> 10),
		"committed": int64(ms.HeapSys >> 10),
		"max":       int64(maxBytes >> 10),
		"usedKB":    humanize.IBytes(ms.HeapAlloc),
		"maxKB":     humanize.IBytes(maxBytes),
		"gcRuns":    int64(ms.NumGC),
	}
	if rss := getProcessRSS(); rss > 0 {
		data["rss"] = int64(rss >> 10)
	}
	return data, nil
}

// RuntimeSource reports worker occupancy: goroutines against the number of
// OS threads allowed to run Go code.
type RuntimeSource struct{}

// Snapshot implements Source interface
func (RuntimeSource) Snapshot(ctx context.Context) (map[string]any, error) {
	data := map[string]any{
		"workers":  int64(runtime.GOMAXPROCS(0)),
		"active":   int64(runtime.NumGoroutine()),
		"cpus":     int64(runtime.NumCPU()),
		"cgoCalls": runtime.NumCgoCall(),
	}
	if fds := getOpenFileDescriptors(); fds > 0 {
		data["fds"] = int64(fds)
	}
	return data, nil
}

// DBPoolSource reports the connection pool of a database handle
type DBPoolSource struct {
	Name string
	DB   *sql.DB
}

// Snapshot implements Source interface
func (s DBPoolSource) Snapshot(ctx context.Context) (map[string]any, error) {
	st := s.DB.Stats()
	return map[string]any{
		"poolName": s.Name,
		"total":    int64(st.OpenConnections),
		"active":   int64(st.InUse),
		"idle":     int64(st.Idle),
		"awaiting": st.WaitCount,
		"used":     int64(st.OpenConnections - st.Idle),
		"max":      int64(st.MaxOpenConnections),
	}, nil
}

// RegisterRuntimeSources registers the memory and worker sources
func RegisterRuntimeSources(registry *Registry) {
	registry.Register(TargetMemory, MemorySource{})
	registry.Register(TargetRuntime, RuntimeSource{})
}

// getProcessRSS returns the RSS (Resident Set Size) memory usage in bytes
func getProcessRSS() uint64 {
	// Try to read from /proc/self/status on Linux
	if data, err := os.ReadFile("/proc/self/status"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "VmRSS:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
						return kb * 1024
					}
				}
			}
		}
	}
	return 0
}

// getOpenFileDescriptors returns the number of open file descriptors
func getOpenFileDescriptors() uint64 {
	if entries, err := os.ReadDir("/proc/self/fd"); err == nil {
		return uint64(len(entries))
	}
	return 0
}
