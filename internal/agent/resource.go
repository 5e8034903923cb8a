package agent

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/taskfabric/pkg/protocol"
)

// Thresholds above which the agent reports itself unhealthy and
// rejects new work.
const (
	cpuUnhealthyLoad = 4.0  // 1-minute load average per core
	memUnhealthyPct  = 95.0 // percent of MemTotal in use
)

// ResourceMonitor samples host gauges for admission gating and
// heartbeat reporting. Gauges come from /proc; on platforms without
// it the monitor reports healthy with zero gauges.
type ResourceMonitor struct {
	mu sync.Mutex
}

func NewResourceMonitor() *ResourceMonitor {
	return &ResourceMonitor{}
}

// Sample returns the current gauges.
func (m *ResourceMonitor) Sample() protocol.ResourceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := protocol.ResourceStatus{Healthy: true}

	if load, ok := readLoadAvg(); ok {
		perCore := load / float64(runtime.NumCPU())
		status.CPUUsage = perCore
		if perCore > cpuUnhealthyLoad {
			status.Healthy = false
		}
	}
	if usedPct, ok := readMemUsedPct(); ok {
		status.MemoryUsage = usedPct
		if usedPct > memUnhealthyPct {
			status.Healthy = false
		}
	}
	return status
}

// Healthy is the admission gate.
func (m *ResourceMonitor) Healthy() bool {
	return m.Sample().Healthy
}

func readLoadAvg() (float64, bool) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return load, true
}

func readMemUsedPct() (float64, bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	var total, available float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = parseMeminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			available = parseMeminfoKB(line)
		}
		if total > 0 && available > 0 {
			break
		}
	}
	if total == 0 {
		return 0, false
	}
	return (total - available) / total * 100, true
}

func parseMeminfoKB(line string) float64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0
	}
	return v
}
