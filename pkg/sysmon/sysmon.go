// Package sysmon reads coarse system health metrics from /proc and /sys.
// These feed the edge:health report. All functions degrade to zero values on
// platforms where the files don't exist.
package sysmon

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

// Collector gathers system metrics for health reporting.
type Collector interface {
	// CPUUsage returns total CPU utilization in percent (0-100)
	CPUUsage() float32
	// MemoryUsage returns used physical memory in percent (0-100)
	MemoryUsage() float32
	// GPUUsage returns GPU utilization in percent (0-100)
	GPUUsage() float32
	// Temperature returns the SoC temperature in Celsius
	Temperature() float32
}

// ProcCollector implements Collector by reading procfs/sysfs.
// CPU usage is computed as the delta between consecutive calls, so the first
// call returns 0.
type ProcCollector struct {
	lock         sync.Mutex
	prevCPUTotal uint64
	prevCPUIdle  uint64
}

func NewProcCollector() *ProcCollector {
	return &ProcCollector{}
}

func (c *ProcCollector) CPUUsage() float32 {
	raw, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0
	}
	line, _, _ := strings.Cut(string(raw), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0
	}
	var total, idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0
		}
		total += v
		// fields: user nice system idle iowait ...
		if i == 3 || i == 4 {
			idle += v
		}
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	dTotal := total - c.prevCPUTotal
	dIdle := idle - c.prevCPUIdle
	first := c.prevCPUTotal == 0
	c.prevCPUTotal = total
	c.prevCPUIdle = idle
	if first || dTotal == 0 {
		return 0
	}
	return 100 * float32(dTotal-dIdle) / float32(dTotal)
}

func (c *ProcCollector) MemoryUsage() float32 {
	raw, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	var totalKB, availKB uint64
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, _ := strconv.ParseUint(fields[1], 10, 64)
		switch fields[0] {
		case "MemTotal:":
			totalKB = v
		case "MemAvailable:":
			availKB = v
		}
	}
	if totalKB == 0 {
		return 0
	}
	return 100 * float32(totalKB-availKB) / float32(totalKB)
}

func (c *ProcCollector) GPUUsage() float32 {
	// Jetson exposes GPU load as parts-per-thousand
	raw, err := os.ReadFile("/sys/devices/gpu.0/load")
	if err != nil {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0
	}
	return float32(v) / 10
}

func (c *ProcCollector) Temperature() float32 {
	raw, err := os.ReadFile("/sys/class/thermal/thermal_zone0/temp")
	if err != nil {
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0
	}
	// millidegrees
	return float32(v) / 1000
}
