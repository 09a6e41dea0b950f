package apibinder

import (
	"net"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// AgentVersion is reported as a static field and bumped at release time.
const AgentVersion = "0.1.0"

// storagePath is the filesystem root sampled for storage_usage/storage_total.
// The agent runs inside the same mount namespace as the managed containers,
// so the root filesystem is representative.
const storagePath = "/"

// sampleMetrics gathers the periodic metrics block of spec.md §4.3 item 3.
// Each sub-measurement is best-effort: a failing collector is omitted
// rather than aborting the whole report.
func sampleMetrics() reportBody {
	var body reportBody

	if percents, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(percents) > 0 {
		body.CPUUsage = &percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		used := vm.Used
		total := vm.Total
		body.MemoryUsage = &used
		body.MemoryTotal = &total
	}

	if du, err := disk.Usage(storagePath); err == nil {
		used := du.Used
		total := du.Total
		body.StorageUsage = &used
		body.StorageTotal = &total
	}

	if temps, err := host.SensorsTemperatures(); err == nil && len(temps) > 0 {
		t := temps[0].Temperature
		body.Temperature = &t
	}

	if uptime, err := host.Uptime(); err == nil {
		body.Uptime = &uptime
	}

	body.TopProcesses = topProcesses(5)

	return body
}

// osVersion reports the host platform and version string, used for the
// os_version static field.
func osVersion() string {
	info, err := host.Info()
	if err != nil {
		return ""
	}
	if info.PlatformVersion != "" {
		return info.Platform + " " + info.PlatformVersion
	}
	return info.Platform
}

// localIP returns the first non-loopback IPv4 address bound to the host,
// or "" if none is found.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}

// topProcesses returns the n processes with the highest combined CPU and
// memory usage, per spec.md §4.3 item 3.
func topProcesses(n int) []processSample {
	procs, err := process.Processes()
	if err != nil {
		return nil
	}

	samples := make([]processSample, 0, len(procs))
	for _, p := range procs {
		cpuPct, err := p.CPUPercent()
		if err != nil {
			continue
		}
		memPct, err := p.MemoryPercent()
		if err != nil {
			continue
		}
		name, err := p.Name()
		if err != nil {
			name = ""
		}
		samples = append(samples, processSample{
			PID:    p.Pid,
			Name:   name,
			CPU:    cpuPct,
			MemPct: memPct,
		})
	}

	sort.Slice(samples, func(i, j int) bool {
		return (samples[i].CPU + float64(samples[i].MemPct)) > (samples[j].CPU + float64(samples[j].MemPct))
	})

	if len(samples) > n {
		samples = samples[:n]
	}
	return samples
}
