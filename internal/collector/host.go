package collector

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"

	"airmon/internal/models"
)

// Thermal zones checked in order before falling back to any key that looks
// like a CPU or SoC reading.
var cpuThermalKeys = []string{"cpu_thermal", "coretemp", "k10temp", "soc_thermal"}

// Probe reads one metric. A nil value with a nil error means the host has no
// such sensor.
type Probe func(ctx context.Context) (*float64, error)

// HostProbes are the metric sources a snapshot is built from.
type HostProbes struct {
	CPUTemp     Probe
	CPUUsage    Probe
	MemoryUsage Probe
	DiskUsage   Probe
}

// GopsutilProbes reads the local host. diskPath is the mount point whose
// usage is reported.
func GopsutilProbes(diskPath string) HostProbes {
	if diskPath == "" {
		diskPath = "/"
	}
	return HostProbes{
		CPUTemp:     cpuTemperature,
		CPUUsage:    cpuUsage,
		MemoryUsage: memoryUsage,
		DiskUsage: func(ctx context.Context) (*float64, error) {
			u, err := disk.UsageWithContext(ctx, diskPath)
			if err != nil {
				return nil, err
			}
			return models.Float(u.UsedPercent), nil
		},
	}
}

// cpuUsage is measured against the previous call, so the first sample after
// start reports usage since boot.
func cpuUsage(ctx context.Context) (*float64, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, err
	}
	if len(pct) == 0 {
		return nil, errors.New("cpu percent: empty result")
	}
	return models.Float(pct[0]), nil
}

func memoryUsage(ctx context.Context) (*float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return models.Float(vm.UsedPercent), nil
}

func cpuTemperature(ctx context.Context) (*float64, error) {
	temps, err := sensors.TemperaturesWithContext(ctx)
	// gopsutil reports unreadable zones as warnings next to the ones it read.
	if len(temps) == 0 {
		return nil, err
	}
	return pickCPUTemp(temps), nil
}

func pickCPUTemp(temps []sensors.TemperatureStat) *float64 {
	for _, want := range cpuThermalKeys {
		for _, t := range temps {
			if strings.HasPrefix(t.SensorKey, want) && t.Temperature > 0 {
				return models.Float(t.Temperature)
			}
		}
	}
	for _, t := range temps {
		k := strings.ToLower(t.SensorKey)
		if (strings.Contains(k, "cpu") || strings.Contains(k, "soc")) && t.Temperature > 0 {
			return models.Float(t.Temperature)
		}
	}
	return nil
}

// Snapshot runs every probe. A failing probe leaves its field nil and its
// error is returned joined with the others.
func (p HostProbes) Snapshot(ctx context.Context, now time.Time) (models.SystemSnapshot, error) {
	snap := models.SystemSnapshot{TS: now.UTC()}
	var errs []error
	read := func(name string, probe Probe, dst **float64) {
		if probe == nil {
			return
		}
		v, err := probe(ctx)
		if err != nil {
			errs = append(errs, errors.New(name+": "+err.Error()))
			return
		}
		*dst = v
	}
	read("cpu_temp", p.CPUTemp, &snap.CPUTemp)
	read("cpu_usage", p.CPUUsage, &snap.CPUUsage)
	read("memory_usage", p.MemoryUsage, &snap.MemoryUsage)
	read("disk_usage", p.DiskUsage, &snap.DiskUsage)
	return snap, errors.Join(errs...)
}
