// internal/metrics/metrics.go
// Package metrics coleta o system_info enviado no heartbeat.
package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/sua-org/edge-agent/internal/payload"
)

// Snapshot é uma leitura do host e do próprio processo. Campos que falharam ficam zerados.
type Snapshot struct {
	Hostname          string
	OS                string
	Platform          string
	UptimeSeconds     uint64
	CPUPercent        float64
	MemoryPercent     float64
	MemoryUsedBytes   uint64
	DiskPercent       float64
	ProcessRSSBytes   uint64
	ProcessCPUPercent float64
}

func (s Snapshot) Payload() payload.Value {
	return payload.Object(
		payload.F("hostname", payload.String(s.Hostname)),
		payload.F("os", payload.String(s.OS)),
		payload.F("platform", payload.String(s.Platform)),
		payload.F("uptime_seconds", payload.Int(int64(s.UptimeSeconds))),
		payload.F("cpu_percent", payload.Number(round2(s.CPUPercent))),
		payload.F("memory_percent", payload.Number(round2(s.MemoryPercent))),
		payload.F("memory_used_bytes", payload.Int(int64(s.MemoryUsedBytes))),
		payload.F("disk_percent", payload.Number(round2(s.DiskPercent))),
		payload.F("process_rss_bytes", payload.Int(int64(s.ProcessRSSBytes))),
		payload.F("process_cpu_percent", payload.Number(round2(s.ProcessCPUPercent))),
	)
}

type Collector struct {
	diskPath string
	proc     *process.Process
	log      zerolog.Logger
}

// NewCollector mede o uso de disco em diskPath (normalmente o data_dir).
func NewCollector(diskPath string, log zerolog.Logger) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	c := &Collector{diskPath: diskPath, log: log}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = p
	}
	return c
}

func (c *Collector) Collect(ctx context.Context) Snapshot {
	s := Snapshot{OS: runtime.GOOS}
	s.Hostname, _ = os.Hostname()

	if info, err := host.InfoWithContext(ctx); err == nil {
		s.Platform = info.Platform
		s.UptimeSeconds = info.Uptime
		if s.Hostname == "" {
			s.Hostname = info.Hostname
		}
	} else {
		c.log.Debug().Err(err).Msg("host.Info falhou")
	}

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		s.CPUPercent = pcts[0]
	} else if err != nil {
		c.log.Debug().Err(err).Msg("cpu.Percent falhou")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryPercent = vm.UsedPercent
		s.MemoryUsedBytes = vm.Used
	} else {
		c.log.Debug().Err(err).Msg("mem.VirtualMemory falhou")
	}

	if du, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
		s.DiskPercent = du.UsedPercent
	} else {
		c.log.Debug().Err(err).Str("path", c.diskPath).Msg("disk.Usage falhou")
	}

	if c.proc != nil {
		if pct, err := c.proc.CPUPercentWithContext(ctx); err == nil {
			s.ProcessCPUPercent = pct
		}
		if mi, err := c.proc.MemoryInfoWithContext(ctx); err == nil {
			s.ProcessRSSBytes = mi.RSS
		}
	}
	return s
}

// SystemInfo é o atalho usado pelo heartbeat.
func (c *Collector) SystemInfo(ctx context.Context) payload.Value {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return c.Collect(ctx).Payload()
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
