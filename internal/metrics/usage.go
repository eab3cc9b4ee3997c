package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultSampleInterval is how often child resource usage is refreshed
const DefaultSampleInterval = 5 * time.Second

// SampleUsage periodically reads the current child's CPU and memory
// usage into the exporter gauges. It returns when ctx is cancelled.
// Samples are best effort: a child can exit between the PID read and
// the /proc lookup.
func (e *Exporter) SampleUsage(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sampleOnce()
		}
	}
}

func (e *Exporter) sampleOnce() {
	pid := e.pid.Load()
	if pid == 0 {
		return
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}

	if cpuPercent, err := proc.CPUPercent(); err == nil {
		e.childCPU.Set(cpuPercent)
	}
	if memInfo, err := proc.MemoryInfo(); err == nil {
		e.childRSS.Set(float64(memInfo.RSS))
	}
}
