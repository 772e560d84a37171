package selfmon

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

// StartProcessSampler updates the process gauges every interval until ctx ends.
func StartProcessSampler(ctx context.Context, m *Metrics, interval time.Duration) {
	if m == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn().Err(err).Msg("process sampler disabled")
		return
	}
	sample := func() {
		if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
			m.ProcessCPU.Set(cpu)
		}
		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
			m.ProcessRSS.Set(float64(mem.RSS))
		}
	}
	sample()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sample()
		}
	}
}
