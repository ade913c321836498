package server

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
)

type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
}

type procStats struct {
	p *process.Process
}

func newProcStats() *procStats {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return &procStats{}
	}
	return &procStats{p: p}
}

// read reports what the platform exposes; unavailable figures stay zero.
func (s *procStats) read() ProcessStats {
	out := ProcessStats{
		PID:        int32(os.Getpid()),
		Goroutines: runtime.NumGoroutine(),
	}
	if s.p == nil {
		return out
	}
	if mem, err := s.p.MemoryInfo(); err == nil && mem != nil {
		out.RSSBytes = mem.RSS
	}
	if cpu, err := s.p.CPUPercent(); err == nil {
		out.CPUPercent = cpu
	}
	return out
}
