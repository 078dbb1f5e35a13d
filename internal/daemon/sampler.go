package daemon

import (
	"github.com/shirou/gopsutil/v3/process"

	"github.com/procrelay/procrelay/internal/event"
)

// Sampler fills in CPU and memory for online processes the daemon reported
// without usage figures.
type Sampler struct {
	// lookup is swapped in tests.
	lookup func(pid int32) (cpu float64, rss uint64, err error)
}

func NewSampler() *Sampler {
	return &Sampler{lookup: sampleProcess}
}

func sampleProcess(pid int32) (float64, uint64, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return 0, 0, err
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	return cpu, mem.RSS, nil
}

// Enrich returns a copy of procs with usage filled where it was missing.
// Processes that cannot be sampled keep their reported values.
func (s *Sampler) Enrich(procs []event.Process) []event.Process {
	out := make([]event.Process, len(procs))
	copy(out, procs)
	for i := range out {
		p := &out[i]
		if p.Status != event.StatusOnline || p.PID <= 0 || p.CPU != 0 || p.Memory != 0 {
			continue
		}
		cpu, rss, err := s.lookup(int32(p.PID))
		if err != nil {
			continue
		}
		p.CPU = cpu
		p.Memory = rss
	}
	return out
}
