package mock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/procrelay/procrelay/internal/daemon"
	"github.com/procrelay/procrelay/internal/event"
)

// pattern controls how a simulated process behaves on each tick.
type pattern string

const (
	patternSteady pattern = "steady" // a few stdout lines per tick
	patternBurst  pattern = "burst"  // quiet, then a burst of lines
	patternNoisy  pattern = "noisy"  // mixes stderr into the output
	patternCrashy pattern = "crashy" // exits now and then and is restarted
)

type simProcess struct {
	id       int
	name     string
	pattern  pattern
	lines    []string
	lineIdx  int
	downFor  int // ticks remaining before a crashed process restarts
	crashPct float64
}

// Generator drives a Daemon with a small simulated fleet.
type Generator struct {
	d     *Daemon
	clock clock.Clock
	rng   *rand.Rand
	tick  time.Duration
	procs []*simProcess
}

// DefaultFleet is the process table used by --mock mode.
func DefaultFleet(now time.Time) []event.Process {
	start := now.UnixMilli()
	return []event.Process{
		{ID: 0, Name: "api", PID: 4101, Status: event.StatusOnline, CPU: 3.2, Memory: 84 << 20, Uptime: start, Exec: "dist/server.js", Cwd: "/srv/api"},
		{ID: 1, Name: "worker", PID: 4102, Status: event.StatusOnline, CPU: 11.8, Memory: 132 << 20, Uptime: start, Exec: "dist/worker.js", Cwd: "/srv/worker"},
		{ID: 2, Name: "scheduler", PID: 4103, Status: event.StatusOnline, CPU: 0.4, Memory: 41 << 20, Uptime: start, Exec: "cron.js", Cwd: "/srv/scheduler"},
		{ID: 3, Name: "ingest", PID: 4104, Status: event.StatusOnline, CPU: 22.1, Memory: 210 << 20, Uptime: start, Exec: "ingest.py", Cwd: "/srv/ingest"},
	}
}

// NewGenerator seeds d with DefaultFleet and returns a generator for it.
func NewGenerator(d *Daemon, clk clock.Clock) *Generator {
	if clk == nil {
		clk = clock.New()
	}
	d.SetProcesses(DefaultFleet(clk.Now()))
	return &Generator{
		d:     d,
		clock: clk,
		rng:   rand.New(rand.NewSource(clk.Now().UnixNano())),
		tick:  500 * time.Millisecond,
		procs: []*simProcess{
			{id: 0, name: "api", pattern: patternSteady, lines: []string{
				"GET /health 200 1ms", "GET /v1/items 200 14ms", "POST /v1/items 201 31ms", "GET /v1/items/42 404 2ms",
			}},
			{id: 1, name: "worker", pattern: patternNoisy, lines: []string{
				"job 1182 started", "job 1182 done in 1.4s", "retrying job 1183 (attempt 2)", "job 1183 failed: upstream timeout",
			}},
			{id: 2, name: "scheduler", pattern: patternBurst, lines: []string{
				"tick", "enqueued nightly-report", "enqueued cache-warm",
			}},
			{id: 3, name: "ingest", pattern: patternCrashy, crashPct: 0.03, lines: []string{
				"batch 77 read 500 rows", "batch 77 committed", "batch 78 read 500 rows",
			}},
		},
	}
}

// Start runs the simulation until ctx is cancelled.
func (g *Generator) Start(ctx context.Context) {
	ticker := g.clock.Ticker(g.tick)
	go func() {
		defer ticker.Stop()
		n := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n++
				g.step(n)
			}
		}
	}()
}

func (g *Generator) step(n int) {
	for _, p := range g.procs {
		if p.downFor > 0 {
			p.downFor--
			if p.downFor == 0 {
				g.restart(p)
			}
			continue
		}
		switch p.pattern {
		case patternSteady:
			g.logLines(p, daemon.CategoryLogOut, 1+g.rng.Intn(2))
		case patternNoisy:
			g.logLines(p, daemon.CategoryLogOut, 1)
			if g.rng.Intn(3) == 0 {
				g.logLines(p, daemon.CategoryLogErr, 1)
			}
		case patternBurst:
			if n%10 == 0 {
				g.logLines(p, daemon.CategoryLogOut, 5)
			}
		case patternCrashy:
			if g.rng.Float64() < p.crashPct {
				g.crash(p)
				continue
			}
			g.logLines(p, daemon.CategoryLogOut, 1)
		}
	}
}

func (g *Generator) logLines(p *simProcess, category string, count int) {
	for i := 0; i < count; i++ {
		line := p.lines[p.lineIdx%len(p.lines)]
		p.lineIdx++
		g.d.Emit(daemon.BusEvent{
			Category: category,
			Process:  &daemon.BusProcess{ID: p.id, Name: p.name},
			Data:     line + "\n",
			At:       g.clock.Now().UnixMilli(),
		})
	}
}

func (g *Generator) crash(p *simProcess) {
	now := g.clock.Now().UnixMilli()
	g.d.Emit(daemon.BusEvent{
		Category: daemon.CategoryLogErr,
		Process:  &daemon.BusProcess{ID: p.id, Name: p.name},
		Data:     "fatal: connection reset by peer\n",
		At:       now,
	})
	g.d.UpdateProcess(p.id, func(proc *event.Process) {
		proc.Status = event.StatusErrored
		proc.PID = 0
		proc.CPU = 0
		proc.Memory = 0
	})
	g.d.Emit(daemon.BusEvent{
		Category: daemon.CategoryProcessEvent,
		Event:    string(event.LifecycleExit),
		Process:  &daemon.BusProcess{ID: p.id, Name: p.name},
		At:       now,
	})
	p.downFor = 4
}

func (g *Generator) restart(p *simProcess) {
	now := g.clock.Now()
	pid := 5000 + g.rng.Intn(4000)
	g.d.UpdateProcess(p.id, func(proc *event.Process) {
		proc.Status = event.StatusOnline
		proc.PID = pid
		proc.Restarts++
		proc.Uptime = now.UnixMilli()
	})
	g.d.Emit(daemon.BusEvent{
		Category: daemon.CategoryLogDaemon,
		Process:  &daemon.BusProcess{ID: p.id, Name: p.name},
		Data:     fmt.Sprintf("App [%s:%d] starting in -fork mode-", p.name, p.id),
		At:       now.UnixMilli(),
	})
	g.d.Emit(daemon.BusEvent{
		Category: daemon.CategoryProcessEvent,
		Event:    string(event.LifecycleOnline),
		Process:  &daemon.BusProcess{ID: p.id, Name: p.name, PID: pid},
		At:       now.UnixMilli(),
	})
}
