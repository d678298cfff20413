package server

import (
	"context"
	"expvar"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemCollector periodically samples host and process usage and exposes
// it as an expvar map, so a soak run can relate table behaviour to memory
// pressure.
type SystemCollector struct {
	vars     *expvar.Map
	cpu      *expvar.Float
	mem      *expvar.Float
	rss      *expvar.Int
	proc     *process.Process
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewSystemCollector creates a new collector. Nothing is sampled until
// Start or Collect is called.
func NewSystemCollector(interval time.Duration, logger *slog.Logger) *SystemCollector {
	sc := &SystemCollector{
		vars:     new(expvar.Map).Init(),
		cpu:      new(expvar.Float),
		mem:      new(expvar.Float),
		rss:      new(expvar.Int),
		interval: interval,
		stopChan: make(chan struct{}),
		logger:   logger.With("component", "SystemCollector"),
	}
	sc.vars.Set("cpu_usage_percent", sc.cpu)
	sc.vars.Set("mem_usage_percent", sc.mem)
	sc.vars.Set("process_rss_bytes", sc.rss)
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		sc.proc = p
	} else {
		sc.logger.Warn("Process metrics unavailable", "error", err)
	}
	return sc
}

// Vars returns the collector's metrics.
func (sc *SystemCollector) Vars() *expvar.Map { return sc.vars }

// Publish exposes the metrics under name unless the name is taken.
func (sc *SystemCollector) Publish(name string) {
	if expvar.Get(name) == nil {
		expvar.Publish(name, sc.vars)
	}
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() {
		sc.logger.Info("Stopping system metrics collector")
		close(sc.stopChan)
	})
	sc.wg.Wait()
}

// Collect takes one sample. A zero sample window compares CPU time with
// the previous call instead of blocking.
func (sc *SystemCollector) Collect(ctx context.Context, window time.Duration) {
	if pct, err := cpu.PercentWithContext(ctx, window, false); err == nil && len(pct) > 0 {
		sc.cpu.Set(pct[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sc.mem.Set(vm.UsedPercent)
	}
	if sc.proc != nil {
		if mi, err := sc.proc.MemoryInfoWithContext(ctx); err == nil {
			sc.rss.Set(int64(mi.RSS))
		}
	}
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	// The CPU window must end before the next tick.
	window := sc.interval - time.Second
	if window < 0 {
		window = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sc.stopChan
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			sc.Collect(ctx, window)
		case <-sc.stopChan:
			return
		}
	}
}
