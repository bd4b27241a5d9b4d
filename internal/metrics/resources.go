package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of a supervised process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig configures periodic sampling of supervised processes.
type ResourceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ResourceCollector samples CPU and memory of supervised processes via gopsutil.
type ResourceCollector struct {
	enabled  bool
	interval time.Duration

	mu      sync.RWMutex
	latest  map[string]Usage
	handles map[string]*process.Process // cached so CPUPercent has a previous sample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewResourceCollector creates a collector; it does nothing until Start.
func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "svcvisor",
			Subsystem: "service",
			Name:      name,
			Help:      help,
		}, []string{"service"})
	}
	return &ResourceCollector{
		enabled:    cfg.Enabled,
		interval:   interval,
		latest:     make(map[string]Usage),
		handles:    make(map[string]*process.Process),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of supervised services."),
		memoryRSS:  gauge("memory_rss_bytes", "Resident memory of supervised services."),
		numThreads: gauge("num_threads", "Number of threads of supervised services."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of supervised services (Unix only)."),
	}
}

// RegisterMetrics registers the resource gauges with r.
func (c *ResourceCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	cs := []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.numFDs)
	}
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pids() every interval until ctx is done or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context, pids func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(ctx, pids())
			}
		}
	}()
}

// Stop ends sampling and waits for the sampler goroutine.
func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every service in pids and drops services no longer present.
func (c *ResourceCollector) Collect(ctx context.Context, pids map[string]int32) {
	now := time.Now()
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		u, err := c.sample(ctx, name, pid, now)
		if err != nil {
			slog.Debug("resource sample failed", "service", name, "pid", pid, "error", err)
			continue
		}
		c.cpuPercent.WithLabelValues(name).Set(u.CPUPercent)
		c.memoryRSS.WithLabelValues(name).Set(float64(u.MemoryRSS))
		c.numThreads.WithLabelValues(name).Set(float64(u.NumThreads))
		if runtime.GOOS != "windows" && u.NumFDs > 0 {
			c.numFDs.WithLabelValues(name).Set(float64(u.NumFDs))
		}
		c.mu.Lock()
		c.latest[name] = u
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, u := range c.latest {
		if pid, ok := pids[name]; ok && pid == u.PID {
			continue
		}
		delete(c.latest, name)
		delete(c.handles, name)
		c.cpuPercent.DeleteLabelValues(name)
		c.memoryRSS.DeleteLabelValues(name)
		c.numThreads.DeleteLabelValues(name)
		c.numFDs.DeleteLabelValues(name)
	}
}

func (c *ResourceCollector) sample(ctx context.Context, name string, pid int32, now time.Time) (Usage, error) {
	c.mu.Lock()
	p, ok := c.handles[name]
	if !ok || p.Pid != pid {
		np, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			c.mu.Unlock()
			return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		p = np
		c.handles[name] = p
	}
	c.mu.Unlock()

	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	u := Usage{PID: pid, MemoryRSS: mem.RSS, Timestamp: now}
	if cpu, err := p.PercentWithContext(ctx, 0); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDsWithContext(ctx); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}

// Latest returns the last sample taken for service.
func (c *ResourceCollector) Latest(service string) (Usage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.latest[service]
	return u, ok
}
