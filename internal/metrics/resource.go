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

// ResourceSample holds CPU and memory usage for a single agent process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	Agent      string    `json:"agent"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig holds configuration for resource usage collection.
type ResourceConfig struct {
	Enabled    bool          `toml:"enabled" mapstructure:"enabled"`
	Interval   time.Duration `toml:"interval" mapstructure:"interval"`
	MaxHistory int           `toml:"max_history" mapstructure:"max_history"`
}

// history is a fixed-size ring of samples per agent.
type history struct {
	mu       sync.RWMutex
	samples  []ResourceSample
	startIdx int
	count    int
}

// ResourceCollector periodically samples CPU/memory of supervised agent
// processes via gopsutil and exports them as gauges. One agent maps to at
// most one live PID, so samples are keyed by agent name alone.
type ResourceCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu        sync.RWMutex
	histories map[string]*history

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewResourceCollector creates a collector from config, applying defaults.
func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	interval := cfg.Interval
	if interval == 0 {
		interval = 5 * time.Second
	}
	maxHistory := cfg.MaxHistory
	if maxHistory == 0 {
		maxHistory = 100
	}

	return &ResourceCollector{
		enabled:    cfg.Enabled,
		interval:   interval,
		maxHistory: maxHistory,
		histories:  make(map[string]*history),
		stopCh:     make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vigil",
				Subsystem: "agent",
				Name:      "cpu_percent",
				Help:      "CPU usage percentage of the agent process.",
			}, []string{"name"},
		),
		memoryMB: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vigil",
				Subsystem: "agent",
				Name:      "memory_mb",
				Help:      "Resident memory of the agent process in MB.",
			}, []string{"name"},
		),
		numThreads: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vigil",
				Subsystem: "agent",
				Name:      "num_threads",
				Help:      "Thread count of the agent process.",
			}, []string{"name"},
		),
		numFDs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vigil",
				Subsystem: "agent",
				Name:      "num_fds",
				Help:      "File descriptor count of the agent process (Unix only).",
			}, []string{"name"},
		),
	}
}

// RegisterMetrics registers the resource gauges with the provided registerer.
func (c *ResourceCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, col := range collectors {
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

// Start begins periodic sampling. getAgents returns the current live
// agent name -> PID mapping; agents absent from it are cleaned up.
func (c *ResourceCollector) Start(ctx context.Context, getAgents func() map[string]int32) {
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
				c.collect(getAgents())
			}
		}
	}()
}

// Stop terminates the sampling loop and waits for it to exit.
func (c *ResourceCollector) Stop() {
	if !c.enabled {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *ResourceCollector) collect(agents map[string]int32) {
	now := time.Now()
	for name, pid := range agents {
		if pid <= 0 {
			continue
		}
		sample, err := sampleProcess(name, pid, now)
		if err != nil {
			slog.Debug("Failed to sample agent resources", "agent", name, "pid", pid, "error", err)
			continue
		}
		c.cpuPercent.WithLabelValues(name).Set(sample.CPUPercent)
		c.memoryMB.WithLabelValues(name).Set(sample.MemoryMB)
		c.numThreads.WithLabelValues(name).Set(float64(sample.NumThreads))
		if runtime.GOOS != "windows" && sample.NumFDs > 0 {
			c.numFDs.WithLabelValues(name).Set(float64(sample.NumFDs))
		}
		c.record(name, sample)
	}
	c.prune(agents)
}

func sampleProcess(name string, pid int32, now time.Time) (ResourceSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("process handle: %w", err)
	}
	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		cpuPercent = 0
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("memory info: %w", err)
	}
	numThreads, err := proc.NumThreads()
	if err != nil {
		numThreads = 0
	}
	sample := ResourceSample{
		PID:        pid,
		Agent:      name,
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		NumThreads: numThreads,
		Timestamp:  now,
	}
	if runtime.GOOS != "windows" {
		if numFDs, err := proc.NumFDs(); err == nil {
			sample.NumFDs = numFDs
		}
	}
	return sample, nil
}

func (c *ResourceCollector) record(name string, sample ResourceSample) {
	c.mu.Lock()
	h, ok := c.histories[name]
	if !ok {
		h = &history{samples: make([]ResourceSample, c.maxHistory)}
		c.histories[name] = h
	}
	c.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count < len(h.samples) {
		h.samples[h.count] = sample
		h.count++
	} else {
		h.samples[h.startIdx] = sample
		h.startIdx = (h.startIdx + 1) % len(h.samples)
	}
}

// prune drops history and gauge series for agents no longer supervised.
func (c *ResourceCollector) prune(live map[string]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.histories {
		if _, ok := live[name]; ok {
			continue
		}
		delete(c.histories, name)
		c.cpuPercent.DeleteLabelValues(name)
		c.memoryMB.DeleteLabelValues(name)
		c.numThreads.DeleteLabelValues(name)
		if runtime.GOOS != "windows" {
			c.numFDs.DeleteLabelValues(name)
		}
	}
}

// Latest returns the most recent sample for an agent, if one exists.
func (c *ResourceCollector) Latest(name string) (ResourceSample, bool) {
	if !c.enabled {
		return ResourceSample{}, false
	}
	c.mu.RLock()
	h, ok := c.histories[name]
	c.mu.RUnlock()
	if !ok {
		return ResourceSample{}, false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.count == 0 {
		return ResourceSample{}, false
	}
	idx := h.count - 1
	if h.count == len(h.samples) {
		idx = (h.startIdx - 1 + len(h.samples)) % len(h.samples)
	}
	return h.samples[idx], true
}

// History returns the stored samples for an agent in chronological order.
func (c *ResourceCollector) History(name string) ([]ResourceSample, bool) {
	if !c.enabled {
		return nil, false
	}
	c.mu.RLock()
	h, ok := c.histories[name]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.count == 0 {
		return nil, false
	}
	result := make([]ResourceSample, h.count)
	if h.count < len(h.samples) {
		copy(result, h.samples[:h.count])
	} else {
		n := copy(result, h.samples[h.startIdx:])
		copy(result[n:], h.samples[:h.startIdx])
	}
	return result, true
}

// LatestAll returns the most recent sample for every tracked agent.
func (c *ResourceCollector) LatestAll() map[string]ResourceSample {
	result := make(map[string]ResourceSample)
	if !c.enabled {
		return result
	}
	c.mu.RLock()
	names := make([]string, 0, len(c.histories))
	for name := range c.histories {
		names = append(names, name)
	}
	c.mu.RUnlock()
	for _, name := range names {
		if sample, ok := c.Latest(name); ok {
			result[name] = sample
		}
	}
	return result
}

// IsEnabled reports whether sampling is active.
func (c *ResourceCollector) IsEnabled() bool { return c.enabled }

// recordForTesting feeds a sample directly into the history ring.
func (c *ResourceCollector) recordForTesting(name string, sample ResourceSample) {
	c.record(name, sample)
}
