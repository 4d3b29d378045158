package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample holds CPU and memory figures for the supervised process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig holds configuration for resource sampling.
type ResourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ResourceSampler periodically samples one process and exports gauges.
// It keeps the last MaxHistory samples in a ring buffer.
type ResourceSampler struct {
	name     string
	interval time.Duration

	mu      sync.RWMutex
	history []ResourceSample
	start   int
	count   int
	lastPID int32

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewResourceSampler creates a sampler for the process called name.
func NewResourceSampler(name string, cfg ResourceConfig) *ResourceSampler {
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 100
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(metric, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      metric,
			Help:      help,
		}, []string{"name"})
	}
	return &ResourceSampler{
		name:       name,
		interval:   interval,
		history:    make([]ResourceSample, maxHistory),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the supervised process."),
		memoryRSS:  gauge("memory_rss_bytes", "Resident set size of the supervised process."),
		numThreads: gauge("num_threads", "Number of threads of the supervised process."),
		numFDs:     gauge("num_fds", "Number of open file descriptors (Unix only)."),
	}
}

// RegisterMetrics registers the sampler gauges with r.
func (s *ResourceSampler) RegisterMetrics(r prometheus.Registerer) error {
	cs := []prometheus.Collector{s.cpuPercent, s.memoryRSS, s.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.numFDs)
	}
	return registerAll(r, cs)
}

// Start samples pid() every interval until ctx is done or Stop is called.
// pid returning 0 means no process is running; gauges are then zeroed.
func (s *ResourceSampler) Start(ctx context.Context, pid func() int) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				p := pid()
				if p <= 0 {
					s.reset()
					continue
				}
				if _, err := s.Sample(p); err != nil {
					slog.Debug("Failed to sample process resources", "name", s.name, "pid", p, "error", err)
				}
			}
		}
	}()
}

// Stop stops sampling and waits for the loop to exit.
func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Sample reads the current figures for pid, records them and updates the gauges.
func (s *ResourceSampler) Sample(pid int) (ResourceSample, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	// CPUPercent needs a previous call for an accurate figure
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	sample := ResourceSample{
		PID:        int32(pid),
		CPUPercent: cpu,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			sample.NumFDs = fds
		}
	}

	s.cpuPercent.WithLabelValues(s.name).Set(sample.CPUPercent)
	s.memoryRSS.WithLabelValues(s.name).Set(float64(sample.MemoryRSS))
	s.numThreads.WithLabelValues(s.name).Set(float64(sample.NumThreads))
	if sample.NumFDs > 0 {
		s.numFDs.WithLabelValues(s.name).Set(float64(sample.NumFDs))
	}
	s.add(sample)
	return sample, nil
}

func (s *ResourceSampler) add(sample ResourceSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sample.PID != s.lastPID {
		// a new run starts a new history
		s.start, s.count = 0, 0
		s.lastPID = sample.PID
	}
	idx := (s.start + s.count) % len(s.history)
	s.history[idx] = sample
	if s.count < len(s.history) {
		s.count++
	} else {
		s.start = (s.start + 1) % len(s.history)
	}
}

func (s *ResourceSampler) reset() {
	s.cpuPercent.WithLabelValues(s.name).Set(0)
	s.memoryRSS.WithLabelValues(s.name).Set(0)
	s.numThreads.WithLabelValues(s.name).Set(0)
	s.numFDs.WithLabelValues(s.name).Set(0)
}

// Latest returns the most recent sample, if any.
func (s *ResourceSampler) Latest() (ResourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return ResourceSample{}, false
	}
	return s.history[(s.start+s.count-1)%len(s.history)], true
}

// History returns the samples of the current run, oldest first.
func (s *ResourceSampler) History() []ResourceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ResourceSample, 0, s.count)
	for i := 0; i < s.count; i++ {
		out = append(out, s.history[(s.start+i)%len(s.history)])
	}
	return out
}
