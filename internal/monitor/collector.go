package monitor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Sink receives a flat snapshot of all metric values on every flush
type Sink interface {
	Write(ctx context.Context, snapshot map[string]float64) error
}

// CollectorConfig configures a PrometheusCollector
type CollectorConfig struct {
	// TextfilePath is written atomically on every flush when set
	TextfilePath string
	// Interval drives the background flush loop started by Start
	Interval time.Duration
	// ProcessStats samples host CPU and memory at flush time
	ProcessStats bool
}

// PrometheusCollector implements Collector on a private Prometheus registry
type PrometheusCollector struct {
	logger   *zap.Logger
	config   CollectorConfig
	registry *prometheus.Registry
	sink     Sink

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	keys     map[string][]string

	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewPrometheusCollector creates a new collector. sink may be nil.
func NewPrometheusCollector(config CollectorConfig, sink Sink, logger *zap.Logger) *PrometheusCollector {
	return &PrometheusCollector{
		logger:   logger.Named("metrics-collector"),
		config:   config,
		registry: prometheus.NewRegistry(),
		sink:     sink,
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
		keys:     make(map[string][]string),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func helpFor(name string) string {
	if h, ok := help[name]; ok {
		return h
	}
	return name
}

// checkKeys records the label set of a metric on first use and rejects
// later updates with a different label set
func (c *PrometheusCollector) checkKeys(name string, labels map[string]string) ([]string, bool) {
	keys := labelKeys(labels)
	if known, ok := c.keys[name]; ok {
		if !sameKeys(known, keys) {
			c.logger.Warn("Dropping metric update with inconsistent labels",
				zap.String("metric", name),
				zap.Strings("expected", known),
				zap.Strings("got", keys))
			return nil, false
		}
		return keys, true
	}
	c.keys[name] = keys
	return keys, true
}

// Increment implements Collector
func (c *PrometheusCollector) Increment(name string, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.checkKeys(name, labels)
	if !ok {
		return
	}
	vec, ok := c.counters[name]
	if !ok {
		if _, isGauge := c.gauges[name]; isGauge {
			c.logger.Warn("Metric already registered as gauge", zap.String("metric", name))
			return
		}
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: helpFor(name)}, keys)
		if err := c.registry.Register(vec); err != nil {
			c.logger.Error("Failed to register counter", zap.String("metric", name), zap.Error(err))
			return
		}
		c.counters[name] = vec
	}

	counter, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		c.logger.Error("Failed to resolve counter", zap.String("metric", name), zap.Error(err))
		return
	}
	counter.Inc()
}

// Set implements Collector
func (c *PrometheusCollector) Set(name string, labels map[string]string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.checkKeys(name, labels)
	if !ok {
		return
	}
	vec, ok := c.gauges[name]
	if !ok {
		if _, isCounter := c.counters[name]; isCounter {
			c.logger.Warn("Metric already registered as counter", zap.String("metric", name))
			return
		}
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: helpFor(name)}, keys)
		if err := c.registry.Register(vec); err != nil {
			c.logger.Error("Failed to register gauge", zap.String("metric", name), zap.Error(err))
			return
		}
		c.gauges[name] = vec
	}

	gauge, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		c.logger.Error("Failed to resolve gauge", zap.String("metric", name), zap.Error(err))
		return
	}
	gauge.Set(value)
}

// Flush samples process statistics, then writes the textfile and the sink
func (c *PrometheusCollector) Flush(ctx context.Context) error {
	if c.config.ProcessStats {
		c.collectProcessStats()
	}
	c.Set(LastFlushTimestamp, nil, float64(time.Now().Unix()))

	if c.config.TextfilePath != "" {
		if err := os.MkdirAll(filepath.Dir(c.config.TextfilePath), 0o755); err != nil {
			return fmt.Errorf("failed to create metrics directory: %w", err)
		}
		if err := prometheus.WriteToTextfile(c.config.TextfilePath, c.registry); err != nil {
			return fmt.Errorf("failed to write metrics textfile: %w", err)
		}
	}

	if c.sink != nil {
		snapshot, err := c.Snapshot()
		if err != nil {
			return err
		}
		if err := c.sink.Write(ctx, snapshot); err != nil {
			return fmt.Errorf("failed to write metrics snapshot: %w", err)
		}
	}

	c.logger.Debug("Metrics flushed", zap.String("textfile", c.config.TextfilePath))
	return nil
}

func (c *PrometheusCollector) collectProcessStats() {
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		c.logger.Warn("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		c.Set(ProcessCPUPercent, nil, cpuPercent[0])
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		c.logger.Warn("Failed to get memory usage", zap.Error(err))
		return
	}
	c.Set(ProcessMemPercent, nil, memInfo.UsedPercent)
}

// Snapshot returns every counter and gauge value keyed as name{k="v",...}
func (c *PrometheusCollector) Snapshot() (map[string]float64, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	snapshot := make(map[string]float64)
	for _, family := range families {
		for _, m := range family.GetMetric() {
			var b strings.Builder
			b.WriteString(family.GetName())
			if pairs := m.GetLabel(); len(pairs) > 0 {
				b.WriteByte('{')
				for i, p := range pairs {
					if i > 0 {
						b.WriteByte(',')
					}
					fmt.Fprintf(&b, "%s=%q", p.GetName(), p.GetValue())
				}
				b.WriteByte('}')
			}

			switch {
			case m.GetCounter() != nil:
				snapshot[b.String()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				snapshot[b.String()] = m.GetGauge().GetValue()
			}
		}
	}
	return snapshot, nil
}

// Handler serves the registry in the Prometheus exposition format
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Start runs the periodic flush loop until Stop or ctx is done
func (c *PrometheusCollector) Start(ctx context.Context) {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.config.Interval))

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		if c.config.Interval <= 0 {
			<-c.stop
			return
		}

		ticker := time.NewTicker(c.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				if err := c.Flush(ctx); err != nil {
					c.logger.Error("Failed to flush metrics", zap.Error(err))
				}
			}
		}
	}()
}

// Stop ends the flush loop and performs a final flush
func (c *PrometheusCollector) Stop(ctx context.Context) {
	c.logger.Info("Stopping metrics collector")
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	close(c.stop)
	if started {
		<-c.done
	}
	if err := c.Flush(ctx); err != nil {
		c.logger.Error("Failed final metrics flush", zap.Error(err))
	}
}
