// Package health provides the built-in system-health loop check.
package health

import (
	"context"
	"fmt"
	"runtime"

	"github.com/dustin/go-humanize"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/loop"
	"taskpilot/pkg/logx"
)

const (
	CheckName           = "system-health"
	EventHighMemory     = "high-memory-usage"
	DefaultMemThreshold = 90.0
)

// Sample is one heap reading.
type Sample struct {
	HeapUsed  uint64  `json:"heapUsed"`
	HeapTotal uint64  `json:"heapTotal"`
	Percent   float64 `json:"percent"`
}

type Config struct {
	// MemoryThreshold is the heap usage percentage above which
	// high-memory-usage is published.
	MemoryThreshold float64
}

// Checker compares heap usage against a threshold.
type Checker struct {
	threshold float64
	bus       *eventbus.Bus
	log       logx.Logger
	read      func() Sample
}

func New(cfg Config, bus *eventbus.Bus, log logx.Logger) *Checker {
	if cfg.MemoryThreshold <= 0 || cfg.MemoryThreshold > 100 {
		cfg.MemoryThreshold = DefaultMemThreshold
	}
	return &Checker{threshold: cfg.MemoryThreshold, bus: bus, log: log, read: ReadHeap}
}

// ReadHeap samples the Go heap. In-use bytes over bytes obtained from the OS.
func ReadHeap() Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s := Sample{HeapUsed: ms.HeapInuse, HeapTotal: ms.HeapSys}
	if s.HeapTotal > 0 {
		s.Percent = float64(s.HeapUsed) / float64(s.HeapTotal) * 100
	}
	return s
}

// Check publishes high-memory-usage when the heap is above the threshold.
func (c *Checker) Check(context.Context) error {
	s := c.read()
	if s.Percent <= c.threshold {
		return nil
	}
	c.log.Warn("high memory usage",
		logx.String("percent", fmt.Sprintf("%.2f", s.Percent)),
		logx.String("heap_used", humanize.IBytes(s.HeapUsed)),
		logx.String("heap_total", humanize.IBytes(s.HeapTotal)),
	)
	if c.bus != nil {
		c.bus.PublishFrom(EventHighMemory, s, CheckName)
	}
	return nil
}

// Register adds the check to l.
func (c *Checker) Register(l *loop.Loop) error {
	return l.RegisterCheck(CheckName, c.Check)
}

// LogAlerts subscribes a logger to high-memory-usage. It returns the
// unsubscribe func.
func LogAlerts(bus *eventbus.Bus, log logx.Logger) func() {
	return bus.Subscribe(EventHighMemory, func(e eventbus.Event) error {
		s, ok := e.Payload.(Sample)
		if !ok {
			return fmt.Errorf("unexpected %s payload %T", EventHighMemory, e.Payload)
		}
		log.Warn("memory critical", logx.Float64("percent", s.Percent), logx.String("heap_used", humanize.IBytes(s.HeapUsed)))
		return nil
	})
}
