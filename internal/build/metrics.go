package build

import (
	"sync"
	"time"
)

// Observer receives compile events. monitoring.Metrics implements it.
type Observer interface {
	ObserveCompile(op string, outcome string, duration time.Duration)
	ObserveSession(state string)
}

// Compile outcomes reported to observers.
const (
	OutcomeHit     = "hit"
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeRefused = "not_ready"
)

// CompileMetrics tracks service activity. EngineTransforms and EngineBundles
// count calls that actually reached the engine.
type CompileMetrics struct {
	Transforms       int64
	Bundles          int64
	EngineTransforms int64
	EngineBundles    int64
	CacheHits        int64
	Failures         int64
	AverageDuration  time.Duration
	TotalDuration    time.Duration
	mutex            sync.RWMutex
}

// NewCompileMetrics creates an empty metrics tracker.
func NewCompileMetrics() *CompileMetrics {
	return &CompileMetrics{}
}

func (m *CompileMetrics) recordTransform(outcome string, duration time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.Transforms++
	switch outcome {
	case OutcomeHit:
		m.CacheHits++
	case OutcomeFailure, OutcomeRefused:
		m.Failures++
	}
	m.addDuration(duration)
}

func (m *CompileMetrics) recordBundle(outcome string, duration time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.Bundles++
	if outcome == OutcomeFailure || outcome == OutcomeRefused {
		m.Failures++
	}
	m.addDuration(duration)
}

func (m *CompileMetrics) recordEngineTransform() {
	m.mutex.Lock()
	m.EngineTransforms++
	m.mutex.Unlock()
}

func (m *CompileMetrics) recordEngineBundle() {
	m.mutex.Lock()
	m.EngineBundles++
	m.mutex.Unlock()
}

func (m *CompileMetrics) addDuration(duration time.Duration) {
	m.TotalDuration += duration
	if total := m.Transforms + m.Bundles; total > 0 {
		m.AverageDuration = m.TotalDuration / time.Duration(total)
	}
}

// MetricsSnapshot is a copy of CompileMetrics without the lock.
type MetricsSnapshot struct {
	Transforms       int64         `json:"transforms" yaml:"transforms"`
	Bundles          int64         `json:"bundles" yaml:"bundles"`
	EngineTransforms int64         `json:"engine_transforms" yaml:"engine_transforms"`
	EngineBundles    int64         `json:"engine_bundles" yaml:"engine_bundles"`
	CacheHits        int64         `json:"cache_hits" yaml:"cache_hits"`
	Failures         int64         `json:"failures" yaml:"failures"`
	AverageDuration  time.Duration `json:"average_duration" yaml:"average_duration"`
	TotalDuration    time.Duration `json:"total_duration" yaml:"total_duration"`
}

// Snapshot returns a copy of the current metrics.
func (m *CompileMetrics) Snapshot() MetricsSnapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return MetricsSnapshot{
		Transforms:       m.Transforms,
		Bundles:          m.Bundles,
		EngineTransforms: m.EngineTransforms,
		EngineBundles:    m.EngineBundles,
		CacheHits:        m.CacheHits,
		Failures:         m.Failures,
		AverageDuration:  m.AverageDuration,
		TotalDuration:    m.TotalDuration,
	}
}

// Reset zeroes all counters.
func (m *CompileMetrics) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.Transforms = 0
	m.Bundles = 0
	m.EngineTransforms = 0
	m.EngineBundles = 0
	m.CacheHits = 0
	m.Failures = 0
	m.AverageDuration = 0
	m.TotalDuration = 0
}

// CacheHitRate returns the transform cache hit rate as a percentage.
func (m *CompileMetrics) CacheHitRate() float64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.Transforms == 0 {
		return 0.0
	}

	return float64(m.CacheHits) / float64(m.Transforms) * 100.0
}
