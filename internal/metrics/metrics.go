package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType defines types of metrics we track
type MetricType string

const (
	TypeCounter     MetricType = "counter"    // Always increasing count
	TypeGauge       MetricType = "gauge"      // Point-in-time value
	TypeTimer       MetricType = "timer"      // Duration measurement
	TypeErrorRate   MetricType = "error_rate" // Error percentage
	TypeHealthCheck MetricType = "health"     // Health status (0/1)
)

// TimerMetric captures timing information
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

// ErrorRateMetric captures error rates
type ErrorRateMetric struct {
	Total     int64   `json:"total"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
}

type timerState struct {
	count       int64
	totalTimeMs int64
	minTimeMs   int64
	maxTimeMs   int64
}

type errorRateState struct {
	total  int64
	errors int64
}

// Metrics is an in-process collector exposed on the /metrics endpoint.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	mu           sync.RWMutex
	counters     map[string]*int64
	gauges       map[string]*int64
	timers       map[string]*timerState
	errorRates   map[string]*errorRateState
	healthChecks map[string]*int64
	startTime    time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:     make(map[string]*int64),
		gauges:       make(map[string]*int64),
		timers:       make(map[string]*timerState),
		errorRates:   make(map[string]*errorRateState),
		healthChecks: make(map[string]*int64),
		startTime:    time.Now(),
	}
}

// cell returns the value stored under name, creating it under the write lock if missing
func cell[T any](m *Metrics, store map[string]*T, name string, create func() *T) *T {
	m.mu.RLock()
	value, exists := store[name]
	m.mu.RUnlock()
	if exists {
		return value
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if value, exists = store[name]; !exists {
		value = create()
		store[name] = value
	}
	return value
}

func newInt64() *int64 { return new(int64) }

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the specified value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	if m == nil {
		return
	}
	atomic.AddInt64(cell(m, m.counters, name, newInt64), value)
}

// SetGauge sets a gauge to a specific value
func (m *Metrics) SetGauge(name string, value int64) {
	if m == nil {
		return
	}
	atomic.StoreInt64(cell(m, m.gauges, name, newInt64), value)
}

// RecordTimer records a timing measurement
func (m *Metrics) RecordTimer(name string, durationMs int64) {
	if m == nil {
		return
	}
	timer := cell(m, m.timers, name, func() *timerState {
		return &timerState{minTimeMs: math.MaxInt64}
	})

	atomic.AddInt64(&timer.count, 1)
	atomic.AddInt64(&timer.totalTimeMs, durationMs)

	for {
		currentMin := atomic.LoadInt64(&timer.minTimeMs)
		if durationMs >= currentMin || atomic.CompareAndSwapInt64(&timer.minTimeMs, currentMin, durationMs) {
			break
		}
	}
	for {
		currentMax := atomic.LoadInt64(&timer.maxTimeMs)
		if durationMs <= currentMax || atomic.CompareAndSwapInt64(&timer.maxTimeMs, currentMax, durationMs) {
			break
		}
	}
}

// Since records the time elapsed from start under name
func (m *Metrics) Since(name string, start time.Time) {
	m.RecordTimer(name, time.Since(start).Milliseconds())
}

// RecordSuccess records a successful operation for error rate tracking
func (m *Metrics) RecordSuccess(name string) {
	m.recordErrorRate(name, false)
}

// RecordError records an error for error rate tracking
func (m *Metrics) RecordError(name string) {
	m.recordErrorRate(name, true)
}

// RecordResult records a success or an error depending on err
func (m *Metrics) RecordResult(name string, err error) {
	m.recordErrorRate(name, err != nil)
}

func (m *Metrics) recordErrorRate(name string, isError bool) {
	if m == nil {
		return
	}
	rate := cell(m, m.errorRates, name, func() *errorRateState { return &errorRateState{} })

	atomic.AddInt64(&rate.total, 1)
	if isError {
		atomic.AddInt64(&rate.errors, 1)
	}
}

// SetHealth sets the health status of a component
func (m *Metrics) SetHealth(component string, isHealthy bool) {
	if m == nil {
		return
	}
	var value int64
	if isHealthy {
		value = 1
	}
	atomic.StoreInt64(cell(m, m.healthChecks, component, newInt64), value)
}

// GetCounters returns all counters
func (m *Metrics) GetCounters() map[string]int64 {
	return m.snapshot(m.counters)
}

// GetGauges returns all gauges
func (m *Metrics) GetGauges() map[string]int64 {
	return m.snapshot(m.gauges)
}

func (m *Metrics) snapshot(store map[string]*int64) map[string]int64 {
	values := make(map[string]int64)
	if m == nil {
		return values
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, value := range store {
		values[name] = atomic.LoadInt64(value)
	}
	return values
}

// GetTimers returns all timers
func (m *Metrics) GetTimers() map[string]TimerMetric {
	timers := make(map[string]TimerMetric)
	if m == nil {
		return timers
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, timer := range m.timers {
		count := atomic.LoadInt64(&timer.count)
		totalTime := atomic.LoadInt64(&timer.totalTimeMs)

		var average float64
		if count > 0 {
			average = float64(totalTime) / float64(count)
		}

		timers[name] = TimerMetric{
			Count:         count,
			TotalTimeMs:   totalTime,
			AverageTimeMs: average,
			MinTimeMs:     atomic.LoadInt64(&timer.minTimeMs),
			MaxTimeMs:     atomic.LoadInt64(&timer.maxTimeMs),
		}
	}

	return timers
}

// GetErrorRates returns all error rates
func (m *Metrics) GetErrorRates() map[string]ErrorRateMetric {
	errorRates := make(map[string]ErrorRateMetric)
	if m == nil {
		return errorRates
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, er := range m.errorRates {
		total := atomic.LoadInt64(&er.total)
		errs := atomic.LoadInt64(&er.errors)

		var rate float64
		if total > 0 {
			rate = float64(errs) / float64(total) * 100.0
		}

		errorRates[name] = ErrorRateMetric{
			Total:     total,
			Errors:    errs,
			ErrorRate: rate,
		}
	}

	return errorRates
}

// GetHealthChecks returns all health checks
func (m *Metrics) GetHealthChecks() map[string]bool {
	checks := make(map[string]bool)
	if m == nil {
		return checks
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, health := range m.healthChecks {
		checks[name] = atomic.LoadInt64(health) > 0
	}
	return checks
}

// GetUptimeSeconds returns the service uptime in seconds
func (m *Metrics) GetUptimeSeconds() int64 {
	if m == nil {
		return 0
	}
	return int64(time.Since(m.startTime).Seconds())
}

// GetAllMetrics returns all metrics in a structured format
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": m.GetUptimeSeconds(),
		"counters":       m.GetCounters(),
		"gauges":         m.GetGauges(),
		"timers":         m.GetTimers(),
		"error_rates":    m.GetErrorRates(),
		"health_checks":  m.GetHealthChecks(),
	}
}
