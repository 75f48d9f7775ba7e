package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/conneroisu/previewd/internal/logging"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// HealthCheck represents a single health check result
type HealthCheck struct {
	Name        string                 `json:"name" yaml:"name"`
	Status      HealthStatus           `json:"status" yaml:"status"`
	Message     string                 `json:"message,omitempty" yaml:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked" yaml:"last_checked"`
	Duration    time.Duration          `json:"duration" yaml:"duration"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Critical    bool                   `json:"critical" yaml:"critical"`
}

// HealthChecker defines the interface for health check functions
type HealthChecker interface {
	Check(ctx context.Context) HealthCheck
	Name() string
	IsCritical() bool
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc struct {
	name     string
	checkFn  func(ctx context.Context) HealthCheck
	critical bool
}

// NewHealthCheckFunc creates a new health check function
func NewHealthCheckFunc(name string, critical bool, checkFn func(ctx context.Context) HealthCheck) *HealthCheckFunc {
	return &HealthCheckFunc{name: name, checkFn: checkFn, critical: critical}
}

// Check executes the health check function
func (h *HealthCheckFunc) Check(ctx context.Context) HealthCheck {
	return h.checkFn(ctx)
}

// Name returns the health check name
func (h *HealthCheckFunc) Name() string {
	return h.name
}

// IsCritical returns whether this check is critical
func (h *HealthCheckFunc) IsCritical() bool {
	return h.critical
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status     HealthStatus           `json:"status" yaml:"status"`
	Timestamp  time.Time              `json:"timestamp" yaml:"timestamp"`
	Version    string                 `json:"version,omitempty" yaml:"version,omitempty"`
	Uptime     time.Duration          `json:"uptime" yaml:"uptime"`
	Checks     map[string]HealthCheck `json:"checks" yaml:"checks"`
	SystemInfo SystemInfo             `json:"system_info" yaml:"system_info"`
}

// SystemInfo provides system information
type SystemInfo struct {
	Hostname  string `json:"hostname" yaml:"hostname"`
	Platform  string `json:"platform" yaml:"platform"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	PID       int    `json:"pid" yaml:"pid"`
}

// HealthMonitor runs registered checks on demand.
type HealthMonitor struct {
	checks    map[string]HealthChecker
	mutex     sync.RWMutex
	logger    logging.Logger
	timeout   time.Duration
	version   string
	startTime time.Time
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(logger logging.Logger, version string) *HealthMonitor {
	return &HealthMonitor{
		checks:    make(map[string]HealthChecker),
		logger:    logger.WithComponent("health_monitor"),
		timeout:   5 * time.Second,
		version:   version,
		startTime: time.Now(),
	}
}

// RegisterCheck registers a health check
func (hm *HealthMonitor) RegisterCheck(checker HealthChecker) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.checks[checker.Name()] = checker
}

// Check runs every registered check concurrently and aggregates the results.
func (hm *HealthMonitor) Check(ctx context.Context) HealthResponse {
	hm.mutex.RLock()
	checkers := make([]HealthChecker, 0, len(hm.checks))
	for _, checker := range hm.checks {
		checkers = append(checkers, checker)
	}
	hm.mutex.RUnlock()

	sort.Slice(checkers, func(i, j int) bool { return checkers[i].Name() < checkers[j].Name() })

	ctx, cancel := context.WithTimeout(ctx, hm.timeout)
	defer cancel()

	results := make([]HealthCheck, len(checkers))
	var wg sync.WaitGroup
	for i, checker := range checkers {
		wg.Add(1)
		go func(i int, checker HealthChecker) {
			defer wg.Done()

			start := time.Now()
			result := checker.Check(ctx)
			result.Name = checker.Name()
			result.Critical = checker.IsCritical()
			result.Duration = time.Since(start)
			result.LastChecked = time.Now()
			results[i] = result
		}(i, checker)
	}
	wg.Wait()

	checks := make(map[string]HealthCheck, len(results))
	for _, result := range results {
		checks[result.Name] = result
		if result.Status != HealthStatusHealthy {
			hm.logger.Warn(ctx, nil, "Health check failed",
				"name", result.Name,
				"status", string(result.Status),
				"message", result.Message)
		}
	}

	return HealthResponse{
		Status:     overallStatus(checks),
		Timestamp:  time.Now(),
		Version:    hm.version,
		Uptime:     time.Since(hm.startTime),
		Checks:     checks,
		SystemInfo: systemInfo(),
	}
}

func overallStatus(checks map[string]HealthCheck) HealthStatus {
	status := HealthStatusHealthy
	for _, check := range checks {
		switch {
		case check.Critical && check.Status == HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case check.Status != HealthStatusHealthy:
			status = HealthStatusDegraded
		}
	}
	return status
}

// HTTPHandler returns an HTTP handler for health checks
func (hm *HealthMonitor) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hm.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(health); err != nil {
			hm.logger.Error(r.Context(), err, "Failed to encode health response")
		}
	}
}

func systemInfo() SystemInfo {
	hostname, _ := os.Hostname()
	return SystemInfo{
		Hostname:  hostname,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		GoVersion: runtime.Version(),
		PID:       os.Getpid(),
	}
}

// StatusCheck builds a check from a function returning a status and message.
func StatusCheck(name string, critical bool, check func(ctx context.Context) (HealthStatus, string)) HealthChecker {
	return NewHealthCheckFunc(name, critical, func(ctx context.Context) HealthCheck {
		status, message := check(ctx)
		return HealthCheck{Status: status, Message: message}
	})
}
