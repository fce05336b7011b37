package tasks

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/spacefleet/collector/internal/utils"
	"go.uber.org/zap"
)

// Executor runs allow-listed commands on remote sessions and keeps
// self-monitoring counters for the collector.
type Executor struct {
	logger    *zap.Logger
	stats     *ExecutorStats
	taskStats *TaskStats
}

// ExecutorStats tracks executor statistics for self-monitoring
type ExecutorStats struct {
	mu                sync.RWMutex
	startTime         time.Time
	commandsProcessed int64
	commandsErrored   int64
	lastError         string
	lastErrorTime     time.Time
}

// TaskStats tracks collection and deep-scan runs for monitoring
type TaskStats struct {
	mu sync.RWMutex

	lastCollection time.Time
	lastDeepScan   time.Time

	collectionCount    int64
	collectionFailures int64
	deepScanCount      int64
	deepScanFailures   int64
	alertsRaised       int64
}

// AgentMetrics represents collector self-monitoring metrics
type AgentMetrics struct {
	MemoryUsageMB     float64 `json:"memory_usage_mb"`
	MemoryRSSMB       float64 `json:"memory_rss_mb,omitempty"`
	Goroutines        int     `json:"goroutines"`
	UptimeSeconds     int64   `json:"uptime_seconds"`
	CommandsProcessed int64   `json:"commands_processed"`
	CommandsErrored   int64   `json:"commands_errored"`
	LastError         string  `json:"last_error,omitempty"`
	LastErrorTime     string  `json:"last_error_time,omitempty"`
}

// TaskHealthMetrics represents collection task health
type TaskHealthMetrics struct {
	LastCollection string `json:"last_collection,omitempty"`
	LastDeepScan   string `json:"last_deep_scan,omitempty"`

	CollectionCount    int64 `json:"collection_count"`
	CollectionFailures int64 `json:"collection_failures"`
	DeepScanCount      int64 `json:"deep_scan_count"`
	DeepScanFailures   int64 `json:"deep_scan_failures"`
	AlertsRaised       int64 `json:"alerts_raised"`
}

// NewExecutor creates a new command executor
func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		logger:    logger,
		stats:     &ExecutorStats{startTime: time.Now()},
		taskStats: &TaskStats{},
	}
}

// GetAgentMetrics returns current collector performance metrics
func (e *Executor) GetAgentMetrics() *AgentMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()

	metrics := &AgentMetrics{
		MemoryUsageMB:     utils.Round(float64(mem.Sys) / 1024 / 1024),
		MemoryRSSMB:       residentMB(),
		Goroutines:        runtime.NumGoroutine(),
		UptimeSeconds:     int64(time.Since(e.stats.startTime).Seconds()),
		CommandsProcessed: e.stats.commandsProcessed,
		CommandsErrored:   e.stats.commandsErrored,
	}

	if !e.stats.lastErrorTime.IsZero() {
		metrics.LastError = e.stats.lastError
		metrics.LastErrorTime = e.stats.lastErrorTime.Format(time.RFC3339)
	}

	return metrics
}

// residentMB reads this process's RSS, 0 when the platform does not expose it
func residentMB() float64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := p.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return utils.Round(float64(info.RSS) / 1024 / 1024)
}

// GetTaskMetrics returns collection task metrics
func (e *Executor) GetTaskMetrics() *TaskHealthMetrics {
	e.taskStats.mu.RLock()
	defer e.taskStats.mu.RUnlock()

	metrics := &TaskHealthMetrics{
		CollectionCount:    e.taskStats.collectionCount,
		CollectionFailures: e.taskStats.collectionFailures,
		DeepScanCount:      e.taskStats.deepScanCount,
		DeepScanFailures:   e.taskStats.deepScanFailures,
		AlertsRaised:       e.taskStats.alertsRaised,
	}

	// Only include timestamps if tasks have executed
	if !e.taskStats.lastCollection.IsZero() {
		metrics.LastCollection = e.taskStats.lastCollection.Format(time.RFC3339)
	}
	if !e.taskStats.lastDeepScan.IsZero() {
		metrics.LastDeepScan = e.taskStats.lastDeepScan.Format(time.RFC3339)
	}

	return metrics
}

// RecordCollection records one host collection
func (e *Executor) RecordCollection(failed bool) {
	e.taskStats.mu.Lock()
	defer e.taskStats.mu.Unlock()
	e.taskStats.lastCollection = time.Now()
	e.taskStats.collectionCount++
	if failed {
		e.taskStats.collectionFailures++
	}
}

// RecordDeepScan records one remote deep scan
func (e *Executor) RecordDeepScan(failed bool) {
	e.taskStats.mu.Lock()
	defer e.taskStats.mu.Unlock()
	e.taskStats.lastDeepScan = time.Now()
	e.taskStats.deepScanCount++
	if failed {
		e.taskStats.deepScanFailures++
	}
}

// RecordAlerts adds n raised alerts
func (e *Executor) RecordAlerts(n int) {
	e.taskStats.mu.Lock()
	defer e.taskStats.mu.Unlock()
	e.taskStats.alertsRaised += int64(n)
}

// RecordCommandSuccess increments success counter
func (e *Executor) RecordCommandSuccess() {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()
	e.stats.commandsProcessed++
}

// RecordCommandError increments error counter and stores last error
func (e *Executor) RecordCommandError(err error) {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()

	e.stats.commandsErrored++
	e.stats.commandsProcessed++ // Still counts as processed
	e.stats.lastError = err.Error()
	e.stats.lastErrorTime = time.Now()
}
