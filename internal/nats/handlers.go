package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/spacefleet/collector/internal/collector"
	"github.com/spacefleet/collector/internal/deepscan"
	"github.com/spacefleet/collector/internal/remote"
	"github.com/spacefleet/collector/internal/tasks"
)

// Operations is the collector surface exposed over request/reply
type Operations interface {
	Collect(ctx context.Context, hostIDs []int64) ([]collector.HostResult, error)
	GetDeepScan(ctx context.Context, hostID int64, mount string, kind string, force bool) (deepscan.Result, error)
	TestConnection(ctx context.Context, hostID int64) (remote.CheckResult, error)
	TestPrivilege(ctx context.Context, hostID int64) (remote.CheckResult, error)
}

// CacheStats reports deep-scan cache occupancy for health responses
type CacheStats interface {
	Stats() deepscan.Stats
}

// HandlerOptions bounds how long a single request may run
type HandlerOptions struct {
	CollectTimeout  time.Duration
	DeepScanTimeout time.Duration
	CheckTimeout    time.Duration
}

// CommandHandlers serves <prefix>.<instance>.cmd.* subjects
type CommandHandlers struct {
	logger        *zap.Logger
	ops           Operations
	executor      *tasks.Executor
	cache         CacheStats
	instanceID    string
	subjectPrefix string
	opts          HandlerOptions
}

// NewCommandHandlers creates the command handler set. cache may be nil.
func NewCommandHandlers(ops Operations, executor *tasks.Executor, cache CacheStats,
	subjectPrefix, instanceID string, opts HandlerOptions, logger *zap.Logger) *CommandHandlers {
	return &CommandHandlers{
		logger:        logger,
		ops:           ops,
		executor:      executor,
		cache:         cache,
		instanceID:    instanceID,
		subjectPrefix: subjectPrefix,
		opts:          opts,
	}
}

type requestFunc func(ctx context.Context, data []byte) any

// Subject returns the full subject of a command
func (h *CommandHandlers) Subject(command string) string {
	return fmt.Sprintf("%s.%s.cmd.%s", h.subjectPrefix, h.instanceID, command)
}

// SubscribeAll subscribes every command. ctx bounds the lifetime of
// requests still running when the collector shuts down.
func (h *CommandHandlers) SubscribeAll(ctx context.Context, client *Client) error {
	commands := []struct {
		name  string
		async bool
		fn    requestFunc
	}{
		{"ping", false, h.handlePing},
		{"health", false, h.handleHealth},
		{"collect", true, h.handleCollect},
		{"deepscan", true, h.handleDeepScan},
		{"test", true, h.handleTestConnection},
		{"privilege", true, h.handleTestPrivilege},
	}

	for _, c := range commands {
		if _, err := client.Subscribe(h.Subject(c.name), h.msgHandler(ctx, c.name, c.async, c.fn)); err != nil {
			return err
		}
	}
	return nil
}

// msgHandler adapts fn to NATS. Long-running commands get their own
// goroutine so one slow request does not hold up the subscription.
func (h *CommandHandlers) msgHandler(ctx context.Context, name string, async bool, fn requestFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if async {
			go h.serve(ctx, name, fn, msg.Subject, msg.Data, msg.Respond)
			return
		}
		h.serve(ctx, name, fn, msg.Subject, msg.Data, msg.Respond)
	}
}

// serve runs fn and sends its response. A panic becomes an error response.
func (h *CommandHandlers) serve(ctx context.Context, name string, fn requestFunc, subject string, data []byte, respond func([]byte) error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Panic recovered in command handler",
				zap.String("handler", name),
				zap.String("subject", subject),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			h.respond(name, respond, errorResponse{
				Status:    "error",
				Error:     fmt.Sprintf("internal error: handler panicked: %v", r),
				Timestamp: timestamp(),
			})
		}
	}()

	h.logger.Debug("Received command", zap.String("handler", name), zap.String("subject", subject))
	h.respond(name, respond, fn(ctx, data))
}

func (h *CommandHandlers) respond(name string, respond func([]byte) error, response any) {
	data, err := json.Marshal(response)
	if err != nil {
		h.logger.Error("Failed to marshal response", zap.String("handler", name), zap.Error(err))
		data, _ = json.Marshal(errorResponse{Status: "error", Error: "failed to encode response", Timestamp: timestamp()})
	}
	if err := respond(data); err != nil {
		h.logger.Warn("Failed to send response", zap.String("handler", name), zap.Error(err))
	}
}

// Request and response bodies

type pingResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type healthResponse struct {
	Status        string                   `json:"status"`
	Metrics       *tasks.AgentMetrics      `json:"agent_metrics"`
	Tasks         *tasks.TaskHealthMetrics `json:"task_metrics"`
	DeepScanCache *deepscan.Stats          `json:"deep_scan_cache,omitempty"`
	Timestamp     string                   `json:"timestamp"`
}

type collectRequest struct {
	HostIDs []int64 `json:"host_ids"`
}

type collectResponse struct {
	Status    string                 `json:"status"`
	Results   []collector.HostResult `json:"results,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

type deepScanRequest struct {
	HostID int64  `json:"host_id"`
	Mount  string `json:"mount_point"`
	Kind   string `json:"kind"`
	Force  bool   `json:"force"`
}

type deepScanResponse struct {
	Status       string           `json:"status"`
	Result       *deepscan.Result `json:"result,omitempty"`
	RefreshError string           `json:"refresh_error,omitempty"`
	Error        string           `json:"error,omitempty"`
	Timestamp    string           `json:"timestamp"`
}

type hostRequest struct {
	HostID int64 `json:"host_id"`
}

type checkResponse struct {
	Status    string `json:"status"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

type errorResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func invalidRequest(err error) errorResponse {
	return errorResponse{
		Status:    "error",
		Error:     fmt.Sprintf("invalid request format: %v", err),
		Timestamp: timestamp(),
	}
}

// decode accepts an empty body as the zero request
func decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (h *CommandHandlers) handlePing(ctx context.Context, data []byte) any {
	return pingResponse{Status: "pong", Timestamp: timestamp()}
}

func (h *CommandHandlers) handleHealth(ctx context.Context, data []byte) any {
	resp := healthResponse{
		Status:    "healthy",
		Metrics:   h.executor.GetAgentMetrics(),
		Tasks:     h.executor.GetTaskMetrics(),
		Timestamp: timestamp(),
	}
	if h.cache != nil {
		st := h.cache.Stats()
		resp.DeepScanCache = &st
	}
	return resp
}

func (h *CommandHandlers) handleCollect(ctx context.Context, data []byte) any {
	var req collectRequest
	if err := decode(data, &req); err != nil {
		return invalidRequest(err)
	}

	ctx, cancel := withTimeout(ctx, h.opts.CollectTimeout)
	defer cancel()

	h.logger.Info("Processing collect request", zap.Int64s("host_ids", req.HostIDs))
	results, err := h.ops.Collect(ctx, req.HostIDs)
	if err != nil {
		h.logger.Error("Collect request failed", zap.Error(err))
		return collectResponse{Status: "error", Error: err.Error(), Timestamp: timestamp()}
	}
	return collectResponse{Status: "success", Results: results, Timestamp: timestamp()}
}

func (h *CommandHandlers) handleDeepScan(ctx context.Context, data []byte) any {
	var req deepScanRequest
	if err := decode(data, &req); err != nil {
		return invalidRequest(err)
	}

	ctx, cancel := withTimeout(ctx, h.opts.DeepScanTimeout)
	defer cancel()

	h.logger.Info("Processing deep scan request",
		zap.Int64("host_id", req.HostID),
		zap.String("mount_point", req.Mount),
		zap.String("kind", req.Kind),
		zap.Bool("force", req.Force))

	res, err := h.ops.GetDeepScan(ctx, req.HostID, req.Mount, req.Kind, req.Force)
	if err != nil {
		h.logger.Warn("Deep scan request failed", zap.Int64("host_id", req.HostID), zap.Error(err))
		return deepScanResponse{Status: "error", Error: err.Error(), Timestamp: timestamp()}
	}

	resp := deepScanResponse{Status: "success", Result: &res, Timestamp: timestamp()}
	if res.Error != nil {
		resp.RefreshError = res.Error.Error()
	}
	return resp
}

func (h *CommandHandlers) handleTestConnection(ctx context.Context, data []byte) any {
	return h.check(ctx, data, "connection", h.ops.TestConnection)
}

func (h *CommandHandlers) handleTestPrivilege(ctx context.Context, data []byte) any {
	return h.check(ctx, data, "privilege", h.ops.TestPrivilege)
}

func (h *CommandHandlers) check(ctx context.Context, data []byte, what string,
	test func(context.Context, int64) (remote.CheckResult, error)) any {
	var req hostRequest
	if err := decode(data, &req); err != nil {
		return invalidRequest(err)
	}

	ctx, cancel := withTimeout(ctx, h.opts.CheckTimeout)
	defer cancel()

	res, err := test(ctx, req.HostID)
	if err != nil {
		return checkResponse{Status: "error", Error: err.Error(), Timestamp: timestamp()}
	}

	h.logger.Info("Host check finished",
		zap.String("check", what),
		zap.Int64("host_id", req.HostID),
		zap.Bool("success", res.Success))
	return checkResponse{
		Status:    "success",
		Success:   res.Success,
		Message:   res.Message,
		Timestamp: timestamp(),
	}
}
