package collector

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spacefleet/collector/internal/alerts"
	"github.com/spacefleet/collector/internal/deepscan"
	"github.com/spacefleet/collector/internal/models"
	"github.com/spacefleet/collector/internal/parser"
	"github.com/spacefleet/collector/internal/remote"
	"github.com/spacefleet/collector/internal/tasks"
	"github.com/spacefleet/collector/internal/usage"
)

// Store is the persistence the collector needs
type Store interface {
	GetHost(ctx context.Context, id int64) (models.Host, bool, error)
	ListHosts(ctx context.Context, enabledOnly bool) ([]models.Host, error)
	ListThresholds(ctx context.Context) ([]models.AlertThreshold, error)
	AppendCollection(ctx context.Context, records []models.FilesystemRecord, dirs []models.DirectoryUsage) error
	LatestFilesystem(ctx context.Context, hostID int64, mount string) (models.FilesystemRecord, bool, error)
}

// Transport opens sessions and runs the connectivity checks
type Transport interface {
	remote.Dialer
	Test(ctx context.Context, host models.Host) remote.CheckResult
	TestPrivilege(ctx context.Context, host models.Host) remote.CheckResult
}

// DeepScans is the cache the service reads deep-scan analyses from
type DeepScans interface {
	Get(ctx context.Context, key deepscan.Key, force bool) (deepscan.Result, error)
}

// Options tunes collection
type Options struct {
	Concurrency       int
	ListingTimeout    time.Duration
	DeepScanTimeout   time.Duration
	MinTotalBytes     uint64
	MinDirectoryBytes uint64
	LargeFileLimit    int
}

func (o Options) withDefaults() Options {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.ListingTimeout <= 0 {
		o.ListingTimeout = 60 * time.Second
	}
	if o.DeepScanTimeout <= 0 {
		o.DeepScanTimeout = 30 * time.Minute
	}
	if o.LargeFileLimit < 1 {
		o.LargeFileLimit = 50
	}
	return o
}

// Status is the outcome of collecting one host
type Status string

const (
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
)

// HostResult reports one host of a Collect call
type HostResult struct {
	HostID          int64                     `json:"host_id"`
	HostName        string                    `json:"host_name,omitempty"`
	Status          Status                    `json:"status"`
	Error           string                    `json:"error,omitempty"`
	Warnings        []string                  `json:"warnings,omitempty"`
	Filesystems     []models.FilesystemRecord `json:"filesystems,omitempty"`
	Directories     int                       `json:"directories_collected"`
	AvailableMounts []string                  `json:"available_mounts,omitempty"`
	Alerts          int                       `json:"alerts"`
	DurationMS      int64                     `json:"duration_ms"`
}

func (r *HostResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *HostResult) fail(err error) {
	r.Status = StatusFailed
	r.Error = err.Error()
}

// Service implements the collector's exposed operations
type Service struct {
	logger     *zap.Logger
	transport  Transport
	exec       *tasks.Executor
	store      Store
	cache      DeepScans
	normalizer *usage.Normalizer
	evaluator  *alerts.Evaluator
	dispatcher *alerts.Dispatcher
	opts       Options
	now        func() time.Time
}

// NewService wires the collector. dispatcher may be nil to disable alert delivery.
func NewService(transport Transport, exec *tasks.Executor, store Store, cache DeepScans,
	evaluator *alerts.Evaluator, dispatcher *alerts.Dispatcher, opts Options, logger *zap.Logger) *Service {
	opts = opts.withDefaults()
	return &Service{
		logger:     logger,
		transport:  transport,
		exec:       exec,
		store:      store,
		cache:      cache,
		normalizer: usage.NewNormalizer(opts.MinTotalBytes, opts.MinDirectoryBytes),
		evaluator:  evaluator,
		dispatcher: dispatcher,
		opts:       opts,
		now:        time.Now,
	}
}

// Collect gathers filesystem usage from hostIDs (every enabled host when
// empty). Results keep the request order; one host failing never affects
// another.
func (s *Service) Collect(ctx context.Context, hostIDs []int64) ([]HostResult, error) {
	hosts, results, err := s.resolveHosts(ctx, hostIDs)
	if err != nil {
		return nil, err
	}

	thresholds, err := s.store.ListThresholds(ctx)
	if err != nil {
		s.logger.Warn("Failed to load alert thresholds, using default only", zap.Error(err))
		thresholds = nil
	}

	s.logger.Info("Starting collection",
		zap.Int("hosts", len(hosts)),
		zap.Int("concurrency", s.opts.Concurrency))

	sem := make(chan struct{}, s.opts.Concurrency)
	var wg sync.WaitGroup

	for i, host := range hosts {
		if results[i].Status == StatusFailed {
			continue
		}
		wg.Add(1)
		go func(i int, host models.Host) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i].fail(ctx.Err())
				return
			}
			defer func() { <-sem }()

			results[i] = s.collectHost(ctx, host, thresholds)
		}(i, host)
	}
	wg.Wait()

	var failed, warned int
	for _, r := range results {
		switch r.Status {
		case StatusFailed:
			failed++
		case StatusWarning:
			warned++
		}
	}
	s.logger.Info("Collection finished",
		zap.Int("hosts", len(results)),
		zap.Int("failed", failed),
		zap.Int("warnings", warned))

	return results, nil
}

// resolveHosts returns one host and one pre-filled result per requested id.
// Unknown and disabled hosts are marked failed up front.
func (s *Service) resolveHosts(ctx context.Context, hostIDs []int64) ([]models.Host, []HostResult, error) {
	if len(hostIDs) == 0 {
		hosts, err := s.store.ListHosts(ctx, true)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list hosts: %w", err)
		}
		results := make([]HostResult, len(hosts))
		for i, h := range hosts {
			results[i] = HostResult{HostID: h.ID, HostName: h.Name}
		}
		return hosts, results, nil
	}

	hosts := make([]models.Host, len(hostIDs))
	results := make([]HostResult, len(hostIDs))
	for i, id := range hostIDs {
		results[i] = HostResult{HostID: id}
		h, err := s.host(ctx, id)
		if err != nil {
			results[i].fail(err)
			continue
		}
		hosts[i] = h
		results[i].HostName = h.Name
	}
	return hosts, results, nil
}

// host loads an enabled host
func (s *Service) host(ctx context.Context, id int64) (models.Host, error) {
	h, ok, err := s.store.GetHost(ctx, id)
	if err != nil {
		return models.Host{}, fmt.Errorf("failed to load host %d: %w", id, err)
	}
	if !ok {
		return models.Host{}, fmt.Errorf("host %d: %w", id, ErrHostNotFound)
	}
	if !h.Enabled {
		return models.Host{}, fmt.Errorf("host %d (%s): %w", id, h.Name, ErrHostDisabled)
	}
	return h, nil
}

func (s *Service) collectHost(ctx context.Context, host models.Host, thresholds []models.AlertThreshold) (res HostResult) {
	start := time.Now()
	res = HostResult{HostID: host.ID, HostName: host.Name, Status: StatusSuccess}
	logger := s.logger.With(zap.Int64("host_id", host.ID), zap.String("host", host.Name))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Collection panicked", zap.Any("panic", r), zap.Stack("stack"))
			res.fail(fmt.Errorf("internal error: %v", r))
		}
		if res.Status == StatusSuccess && len(res.Warnings) > 0 {
			res.Status = StatusWarning
		}
		res.DurationMS = time.Since(start).Milliseconds()
		s.exec.RecordCollection(res.Status == StatusFailed)
	}()

	cmds, err := tasks.CommandsFor(host.OSFamily)
	if err != nil {
		res.fail(err)
		return res
	}

	sess, err := s.transport.Acquire(ctx, host)
	if err != nil {
		logger.Warn("Failed to connect", zap.Error(err))
		res.fail(err)
		return res
	}
	defer sess.Close()

	out, err := s.exec.Run(ctx, sess, cmds.Listing(), s.opts.ListingTimeout)
	if !usable(out, err) {
		logger.Warn("Filesystem listing failed", zap.Error(err))
		res.fail(fmt.Errorf("filesystem listing failed: %w", err))
		return res
	}
	if err != nil {
		res.warn("filesystem listing incomplete: %v", err)
	}

	at := s.now()
	rows, parseErrs := parser.ParseFilesystemListing(out.Stdout, parser.LayoutFor(cmds.Family()))
	for _, perr := range parseErrs {
		res.warn("%v", perr)
	}

	norm := s.normalizer.Filesystems(host, rows, at)
	res.Filesystems = norm.Records
	res.AvailableMounts = norm.Available
	res.Warnings = append(res.Warnings, norm.Warnings...)

	var dirs []models.DirectoryUsage
	for _, rec := range norm.Records {
		if rec.MountPoint == "/" {
			continue
		}
		dirs = append(dirs, s.collectDirectories(ctx, sess, cmds, rec, &res)...)
	}
	res.Directories = len(dirs)

	if err := s.store.AppendCollection(ctx, norm.Records, dirs); err != nil {
		logger.Error("Failed to store collection", zap.Error(err))
		res.fail(fmt.Errorf("failed to store collection: %w", err))
		return res
	}

	res.Alerts = s.raiseAlerts(ctx, host, norm.Records, thresholds, &res)

	logger.Info("Host collected",
		zap.Int("filesystems", len(norm.Records)),
		zap.Int("directories", len(dirs)),
		zap.Int("warnings", len(res.Warnings)),
		zap.Duration("duration", time.Since(start)))
	return res
}

// collectDirectories sizes the first-level children of one mount. Every
// failure here is a warning; the filesystem record stands on its own.
func (s *Service) collectDirectories(ctx context.Context, sess remote.Session, cmds tasks.CommandSet, rec models.FilesystemRecord, res *HostResult) []models.DirectoryUsage {
	duCmd, err := cmds.DirectorySizes(rec.MountPoint)
	if err != nil {
		res.warn("skipping directories of %s: %v", rec.MountPoint, err)
		return nil
	}
	statCmd, err := cmds.Owners(rec.MountPoint)
	if err != nil {
		res.warn("skipping directories of %s: %v", rec.MountPoint, err)
		return nil
	}

	duOut, err := s.exec.Run(ctx, sess, duCmd, s.opts.ListingTimeout)
	if !usable(duOut, err) {
		res.warn("directory sizes of %s unavailable: %v", rec.MountPoint, err)
		return nil
	}
	if err != nil {
		res.warn("directory sizes of %s incomplete: %v", rec.MountPoint, err)
	}
	sizes, perrs := parser.ParseDirectoryUsage(duOut.Stdout)
	for _, perr := range perrs {
		res.warn("%s: %v", rec.MountPoint, perr)
	}

	statOut, err := s.exec.Run(ctx, sess, statCmd, s.opts.ListingTimeout)
	if !usable(statOut, err) {
		res.warn("directory owners of %s unavailable: %v", rec.MountPoint, err)
		return nil
	}
	if err != nil {
		res.warn("directory owners of %s incomplete: %v", rec.MountPoint, err)
	}
	owners, perrs := parser.ParseOwners(statOut.Stdout)
	for _, perr := range perrs {
		res.warn("%s: %v", rec.MountPoint, perr)
	}

	joined, warnings := parser.JoinOwners(sizes, owners)
	res.Warnings = append(res.Warnings, warnings...)

	return s.normalizer.Directories(rec, joined)
}

func (s *Service) raiseAlerts(ctx context.Context, host models.Host, records []models.FilesystemRecord, thresholds []models.AlertThreshold, res *HostResult) int {
	if s.evaluator == nil {
		return 0
	}
	raised := s.evaluator.Evaluate(host, records, thresholds)
	if len(raised) == 0 {
		return 0
	}
	s.exec.RecordAlerts(len(raised))

	if s.dispatcher != nil {
		if _, err := s.dispatcher.Dispatch(ctx, raised); err != nil {
			res.warn("alert delivery failed: %v", err)
		}
	}
	return len(raised)
}

// usable reports whether a command result can be parsed: either it
// succeeded, or it exited non-zero but still produced output.
func usable(res *tasks.Result, err error) bool {
	if err == nil {
		return res != nil
	}
	return res != nil && strings.TrimSpace(res.Stdout) != ""
}

// GetDeepScan returns the file-type or large-file analysis of a mount
func (s *Service) GetDeepScan(ctx context.Context, hostID int64, mount string, kind string, force bool) (deepscan.Result, error) {
	k, err := deepscan.ParseKind(kind)
	if err != nil {
		return deepscan.Result{}, err
	}
	h, err := s.host(ctx, hostID)
	if err != nil {
		return deepscan.Result{}, err
	}
	mount, err = cleanMount(mount)
	if err != nil {
		return deepscan.Result{}, err
	}
	if !h.AllowsMount(mount) {
		return deepscan.Result{}, fmt.Errorf("%s on host %d: %w", mount, hostID, ErrMountNotAllowed)
	}

	return s.cache.Get(ctx, deepscan.Key{HostID: h.ID, Mount: mount, Kind: k}, force)
}

func cleanMount(mount string) (string, error) {
	if _, err := tasks.QuotePath(mount); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMount, err)
	}
	return path.Clean(mount), nil
}

// TestConnection checks that the host answers over SSH. No cache is touched.
func (s *Service) TestConnection(ctx context.Context, hostID int64) (remote.CheckResult, error) {
	h, ok, err := s.store.GetHost(ctx, hostID)
	if err != nil {
		return remote.CheckResult{}, fmt.Errorf("failed to load host %d: %w", hostID, err)
	}
	if !ok {
		return remote.CheckResult{}, fmt.Errorf("host %d: %w", hostID, ErrHostNotFound)
	}
	return s.transport.Test(ctx, h), nil
}

// TestPrivilege checks non-interactive sudo on the host
func (s *Service) TestPrivilege(ctx context.Context, hostID int64) (remote.CheckResult, error) {
	h, ok, err := s.store.GetHost(ctx, hostID)
	if err != nil {
		return remote.CheckResult{}, fmt.Errorf("failed to load host %d: %w", hostID, err)
	}
	if !ok {
		return remote.CheckResult{}, fmt.Errorf("host %d: %w", hostID, ErrHostNotFound)
	}
	return s.transport.TestPrivilege(ctx, h), nil
}
