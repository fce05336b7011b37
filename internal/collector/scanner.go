package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spacefleet/collector/internal/deepscan"
	"github.com/spacefleet/collector/internal/models"
	"github.com/spacefleet/collector/internal/parser"
	"github.com/spacefleet/collector/internal/remote"
	"github.com/spacefleet/collector/internal/tasks"
)

// Scanner runs deep scans for the cache. Each scan uses its own session.
type Scanner struct {
	logger    *zap.Logger
	transport remote.Dialer
	exec      *tasks.Executor
	store     Store
	opts      Options
}

// NewScanner creates the remote deep scanner
func NewScanner(transport remote.Dialer, exec *tasks.Executor, store Store, opts Options, logger *zap.Logger) *Scanner {
	return &Scanner{
		logger:    logger,
		transport: transport,
		exec:      exec,
		store:     store,
		opts:      opts.withDefaults(),
	}
}

// Scan implements deepscan.Scanner
func (s *Scanner) Scan(ctx context.Context, key deepscan.Key) (items deepscan.Items, err error) {
	start := time.Now()
	defer func() {
		s.exec.RecordDeepScan(err != nil)
	}()

	host, ok, err := s.store.GetHost(ctx, key.HostID)
	if err != nil {
		return items, fmt.Errorf("failed to load host %d: %w", key.HostID, err)
	}
	if !ok {
		return items, fmt.Errorf("host %d: %w", key.HostID, ErrHostNotFound)
	}
	if !host.Enabled {
		return items, fmt.Errorf("host %d (%s): %w", key.HostID, host.Name, ErrHostDisabled)
	}

	cmds, err := tasks.CommandsFor(host.OSFamily)
	if err != nil {
		return items, err
	}

	sess, err := s.transport.Acquire(ctx, host)
	if err != nil {
		return items, err
	}
	defer sess.Close()

	switch key.Kind {
	case deepscan.KindFileTypes:
		items.FileTypes, err = s.fileTypes(ctx, sess, cmds, host, key.Mount)
	case deepscan.KindLargeFiles:
		items.LargeFiles, err = s.largeFiles(ctx, sess, cmds, host, key.Mount)
	default:
		err = fmt.Errorf("unknown deep scan kind: %q", key.Kind)
	}
	if err != nil {
		return deepscan.Items{}, err
	}

	s.logger.Info("Deep scan completed",
		zap.Stringer("key", key),
		zap.Int("file_types", len(items.FileTypes)),
		zap.Int("large_files", len(items.LargeFiles)),
		zap.Duration("duration", time.Since(start)))
	return items, nil
}

func (s *Scanner) fileTypes(ctx context.Context, sess remote.Session, cmds tasks.CommandSet, host models.Host, mount string) ([]models.FileTypeBucket, error) {
	cmd, err := cmds.Enumerate(mount)
	if err != nil {
		return nil, err
	}

	hist := parser.NewHistogram()
	var bad int
	err = s.exec.Stream(ctx, sess, cmd, s.opts.DeepScanTimeout, func(line string) error {
		if strings.TrimSpace(line) == "" {
			return nil
		}
		rec, perr := parser.ParseFileRecord(line)
		if perr != nil {
			bad++
			return nil
		}
		hist.Add(rec)
		return nil
	})
	// find exits non-zero on unreadable subtrees; what it did list still counts
	if err != nil && !(isNonZeroExit(err) && hist.Len() > 0) {
		return nil, err
	}
	if err != nil || bad > 0 {
		s.logger.Warn("File enumeration incomplete",
			zap.Int64("host_id", host.ID),
			zap.String("mount_point", mount),
			zap.Int("unparsed_lines", bad),
			zap.Error(err))
	}

	total := s.mountTotal(ctx, sess, cmds, host, mount)
	return hist.Buckets(host.ID, mount, total), nil
}

func (s *Scanner) largeFiles(ctx context.Context, sess remote.Session, cmds tasks.CommandSet, host models.Host, mount string) ([]models.LargeFileEntry, error) {
	cmd, err := cmds.LargestFiles(mount, s.opts.LargeFileLimit)
	if err != nil {
		return nil, err
	}

	out, err := s.exec.Run(ctx, sess, cmd, s.opts.DeepScanTimeout)
	if !usable(out, err) {
		if err == nil {
			err = fmt.Errorf("no output")
		}
		return nil, err
	}

	var records []parser.FileRecord
	for _, line := range strings.Split(out.Stdout, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, perr := parser.ParseFileRecord(line)
		if perr != nil {
			s.logger.Debug("Skipping unparsable file line",
				zap.Int64("host_id", host.ID),
				zap.Error(perr))
			continue
		}
		records = append(records, rec)
	}

	return parser.LargestFiles(records, host.ID, mount, s.opts.LargeFileLimit), nil
}

// mountTotal returns the mount's capacity from the latest collection, or
// asks the host when the mount has never been collected. Zero means unknown.
func (s *Scanner) mountTotal(ctx context.Context, sess remote.Session, cmds tasks.CommandSet, host models.Host, mount string) uint64 {
	if rec, ok, err := s.store.LatestFilesystem(ctx, host.ID, mount); err == nil && ok {
		return rec.TotalBytes
	}

	cmd, err := cmds.MountCapacity(mount)
	if err != nil {
		return 0
	}
	out, err := s.exec.Run(ctx, sess, cmd, s.opts.ListingTimeout)
	if !usable(out, err) {
		s.logger.Debug("Mount capacity unavailable",
			zap.Int64("host_id", host.ID),
			zap.String("mount_point", mount),
			zap.Error(err))
		return 0
	}
	rows, _ := parser.ParseFilesystemListing(out.Stdout, parser.LayoutFor(cmds.Family()))
	for _, r := range rows {
		if r.MountPoint == mount {
			return r.TotalBytes
		}
	}
	// df -- <path> reports the filesystem containing path
	if len(rows) == 1 {
		return rows[0].TotalBytes
	}
	return 0
}

func isNonZeroExit(err error) bool {
	return errors.Is(err, remote.ErrNonZeroExit)
}
