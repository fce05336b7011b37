package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spacefleet/collector/internal/models"
)

// Publisher delivers alert events to a notification channel
type Publisher interface {
	Publish(ctx context.Context, event models.AlertEvent) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, event models.AlertEvent) error

func (f PublisherFunc) Publish(ctx context.Context, event models.AlertEvent) error {
	return f(ctx, event)
}

type cooldownKey struct {
	thresholdID int64
	hostID      int64
	mount       string
}

// Dispatcher publishes alerts, suppressing repeats of the same
// (threshold, host, mount) within the cooldown. The cooldown only starts
// once an event has been delivered.
type Dispatcher struct {
	logger          *zap.Logger
	publisher       Publisher
	defaultCooldown time.Duration
	now             func() time.Time

	mu   sync.Mutex
	sent map[cooldownKey]time.Time
}

// NewDispatcher creates a dispatcher. Thresholds without their own cooldown use defaultCooldown.
func NewDispatcher(publisher Publisher, defaultCooldown time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		logger:          logger,
		publisher:       publisher,
		defaultCooldown: defaultCooldown,
		now:             time.Now,
		sent:            make(map[cooldownKey]time.Time),
	}
}

// Dispatch publishes every alert not in cooldown and returns how many were delivered
func (d *Dispatcher) Dispatch(ctx context.Context, alerts []Alert) (int, error) {
	var errs []error
	delivered := 0

	for _, a := range alerts {
		key := cooldownKey{
			thresholdID: a.Event.ThresholdID,
			hostID:      a.Event.HostID,
			mount:       a.Event.MountPoint,
		}
		cooldown := a.Cooldown
		if cooldown <= 0 {
			cooldown = d.defaultCooldown
		}

		// the key is reserved before publishing so a concurrent dispatch of
		// the same alert is suppressed
		now := d.now()
		d.mu.Lock()
		last, seen := d.sent[key]
		if seen && now.Sub(last) < cooldown {
			d.mu.Unlock()
			d.logger.Debug("Alert suppressed by cooldown",
				zap.Int64("host_id", key.hostID),
				zap.String("mount_point", key.mount),
				zap.Duration("remaining", cooldown-now.Sub(last)))
			continue
		}
		d.sent[key] = now
		d.mu.Unlock()

		if err := d.publisher.Publish(ctx, a.Event); err != nil {
			d.release(key, now, last, seen)
			d.logger.Error("Failed to publish alert",
				zap.String("alert_id", a.Event.ID),
				zap.Int64("host_id", key.hostID),
				zap.String("mount_point", key.mount),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("publish alert for host %d %s: %w", key.hostID, key.mount, err))
			continue
		}

		delivered++

		d.logger.Info("Alert published",
			zap.String("alert_id", a.Event.ID),
			zap.Int64("host_id", key.hostID),
			zap.String("mount_point", key.mount),
			zap.Float64("value", a.Event.Value),
			zap.Float64("threshold", a.Event.Threshold))
	}

	return delivered, errors.Join(errs...)
}

// release undoes a reservation made at reserved, unless a later send replaced it
func (d *Dispatcher) release(key cooldownKey, reserved, last time.Time, seen bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.sent[key].Equal(reserved) {
		return
	}
	if seen {
		d.sent[key] = last
	} else {
		delete(d.sent, key)
	}
}
