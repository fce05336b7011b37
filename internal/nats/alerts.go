package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spacefleet/collector/internal/models"
)

const defaultPublishTimeout = 10 * time.Second

type syncPublisher interface {
	PublishSync(subject string, data []byte, timeout time.Duration) error
}

// AlertPublisher sends alert events to JetStream on
// <prefix>.<instance>.alerts.<host_id>. It implements alerts.Publisher.
type AlertPublisher struct {
	logger  *zap.Logger
	client  syncPublisher
	prefix  string
	timeout time.Duration
}

// NewAlertPublisher creates a publisher for the given subject prefix and instance id
func NewAlertPublisher(client *Client, subjectPrefix, instanceID string, logger *zap.Logger) *AlertPublisher {
	return newAlertPublisher(client, subjectPrefix, instanceID, logger)
}

func newAlertPublisher(client syncPublisher, subjectPrefix, instanceID string, logger *zap.Logger) *AlertPublisher {
	return &AlertPublisher{
		logger:  logger,
		client:  client,
		prefix:  fmt.Sprintf("%s.%s.alerts", subjectPrefix, instanceID),
		timeout: defaultPublishTimeout,
	}
}

// Subject returns the subject an event for hostID is published on
func (p *AlertPublisher) Subject(hostID int64) string {
	return fmt.Sprintf("%s.%d", p.prefix, hostID)
}

// Publish blocks until JetStream acknowledges the event, ctx is done, or the publish times out
func (p *AlertPublisher) Publish(ctx context.Context, event models.AlertEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}

	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := p.Subject(event.HostID)
	if err := p.client.PublishSync(subject, data, timeout); err != nil {
		return err
	}

	p.logger.Info("Alert published",
		zap.String("subject", subject),
		zap.String("alert_id", event.ID),
		zap.String("mount_point", event.MountPoint))
	return nil
}
