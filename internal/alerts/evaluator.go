package alerts

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spacefleet/collector/internal/models"
)

// DefaultThresholdPercent applies to records no configured threshold covers
const DefaultThresholdPercent = 80.0

// Alert is an event plus the cooldown of the threshold that raised it
type Alert struct {
	Event    models.AlertEvent
	Cooldown time.Duration
}

// Evaluator compares filesystem records against thresholds
type Evaluator struct {
	logger         *zap.Logger
	defaultPercent float64
	now            func() time.Time
}

// NewEvaluator creates an evaluator. A defaultPercent <= 0 selects 80.
func NewEvaluator(defaultPercent float64, logger *zap.Logger) *Evaluator {
	if defaultPercent <= 0 {
		defaultPercent = DefaultThresholdPercent
	}
	return &Evaluator{
		logger:         logger,
		defaultPercent: defaultPercent,
		now:            time.Now,
	}
}

// DefaultThreshold is the rule used when nothing configured matches
func (e *Evaluator) DefaultThreshold() models.AlertThreshold {
	return models.AlertThreshold{
		Name:     "default",
		Metric:   models.MetricUsePercent,
		Operator: models.OpGE,
		Value:    e.defaultPercent,
		Enabled:  true,
	}
}

// Select returns the first enabled threshold whose scope covers rec, or the default
func (e *Evaluator) Select(rec models.FilesystemRecord, thresholds []models.AlertThreshold) models.AlertThreshold {
	for _, t := range thresholds {
		if t.Enabled && t.Matches(rec) {
			return t
		}
	}
	return e.DefaultThreshold()
}

// Evaluate returns one alert per record that crosses its threshold.
// Thresholds with an unknown metric or operator are logged and skipped.
func (e *Evaluator) Evaluate(host models.Host, records []models.FilesystemRecord, thresholds []models.AlertThreshold) []Alert {
	var out []Alert
	now := e.now()

	for _, rec := range records {
		t := e.Select(rec, thresholds)

		value, err := t.Metric.Value(rec)
		if err != nil {
			e.logger.Warn("Skipping alert threshold",
				zap.Int64("threshold_id", t.ID),
				zap.String("name", t.Name),
				zap.Error(err))
			continue
		}
		hit, err := t.Operator.Compare(value, t.Value)
		if err != nil {
			e.logger.Warn("Skipping alert threshold",
				zap.Int64("threshold_id", t.ID),
				zap.String("name", t.Name),
				zap.Error(err))
			continue
		}
		if !hit {
			continue
		}

		out = append(out, Alert{
			Event: models.AlertEvent{
				ID:          uuid.NewString(),
				HostID:      rec.HostID,
				HostName:    host.Name,
				MountPoint:  rec.MountPoint,
				Metric:      t.Metric,
				Value:       value,
				Threshold:   t.Value,
				Operator:    t.Operator,
				ThresholdID: t.ID,
				Target:      t.Target,
				Message:     message(host, rec, t, value),
				TriggeredAt: now,
			},
			Cooldown: t.Cooldown,
		})
	}
	return out
}

func message(host models.Host, rec models.FilesystemRecord, t models.AlertThreshold, value float64) string {
	name := host.Name
	if name == "" {
		name = host.Address
	}

	var shown, limit string
	switch t.Metric {
	case models.MetricUsePercent:
		shown = fmt.Sprintf("%.1f%%", value)
		limit = fmt.Sprintf("%g%%", t.Value)
	default:
		shown = humanize.IBytes(uint64(value))
		limit = humanize.IBytes(uint64(t.Value))
	}

	return fmt.Sprintf("%s %s on %s is %s (%s %s); %s of %s used",
		rec.MountPoint, t.Metric, name, shown, t.Operator, limit,
		humanize.IBytes(rec.UsedBytes), humanize.IBytes(rec.TotalBytes))
}
