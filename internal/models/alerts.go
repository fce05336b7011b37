package models

import (
	"fmt"
	"time"
)

// Metric names a FilesystemRecord quantity a threshold can compare.
type Metric string

const (
	MetricUsePercent Metric = "use_percent"
	MetricUsedBytes  Metric = "used_bytes"
	MetricFreeBytes  Metric = "free_bytes"
)

// Value extracts the metric from a record.
func (m Metric) Value(r FilesystemRecord) (float64, error) {
	switch m {
	case MetricUsePercent:
		return r.UsePercent, nil
	case MetricUsedBytes:
		return float64(r.UsedBytes), nil
	case MetricFreeBytes:
		return float64(r.FreeBytes), nil
	default:
		return 0, fmt.Errorf("unknown metric: %q", m)
	}
}

// Operator is a threshold comparison.
type Operator string

const (
	OpGE Operator = ">="
	OpGT Operator = ">"
	OpLE Operator = "<="
	OpLT Operator = "<"
	OpEQ Operator = "=="
)

// Compare applies the operator as "value op threshold".
func (o Operator) Compare(value, threshold float64) (bool, error) {
	switch o {
	case OpGE:
		return value >= threshold, nil
	case OpGT:
		return value > threshold, nil
	case OpLE:
		return value <= threshold, nil
	case OpLT:
		return value < threshold, nil
	case OpEQ:
		return value == threshold, nil
	default:
		return false, fmt.Errorf("unknown operator: %q", o)
	}
}

// AlertThreshold is an operator-configured rule. HostID 0 and an empty
// MountPoint match any host or mount.
type AlertThreshold struct {
	ID         int64         `json:"id" yaml:"id"`
	Name       string        `json:"name" yaml:"name"`
	Metric     Metric        `json:"metric" yaml:"metric"`
	Operator   Operator      `json:"operator" yaml:"operator"`
	Value      float64       `json:"value" yaml:"value"`
	HostID     int64         `json:"host_id,omitempty" yaml:"host_id"`
	MountPoint string        `json:"mount_point,omitempty" yaml:"mount_point"`
	Target     string        `json:"target,omitempty" yaml:"target"`
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	Cooldown   time.Duration `json:"cooldown,omitempty" yaml:"cooldown"`
}

// Matches reports whether the threshold's scope covers the record.
func (t AlertThreshold) Matches(r FilesystemRecord) bool {
	if t.HostID != 0 && t.HostID != r.HostID {
		return false
	}
	if t.MountPoint != "" && t.MountPoint != r.MountPoint {
		return false
	}
	return true
}

// AlertEvent is emitted when a record crosses its threshold.
// Delivery is the publisher's job.
type AlertEvent struct {
	ID          string    `json:"id"`
	HostID      int64     `json:"host_id"`
	HostName    string    `json:"host_name,omitempty"`
	MountPoint  string    `json:"mount_point"`
	Metric      Metric    `json:"metric"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	Operator    Operator  `json:"operator"`
	ThresholdID int64     `json:"threshold_id,omitempty"`
	Target      string    `json:"target,omitempty"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggered_at"`
}
