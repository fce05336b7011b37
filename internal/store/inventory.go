package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spacefleet/collector/internal/models"
)

// Duration reads "30m" style strings from YAML
type Duration struct {
	time.Duration
}

// UnmarshalYAML accepts Go duration strings
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// InventoryThreshold is a threshold as written in the inventory file. Hosts
// are referenced by name since ids are assigned by the database.
type InventoryThreshold struct {
	Name       string          `yaml:"name"`
	Metric     models.Metric   `yaml:"metric"`
	Operator   models.Operator `yaml:"operator"`
	Value      float64         `yaml:"value"`
	Host       string          `yaml:"host"`
	MountPoint string          `yaml:"mount_point"`
	Target     string          `yaml:"target"`
	Enabled    *bool           `yaml:"enabled"`
	Cooldown   Duration        `yaml:"cooldown"`
}

// InventoryHost is a host as written in the inventory file; hosts are
// enabled unless the file says otherwise
type InventoryHost struct {
	models.Host
}

// UnmarshalYAML decodes the host with Enabled defaulting to true
func (h *InventoryHost) UnmarshalYAML(value *yaml.Node) error {
	type plain models.Host
	p := plain{Enabled: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	h.Host = models.Host(p)
	return nil
}

// Inventory is the seed file for hosts and thresholds
type Inventory struct {
	Hosts      []InventoryHost      `yaml:"hosts"`
	Thresholds []InventoryThreshold `yaml:"thresholds"`
}

// LoadInventory reads an inventory file
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse inventory %s: %w", path, err)
	}
	return &inv, nil
}

// SeedSummary reports what SeedInventory changed
type SeedSummary struct {
	Hosts      int
	Thresholds int
}

// SeedInventory upserts the inventory's hosts by name. Thresholds are only
// inserted into an empty threshold table so edits made at runtime survive
// restarts.
func (s *Store) SeedInventory(ctx context.Context, inv *Inventory) (SeedSummary, error) {
	var sum SeedSummary
	ids := make(map[string]int64, len(inv.Hosts))

	for _, h := range inv.Hosts {
		out, err := s.UpsertHost(ctx, h.Host)
		if err != nil {
			return sum, fmt.Errorf("seed host %q: %w", h.Name, err)
		}
		ids[out.Name] = out.ID
		sum.Hosts++
	}

	existing, err := s.ListThresholds(ctx)
	if err != nil {
		return sum, err
	}
	if len(existing) > 0 {
		return sum, nil
	}

	for _, it := range inv.Thresholds {
		t := models.AlertThreshold{
			Name:       it.Name,
			Metric:     it.Metric,
			Operator:   it.Operator,
			Value:      it.Value,
			MountPoint: it.MountPoint,
			Target:     it.Target,
			Enabled:    it.Enabled == nil || *it.Enabled,
			Cooldown:   it.Cooldown.Duration,
		}
		if it.Host != "" {
			id, ok := ids[it.Host]
			if !ok {
				return sum, fmt.Errorf("seed threshold %q: unknown host %q", it.Name, it.Host)
			}
			t.HostID = id
		}
		if _, err := s.CreateThreshold(ctx, t); err != nil {
			return sum, fmt.Errorf("seed threshold %q: %w", it.Name, err)
		}
		sum.Thresholds++
	}
	return sum, nil
}
