package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/spacefleet/collector/internal/models"
)

// ErrNotFound is returned when a row addressed by id does not exist
var ErrNotFound = errors.New("not found")

const hostColumns = `id, name, address, port, username, password, password_env, key_file,
	key_passphrase_env, os_family, privileged, enabled, scan_mounts, encoding, description`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHost(row rowScanner) (models.Host, error) {
	var h models.Host
	var family, mounts string
	err := row.Scan(&h.ID, &h.Name, &h.Address, &h.Port, &h.Username,
		&h.Credentials.Password, &h.Credentials.PasswordEnv, &h.Credentials.KeyFile,
		&h.Credentials.KeyPassphraseEnv, &family, &h.Privileged, &h.Enabled,
		&mounts, &h.Encoding, &h.Description)
	if err != nil {
		return models.Host{}, err
	}
	h.OSFamily = models.OSFamily(family)
	h.ScanMounts = splitMounts(mounts)
	return h, nil
}

func splitMounts(s string) []string {
	var out []string
	for _, m := range strings.Split(s, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func normalizeHost(h models.Host) (models.Host, error) {
	if strings.TrimSpace(h.Name) == "" {
		return h, fmt.Errorf("host name is required")
	}
	if strings.TrimSpace(h.Address) == "" {
		return h, fmt.Errorf("host %s: address is required", h.Name)
	}
	family, err := models.ParseOSFamily(string(h.OSFamily))
	if err != nil {
		return h, fmt.Errorf("host %s: %w", h.Name, err)
	}
	h.OSFamily = family
	h.Port = h.SSHPort()
	return h, nil
}

// CreateHost inserts a host and returns it with its id
func (s *Store) CreateHost(ctx context.Context, h models.Host) (models.Host, error) {
	h, err := normalizeHost(h)
	if err != nil {
		return models.Host{}, err
	}
	out, err := scanHost(s.db.QueryRowContext(ctx,
		`INSERT INTO host (name, address, port, username, password, password_env, key_file,
		   key_passphrase_env, os_family, privileged, enabled, scan_mounts, encoding, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING `+hostColumns,
		h.Name, h.Address, h.Port, h.Username, h.Credentials.Password, h.Credentials.PasswordEnv,
		h.Credentials.KeyFile, h.Credentials.KeyPassphraseEnv, string(h.OSFamily), h.Privileged,
		h.Enabled, strings.Join(h.ScanMounts, ","), h.Encoding, h.Description,
	))
	if err != nil {
		return models.Host{}, fmt.Errorf("insert host: %w", err)
	}
	return out, nil
}

// UpsertHost inserts or updates a host keyed by name
func (s *Store) UpsertHost(ctx context.Context, h models.Host) (models.Host, error) {
	h, err := normalizeHost(h)
	if err != nil {
		return models.Host{}, err
	}
	out, err := scanHost(s.db.QueryRowContext(ctx,
		`INSERT INTO host (name, address, port, username, password, password_env, key_file,
		   key_passphrase_env, os_family, privileged, enabled, scan_mounts, encoding, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   address=excluded.address,
		   port=excluded.port,
		   username=excluded.username,
		   password=excluded.password,
		   password_env=excluded.password_env,
		   key_file=excluded.key_file,
		   key_passphrase_env=excluded.key_passphrase_env,
		   os_family=excluded.os_family,
		   privileged=excluded.privileged,
		   enabled=excluded.enabled,
		   scan_mounts=excluded.scan_mounts,
		   encoding=excluded.encoding,
		   description=excluded.description,
		   updated_at=CURRENT_TIMESTAMP
		 RETURNING `+hostColumns,
		h.Name, h.Address, h.Port, h.Username, h.Credentials.Password, h.Credentials.PasswordEnv,
		h.Credentials.KeyFile, h.Credentials.KeyPassphraseEnv, string(h.OSFamily), h.Privileged,
		h.Enabled, strings.Join(h.ScanMounts, ","), h.Encoding, h.Description,
	))
	if err != nil {
		return models.Host{}, fmt.Errorf("upsert host: %w", err)
	}
	return out, nil
}

// UpdateHost overwrites the host with h.ID
func (s *Store) UpdateHost(ctx context.Context, h models.Host) (models.Host, error) {
	h, err := normalizeHost(h)
	if err != nil {
		return models.Host{}, err
	}
	out, err := scanHost(s.db.QueryRowContext(ctx,
		`UPDATE host SET name = ?, address = ?, port = ?, username = ?, password = ?,
		   password_env = ?, key_file = ?, key_passphrase_env = ?, os_family = ?,
		   privileged = ?, enabled = ?, scan_mounts = ?, encoding = ?, description = ?,
		   updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?
		 RETURNING `+hostColumns,
		h.Name, h.Address, h.Port, h.Username, h.Credentials.Password, h.Credentials.PasswordEnv,
		h.Credentials.KeyFile, h.Credentials.KeyPassphraseEnv, string(h.OSFamily), h.Privileged,
		h.Enabled, strings.Join(h.ScanMounts, ","), h.Encoding, h.Description, h.ID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Host{}, fmt.Errorf("host %d: %w", h.ID, ErrNotFound)
		}
		return models.Host{}, fmt.Errorf("update host: %w", err)
	}
	return out, nil
}

// DeleteHost removes a host and its history
func (s *Store) DeleteHost(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM host WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete host: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("host %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetHost fetches a host by id
func (s *Store) GetHost(ctx context.Context, id int64) (models.Host, bool, error) {
	h, err := scanHost(s.db.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM host WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Host{}, false, nil
		}
		return models.Host{}, false, fmt.Errorf("get host: %w", err)
	}
	return h, true, nil
}

// ListHosts returns hosts ordered by id, optionally only enabled ones
func (s *Store) ListHosts(ctx context.Context, enabledOnly bool) ([]models.Host, error) {
	query := `SELECT ` + hostColumns + ` FROM host`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []models.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list hosts rows: %w", err)
	}
	return hosts, nil
}
