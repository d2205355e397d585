package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// =====================
// System Config Operations
// =====================

const systemConfigColumns = `id, key, COALESCE(value, ''), COALESCE(description, ''), config_type,
	created_at, updated_at`

func scanSystemConfig(row rowScanner) (*SystemConfig, error) {
	var c SystemConfig
	if err := row.Scan(&c.ID, &c.Key, &c.Value, &c.Description, &c.ConfigType,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (db *DB) ListSystemConfigs(ctx context.Context) ([]SystemConfig, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+systemConfigColumns+` FROM system_configs ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := []SystemConfig{}
	for rows.Next() {
		c, err := scanSystemConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *c)
	}
	return configs, rows.Err()
}

func (db *DB) GetSystemConfig(ctx context.Context, key string) (*SystemConfig, error) {
	return scanSystemConfig(db.conn.QueryRowContext(ctx,
		`SELECT `+systemConfigColumns+` FROM system_configs WHERE key = ?`, key))
}

// UpsertSystemConfig creates or replaces a key. An empty description keeps
// the stored one.
func (db *DB) UpsertSystemConfig(ctx context.Context, c *SystemConfig) error {
	now := Now()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO system_configs (key, value, description, config_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			description = CASE WHEN excluded.description != '' THEN excluded.description
				ELSE system_configs.description END,
			config_type = excluded.config_type,
			updated_at = excluded.updated_at`,
		c.Key, c.Value, c.Description, c.ConfigType, now, now)
	if err != nil {
		return fmt.Errorf("upsert system config: %w", err)
	}
	return nil
}

func (db *DB) DeleteSystemConfig(ctx context.Context, key string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM system_configs WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete system config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// =====================
// Web Config Operations
// =====================

const webConfigColumns = `id, category, key, COALESCE(value, ''), value_type, COALESCE(description, ''),
	is_sensitive, created_at, updated_at`

func scanWebConfig(row rowScanner) (*WebConfig, error) {
	var c WebConfig
	if err := row.Scan(&c.ID, &c.Category, &c.Key, &c.Value, &c.ValueType, &c.Description,
		&c.IsSensitive, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListWebConfigs lists one category, or every category when it is empty.
func (db *DB) ListWebConfigs(ctx context.Context, category string) ([]WebConfig, error) {
	query := `SELECT ` + webConfigColumns + ` FROM web_configs`
	args := []interface{}{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY category ASC, key ASC`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := []WebConfig{}
	for rows.Next() {
		c, err := scanWebConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *c)
	}
	return configs, rows.Err()
}

func (db *DB) GetWebConfig(ctx context.Context, category, key string) (*WebConfig, error) {
	return scanWebConfig(db.conn.QueryRowContext(ctx,
		`SELECT `+webConfigColumns+` FROM web_configs WHERE category = ? AND key = ?`, category, key))
}

func (db *DB) UpsertWebConfig(ctx context.Context, c *WebConfig) error {
	now := Now()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO web_configs (category, key, value, value_type, description, is_sensitive, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(category, key) DO UPDATE SET
			value = excluded.value,
			value_type = excluded.value_type,
			description = CASE WHEN excluded.description != '' THEN excluded.description
				ELSE web_configs.description END,
			is_sensitive = excluded.is_sensitive,
			updated_at = excluded.updated_at`,
		c.Category, c.Key, c.Value, c.ValueType, c.Description, boolToInt(c.IsSensitive), now, now)
	if err != nil {
		return fmt.Errorf("upsert web config: %w", err)
	}
	return nil
}

// InsertWebConfigIfMissing seeds a default without overwriting edits.
func (db *DB) InsertWebConfigIfMissing(ctx context.Context, c *WebConfig) (bool, error) {
	now := Now()
	res, err := db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO web_configs (category, key, value, value_type, description, is_sensitive,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Category, c.Key, c.Value, c.ValueType, c.Description, boolToInt(c.IsSensitive), now, now)
	if err != nil {
		return false, fmt.Errorf("seed web config: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (db *DB) DeleteWebConfig(ctx context.Context, category, key string) error {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM web_configs WHERE category = ? AND key = ?`, category, key)
	if err != nil {
		return fmt.Errorf("delete web config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// =====================
// System Settings Operations
// =====================

// GetSystemSettings loads the singleton row, or ErrNotFound before the
// first save.
func (db *DB) GetSystemSettings(ctx context.Context) (*SystemSettings, error) {
	var data string
	var s SystemSettings
	err := db.conn.QueryRowContext(ctx,
		`SELECT data, updated_at FROM system_settings WHERE id = 1`).Scan(&data, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	updatedAt := s.UpdatedAt
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("decode system settings: %w", err)
	}
	s.UpdatedAt = updatedAt
	return &s, nil
}

// SaveSystemSettings replaces the singleton row.
func (db *DB) SaveSystemSettings(ctx context.Context, s *SystemSettings) error {
	s.UpdatedAt = Now()
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO system_settings (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(data), s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save system settings: %w", err)
	}
	return nil
}
