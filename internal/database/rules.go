package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// =====================
// UA Config Operations
// =====================

const uaColumns = `id, name, user_agent, hourly_limit, enabled, COALESCE(path_limits, ''),
	COALESCE(description, ''), created_at, updated_at`

func scanUAConfig(row rowScanner) (*UAConfig, error) {
	var c UAConfig
	var pathLimits string
	if err := row.Scan(&c.ID, &c.Name, &c.UserAgent, &c.HourlyLimit, &c.Enabled, &pathLimits,
		&c.Description, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.PathLimits = map[string]int{}
	decodeJSON(pathLimits, &c.PathLimits)
	return &c, nil
}

// ListUAConfigs returns every UA config, newest first.
func (db *DB) ListUAConfigs(ctx context.Context, enabledOnly bool) ([]UAConfig, error) {
	query := `SELECT ` + uaColumns + ` FROM ua_configs`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := []UAConfig{}
	for rows.Next() {
		c, err := scanUAConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *c)
	}
	return configs, rows.Err()
}

func (db *DB) GetUAConfig(ctx context.Context, name string) (*UAConfig, error) {
	return scanUAConfig(db.conn.QueryRowContext(ctx,
		`SELECT `+uaColumns+` FROM ua_configs WHERE name = ?`, name))
}

func (db *DB) CreateUAConfig(ctx context.Context, c *UAConfig) error {
	return insertUAConfig(ctx, db.conn, c)
}

func insertUAConfig(ctx context.Context, ex Execer, c *UAConfig) error {
	pathLimits, err := encodeJSON(c.PathLimits)
	if err != nil {
		return err
	}
	now := Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	res, err := ex.ExecContext(ctx, `
		INSERT INTO ua_configs (name, user_agent, hourly_limit, enabled, path_limits, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.UserAgent, c.HourlyLimit, boolToInt(c.Enabled), pathLimits, c.Description,
		c.CreatedAt.UTC(), c.UpdatedAt)
	if isUnique(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create ua config: %w", err)
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

// UpdateUAConfig writes every mutable field of c, keyed by name.
func (db *DB) UpdateUAConfig(ctx context.Context, c *UAConfig) error {
	pathLimits, err := encodeJSON(c.PathLimits)
	if err != nil {
		return err
	}
	c.UpdatedAt = Now()
	res, err := db.conn.ExecContext(ctx, `
		UPDATE ua_configs SET user_agent = ?, hourly_limit = ?, enabled = ?, path_limits = ?,
			description = ?, updated_at = ?
		WHERE name = ?`,
		c.UserAgent, c.HourlyLimit, boolToInt(c.Enabled), pathLimits, c.Description, c.UpdatedAt, c.Name)
	if err != nil {
		return fmt.Errorf("update ua config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) DeleteUAConfig(ctx context.Context, name string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM ua_configs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete ua config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUAConfigs returns the total and enabled UA config counts.
func (db *DB) CountUAConfigs(ctx context.Context) (total, enabled int64, err error) {
	err = db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(enabled), 0) FROM ua_configs`).Scan(&total, &enabled)
	return
}

// =====================
// IP Blacklist Operations
// =====================

const ipColumns = `id, ip_address, COALESCE(reason, ''), enabled, created_at, updated_at`

func scanIPEntry(row rowScanner) (*IPBlacklistEntry, error) {
	var e IPBlacklistEntry
	if err := row.Scan(&e.ID, &e.IPAddress, &e.Reason, &e.Enabled, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (db *DB) ListIPBlacklist(ctx context.Context, enabledOnly bool) ([]IPBlacklistEntry, error) {
	query := `SELECT ` + ipColumns + ` FROM ip_blacklist`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []IPBlacklistEntry{}
	for rows.Next() {
		e, err := scanIPEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (db *DB) GetIPEntry(ctx context.Context, ip string) (*IPBlacklistEntry, error) {
	return scanIPEntry(db.conn.QueryRowContext(ctx,
		`SELECT `+ipColumns+` FROM ip_blacklist WHERE ip_address = ?`, ip))
}

func (db *DB) CreateIPEntry(ctx context.Context, e *IPBlacklistEntry) error {
	return insertIPEntry(ctx, db.conn, e)
}

func insertIPEntry(ctx context.Context, ex Execer, e *IPBlacklistEntry) error {
	now := Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	res, err := ex.ExecContext(ctx, `
		INSERT INTO ip_blacklist (ip_address, reason, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.IPAddress, e.Reason, boolToInt(e.Enabled), e.CreatedAt.UTC(), e.UpdatedAt)
	if isUnique(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create blacklist entry: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

func (db *DB) UpdateIPEntry(ctx context.Context, e *IPBlacklistEntry) error {
	e.UpdatedAt = Now()
	res, err := db.conn.ExecContext(ctx,
		`UPDATE ip_blacklist SET reason = ?, enabled = ?, updated_at = ? WHERE ip_address = ?`,
		e.Reason, boolToInt(e.Enabled), e.UpdatedAt, e.IPAddress)
	if err != nil {
		return fmt.Errorf("update blacklist entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) DeleteIPEntry(ctx context.Context, ip string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM ip_blacklist WHERE ip_address = ?`, ip)
	if err != nil {
		return fmt.Errorf("delete blacklist entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountBlacklist returns the number of enabled blacklist entries.
func (db *DB) CountBlacklist(ctx context.Context) (int64, error) {
	var n int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ip_blacklist WHERE enabled = 1`).Scan(&n)
	return n, err
}

// ImportRules writes a rule snapshot in one transaction. With replace set,
// existing rules are removed first; otherwise existing names and IPs are kept.
func (db *DB) ImportRules(ctx context.Context, configs []UAConfig, entries []IPBlacklistEntry, replace bool) (int, error) {
	imported := 0
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if replace {
			if _, err := tx.ExecContext(ctx, `DELETE FROM ua_configs`); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM ip_blacklist`); err != nil {
				return err
			}
		}
		for i := range configs {
			err := insertUAConfig(ctx, tx, &configs[i])
			if errors.Is(err, ErrDuplicate) {
				continue
			}
			if err != nil {
				return err
			}
			imported++
		}
		for i := range entries {
			err := insertIPEntry(ctx, tx, &entries[i])
			if errors.Is(err, ErrDuplicate) {
				continue
			}
			if err != nil {
				return err
			}
			imported++
		}
		return nil
	})
	return imported, err
}
