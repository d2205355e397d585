package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// =====================
// User Operations
// =====================

const userColumns = `id, username, password_hash, is_active, is_admin, created_at, updated_at, last_login`

func scanUser(row rowScanner) (*User, error) {
	var u User
	var lastLogin sql.NullTime
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsActive, &u.IsAdmin,
		&u.CreatedAt, &u.UpdatedAt, &lastLogin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.LastLogin = nullTime(lastLogin)
	return &u, nil
}

// CreateUser inserts a user; the caller supplies the id and hash.
func (db *DB) CreateUser(ctx context.Context, u *User) error {
	now := Now()
	u.CreatedAt, u.UpdatedAt = now, now
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, is_active, is_admin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, boolToInt(u.IsActive), boolToInt(u.IsAdmin), now, now)
	if isUnique(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

func (db *DB) GetUserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (db *DB) CountAdmins(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE is_admin = 1`).Scan(&n)
	return n, err
}

func (db *DB) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE users SET last_login = ? WHERE id = ?`, at.UTC(), userID)
	return err
}

func (db *DB) UpdatePassword(ctx context.Context, userID, hash string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`, hash, Now(), userID)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// =====================
// Session Operations
// =====================

const sessionColumns = `id, user_id, session_token, COALESCE(jwt_token, ''), COALESCE(ip_address, ''),
	COALESCE(user_agent, ''), expires_at, is_active, created_at, last_activity`

func scanSession(row rowScanner) (*LoginSession, error) {
	var s LoginSession
	if err := row.Scan(&s.ID, &s.UserID, &s.SessionToken, &s.JWTToken, &s.IPAddress,
		&s.UserAgent, &s.ExpiresAt, &s.IsActive, &s.CreatedAt, &s.LastActivity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (db *DB) CreateSession(ctx context.Context, s *LoginSession) error {
	now := Now()
	s.CreatedAt, s.LastActivity = now, now
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO login_sessions (id, user_id, session_token, jwt_token, ip_address, user_agent,
			expires_at, is_active, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.SessionToken, s.JWTToken, s.IPAddress, s.UserAgent,
		s.ExpiresAt.UTC(), boolToInt(s.IsActive), now, now)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// SetSessionJWT stores the token issued for a session after it was signed.
func (db *DB) SetSessionJWT(ctx context.Context, sessionID, token string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE login_sessions SET jwt_token = ? WHERE id = ?`, token, sessionID)
	return err
}

func (db *DB) GetSession(ctx context.Context, id string) (*LoginSession, error) {
	return scanSession(db.conn.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM login_sessions WHERE id = ?`, id))
}

func (db *DB) GetSessionByToken(ctx context.Context, token string) (*LoginSession, error) {
	return scanSession(db.conn.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM login_sessions WHERE session_token = ?`, token))
}

func (db *DB) TouchSession(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE login_sessions SET last_activity = ? WHERE id = ?`, Now(), id)
	return err
}

// ListUserSessions returns active, unexpired sessions newest first.
func (db *DB) ListUserSessions(ctx context.Context, userID string) ([]LoginSession, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+sessionColumns+` FROM login_sessions
		WHERE user_id = ? AND is_active = 1 AND expires_at > ?
		ORDER BY created_at DESC`, userID, Now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []LoginSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func (db *DB) DeactivateSession(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE login_sessions SET is_active = 0 WHERE id = ?`, id)
	return err
}

// DeactivateUserSessions revokes every session of a user except keepID.
func (db *DB) DeactivateUserSessions(ctx context.Context, userID, keepID string) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE login_sessions SET is_active = 0 WHERE user_id = ? AND is_active = 1 AND id != ?`,
		userID, keepID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpiredSessions purges expired or revoked sessions. An empty userID
// purges them for everyone.
func (db *DB) DeleteExpiredSessions(ctx context.Context, userID string) (int64, error) {
	query := `DELETE FROM login_sessions WHERE (expires_at <= ? OR is_active = 0)`
	args := []interface{}{Now()}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
