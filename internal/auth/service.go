// Package auth handles admin logins: bcrypt passwords, HS256 access tokens
// and the server-side sessions that back them.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/nexus-cloaker/datacenter/internal/config"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/nexus-cloaker/datacenter/internal/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const tokenTypeAccess = "access"

// Claims are the JWT claims of an access token.
type Claims struct {
	SessionID string `json:"sid"`
	Username  string `json:"username"`
	Type      string `json:"type"`
	jwt.RegisteredClaims
}

// KeyStore holds the API key Workers present to the data center.
type KeyStore interface {
	DataCenterAPIKey(ctx context.Context) string
	SetDataCenterAPIKey(ctx context.Context, key string) error
}

// Service authenticates admins.
type Service struct {
	db     *database.DB
	cfg    config.AuthConfig
	secret []byte
	keys   KeyStore
	now    func() time.Time
}

func NewService(db *database.DB, cfg config.AuthConfig, keys KeyStore) *Service {
	return &Service{
		db:     db,
		cfg:    cfg,
		secret: []byte(cfg.JWTSecret),
		keys:   keys,
		now:    time.Now,
	}
}

// Identity is what a valid token or session resolves to.
type Identity struct {
	User    *database.User
	Session *database.LoginSession
}

// LoginResult is returned to the client after a successful login.
type LoginResult struct {
	AccessToken  string         `json:"access_token"`
	TokenType    string         `json:"token_type"`
	ExpiresIn    int64          `json:"expires_in"`
	SessionID    string         `json:"session_id"`
	SessionToken string         `json:"session_token"`
	User         *database.User `json:"user"`
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Authenticate verifies credentials. Unknown users, wrong passwords and
// inactive users all fail the same way.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*database.User, error) {
	const op = "auth.Authenticate"
	user, err := s.db.GetUserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.Denied(op, "invalid username or password")
	}
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	if !CheckPassword(user.PasswordHash, password) || !user.IsActive {
		return nil, apperr.Denied(op, "invalid username or password")
	}

	at := s.now().UTC()
	if err := s.db.UpdateLastLogin(ctx, user.ID, at); err != nil {
		logrus.WithError(err).WithField("user", user.Username).Warn("could not update last login")
	}
	user.LastLogin = &at
	return user, nil
}

// Login authenticates and opens a session carrying a signed access token.
func (s *Service) Login(ctx context.Context, username, password, ip, userAgent string) (*LoginResult, error) {
	const op = "auth.Login"
	user, err := s.Authenticate(ctx, username, password)
	if err != nil {
		logrus.WithFields(logrus.Fields{"username": username, "ip": ip}).Warn("login failed")
		return nil, err
	}

	if n, err := s.db.DeleteExpiredSessions(ctx, user.ID); err != nil {
		logrus.WithError(err).Warn("could not purge expired sessions")
	} else if n > 0 {
		logrus.WithFields(logrus.Fields{"user": user.Username, "purged": n}).Debug("expired sessions purged")
	}

	opaque, err := randomToken(32)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, err)
	}
	now := s.now().UTC()
	session := &database.LoginSession{
		ID:           uuid.New().String(),
		UserID:       user.ID,
		SessionToken: opaque,
		IPAddress:    ip,
		UserAgent:    userAgent,
		ExpiresAt:    now.Add(s.cfg.TokenExpiry),
		IsActive:     true,
	}

	token, err := s.sign(user, session.ID, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, err)
	}
	session.JWTToken = token
	if err := s.db.CreateSession(ctx, session); err != nil {
		return nil, apperr.Store(op, err)
	}

	logrus.WithFields(logrus.Fields{"user": user.Username, "ip": ip}).Info("admin logged in")
	return &LoginResult{
		AccessToken:  token,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.cfg.TokenExpiry / time.Second),
		SessionID:    session.ID,
		SessionToken: opaque,
		User:         user,
	}, nil
}

func (s *Service) sign(user *database.User, sessionID string, now time.Time) (string, error) {
	claims := Claims{
		SessionID: sessionID,
		Username:  user.Username,
		Type:      tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenExpiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateToken checks the signature, expiry and type of an access token and
// that its session is still live.
func (s *Service) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	const op = "auth.ValidateToken"
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, apperr.Denied(op, "missing token")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return nil, apperr.Denied(op, "invalid or expired token")
	}
	if claims.Type != tokenTypeAccess || claims.SessionID == "" {
		return nil, apperr.Denied(op, "invalid token type")
	}

	session, err := s.db.GetSession(ctx, claims.SessionID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.Denied(op, "session not found")
	}
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	if session.UserID != claims.Subject {
		return nil, apperr.Denied(op, "session mismatch")
	}
	return s.checkSession(ctx, op, session)
}

// ValidateSession resolves an opaque session token, the one Login returns
// as session_token.
func (s *Service) ValidateSession(ctx context.Context, token string) (*Identity, error) {
	const op = "auth.ValidateSession"
	session, err := s.db.GetSessionByToken(ctx, strings.TrimSpace(token))
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.Denied(op, "session not found")
	}
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	return s.checkSession(ctx, op, session)
}

// checkSession rejects revoked, expired and idle sessions even when the
// row is still flagged active.
func (s *Service) checkSession(ctx context.Context, op string, session *database.LoginSession) (*Identity, error) {
	now := s.now()
	if !session.Valid(now) {
		return nil, apperr.Denied(op, "session expired")
	}
	if s.cfg.SessionTTL > 0 && now.Sub(session.LastActivity) > s.cfg.SessionTTL {
		return nil, apperr.Denied(op, "session idle too long")
	}

	user, err := s.db.GetUserByID(ctx, session.UserID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.Denied(op, "user not found")
	}
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	if !user.IsActive {
		return nil, apperr.Denied(op, "user disabled")
	}

	if err := s.db.TouchSession(ctx, session.ID); err != nil {
		logrus.WithError(err).Debug("could not touch session")
	}
	return &Identity{User: user, Session: session}, nil
}

// ChangePassword replaces the password of userID and revokes every other
// session of that user.
func (s *Service) ChangePassword(ctx context.Context, userID, sessionID, oldPassword, newPassword string) error {
	const op = "auth.ChangePassword"
	if len(newPassword) < 6 {
		return apperr.Invalid(op, "new password must be at least 6 characters")
	}

	user, err := s.db.GetUserByID(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return apperr.Missing(op, "user not found")
	}
	if err != nil {
		return apperr.Store(op, err)
	}
	if !CheckPassword(user.PasswordHash, oldPassword) {
		return apperr.Denied(op, "current password is incorrect")
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return apperr.Wrap(apperr.Internal, op, err)
	}
	if err := s.db.UpdatePassword(ctx, userID, hash); err != nil {
		return apperr.Store(op, err)
	}
	revoked, err := s.db.DeactivateUserSessions(ctx, userID, sessionID)
	if err != nil {
		return apperr.Store(op, err)
	}

	logrus.WithFields(logrus.Fields{"user": user.Username, "revoked": revoked}).Info("password changed")
	return nil
}

func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if err := s.db.DeactivateSession(ctx, sessionID); err != nil {
		return apperr.Store("auth.Logout", err)
	}
	return nil
}

// LogoutAll revokes every session of userID and returns how many were live.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.db.DeactivateUserSessions(ctx, userID, "")
	if err != nil {
		return 0, apperr.Store("auth.LogoutAll", err)
	}
	return n, nil
}

func (s *Service) Sessions(ctx context.Context, userID string) ([]database.LoginSession, error) {
	sessions, err := s.db.ListUserSessions(ctx, userID)
	if err != nil {
		return nil, apperr.Store("auth.Sessions", err)
	}
	if sessions == nil {
		sessions = []database.LoginSession{}
	}
	return sessions, nil
}

// PurgeExpiredSessions deletes expired and revoked sessions of all users.
func (s *Service) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	n, err := s.db.DeleteExpiredSessions(ctx, "")
	if err != nil {
		return 0, apperr.Store("auth.PurgeExpiredSessions", err)
	}
	return n, nil
}

// BootstrapResult reports what Bootstrap created. Password is only set when
// it was generated.
type BootstrapResult struct {
	Created          bool   `json:"created"`
	Username         string `json:"username,omitempty"`
	Password         string `json:"password,omitempty"`
	APIKeyGenerated  bool   `json:"api_key_generated"`
	DataCenterAPIKey string `json:"data_center_api_key,omitempty"`
}

// Bootstrap creates the first admin when none exists, using the configured
// password or a random one, and makes sure a data-center API key exists.
func (s *Service) Bootstrap(ctx context.Context) (*BootstrapResult, error) {
	const op = "auth.Bootstrap"
	out := &BootstrapResult{}

	admins, err := s.db.CountAdmins(ctx)
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	if admins == 0 {
		password := s.cfg.AdminPassword
		generated := password == ""
		if generated {
			if password, err = GenerateAPIKey(16); err != nil {
				return nil, apperr.Wrap(apperr.Internal, op, err)
			}
		}
		hash, err := HashPassword(password)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, op, err)
		}
		user := &database.User{
			ID:           uuid.New().String(),
			Username:     s.cfg.AdminUsername,
			PasswordHash: hash,
			IsActive:     true,
			IsAdmin:      true,
		}
		if err := s.db.CreateUser(ctx, user); err != nil {
			if errors.Is(err, database.ErrDuplicate) {
				return nil, apperr.Exists(op, "admin user already exists")
			}
			return nil, apperr.Store(op, err)
		}

		out.Created = true
		out.Username = user.Username
		entry := logrus.WithField("username", user.Username)
		if generated {
			out.Password = password
			entry = entry.WithField("password", password)
		}
		entry.Warn("initial admin user created, change the password after first login")
	}

	if s.keys != nil && s.keys.DataCenterAPIKey(ctx) == "" {
		key, err := GenerateAPIKey(32)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, op, err)
		}
		if err := s.keys.SetDataCenterAPIKey(ctx, key); err != nil {
			return nil, err
		}
		out.APIKeyGenerated = true
		out.DataCenterAPIKey = key
		logrus.WithField("key", logger.Mask(key)).Info("data center API key generated")
	}
	return out, nil
}

// InitStatus reports whether an admin exists.
type InitStatus struct {
	Initialized bool `json:"initialized"`
	AdminCount  int  `json:"admin_count"`
}

func (s *Service) InitStatus(ctx context.Context) (*InitStatus, error) {
	n, err := s.db.CountAdmins(ctx)
	if err != nil {
		return nil, apperr.Store("auth.InitStatus", err)
	}
	return &InitStatus{Initialized: n > 0, AdminCount: n}, nil
}

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateAPIKey returns n random alphanumeric characters.
func GenerateAPIKey(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	max := big.NewInt(int64(len(alphanumeric)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphanumeric[idx.Int64()])
	}
	return b.String(), nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
