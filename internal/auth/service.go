package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ansr/internal/config"
	"ansr/internal/models"
	"ansr/internal/redis"
	"ansr/internal/storage"

	"golang.org/x/crypto/bcrypt"
)

// Redis key prefixes for cached session state. The recovery heuristic
// scans RefreshScanPatterns, which includes legacy prefixes older
// deployments wrote under.
const (
	sessionKeyPrefix = "ansr:session:"
	refreshKeyPrefix = "ansr:refresh:"
	resetKeyPrefix   = "ansr:reset:"
)

// SessionCacheKey returns the cache key for an access token.
func SessionCacheKey(accessToken string) string {
	return sessionKeyPrefix + accessToken
}

// RefreshCacheKey returns the cache key for a refresh token.
func RefreshCacheKey(refreshToken string) string {
	return refreshKeyPrefix + refreshToken
}

// RefreshScanPatterns lists every key pattern that may hold a replayable
// refresh token, newest first.
func RefreshScanPatterns() []string {
	return []string{
		refreshKeyPrefix + "*",
		"ansr:auth-token:*",
		"auth:token:*",
	}
}

const (
	defaultSessionTTL = time.Hour
	defaultRefreshTTL = 30 * 24 * time.Hour
	resetTokenTTL     = 15 * time.Minute
)

// Service issues, validates, refreshes, and revokes user sessions.
type Service struct {
	db          *storage.DB
	rdb         *redis.Client
	sessionTTL  time.Duration
	refreshTTL  time.Duration
	adminEmails map[string]struct{}

	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs an auth service from the auth config section.
func NewService(db *storage.DB, rdb *redis.Client, cfg config.AuthConfig) *Service {
	sessionTTL := time.Duration(cfg.SessionTTLMinutes) * time.Minute
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	refreshTTL := time.Duration(cfg.RefreshTTLHours) * time.Hour
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	admins := make(map[string]struct{}, len(cfg.AdminEmails))
	for _, email := range cfg.AdminEmails {
		admins[strings.ToLower(strings.TrimSpace(email))] = struct{}{}
	}
	return &Service{
		db:             db,
		rdb:            rdb,
		sessionTTL:     sessionTTL,
		refreshTTL:     refreshTTL,
		adminEmails:    admins,
		cookieName:     "auth_token",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

// SignUp creates a user. The returned flag reports whether the account
// still needs email verification.
func (s *Service) SignUp(ctx context.Context, email, password string, metadata map[string]string) (*models.User, bool, error) {
	const op = "sign_up"
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return nil, false, errKindf(KindInvalidRequest, op, "valid email is required")
	}
	if len(password) < 8 {
		return nil, false, errKindf(KindInvalidRequest, op, "password must be at least 8 characters")
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)`, email,
	).Scan(&exists); err != nil {
		return nil, false, errKind(KindInternal, op, fmt.Errorf("check email: %w", err))
	}
	if exists {
		return nil, false, errKindf(KindConflict, op, "email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, false, errKind(KindInternal, op, fmt.Errorf("hash password: %w", err))
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, false, errKind(KindInternal, op, fmt.Errorf("encode metadata: %w", err))
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, password_hash, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		email, string(hash), string(meta), now, now,
	)
	if err != nil {
		return nil, false, errKind(KindInternal, op, fmt.Errorf("create user: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		// postgres has no LastInsertId; fetch the row back.
		user, lookupErr := s.userByEmail(ctx, email)
		if lookupErr != nil {
			return nil, false, errKind(KindInternal, op, fmt.Errorf("user id: %w", err))
		}
		return user, user.EmailVerifiedAt == nil, nil
	}
	user := &models.User{
		ID:        id,
		Email:     email,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return user, true, nil
}

// SignIn validates credentials and opens a session.
func (s *Service) SignIn(ctx context.Context, email, password string) (*models.Session, *models.User, error) {
	const op = "sign_in"
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, nil, errKindf(KindInvalidRequest, op, "email and password are required")
	}
	user, err := s.userByEmail(ctx, email)
	if err != nil {
		if KindOf(err) == KindSessionNotFound {
			return nil, nil, errKindf(KindInvalidCredentials, op, "invalid credentials")
		}
		return nil, nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, nil, errKindf(KindInvalidCredentials, op, "invalid credentials")
	}
	session, err := s.issueSession(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	PublishEvent(ctx, s.rdb, Event{Type: EventSignedIn, UserID: user.ID, Session: session})
	return session, user, nil
}

// SignOut revokes the session behind the access token. Unknown tokens are
// a no-op so repeated sign-outs stay silent.
func (s *Service) SignOut(ctx context.Context, accessToken string) error {
	const op = "sign_out"
	if accessToken == "" {
		return nil
	}
	session, err := s.lookupSession(ctx, accessToken)
	if err != nil {
		if kind := KindOf(err); kind == KindSessionNotFound || kind == KindSessionExpired {
			return nil
		}
		return err
	}
	if err := s.deleteSession(ctx, session); err != nil {
		return errKind(KindInternal, op, err)
	}
	PublishEvent(ctx, s.rdb, Event{Type: EventSignedOut, UserID: session.UserID})
	return nil
}

// CurrentSession resolves an access token into its session and user.
func (s *Service) CurrentSession(ctx context.Context, accessToken string) (*models.Session, *models.User, error) {
	session, err := s.lookupSession(ctx, accessToken)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.UserByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, err
	}
	return session, user, nil
}

// RefreshSession trades a refresh token for a brand new session. Both
// tokens rotate; the old session is revoked.
func (s *Service) RefreshSession(ctx context.Context, refreshToken string) (*models.Session, error) {
	const op = "refresh_session"
	if refreshToken == "" {
		return nil, errKindf(KindInvalidRequest, op, "refresh token required")
	}
	old, err := s.lookupByRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if old.RefreshExpired(now) {
		_ = s.deleteSession(ctx, old)
		return nil, errKindf(KindSessionExpired, op, "refresh token expired")
	}
	if err := s.deleteSession(ctx, old); err != nil {
		return nil, errKind(KindInternal, op, err)
	}
	session, err := s.issueSession(ctx, old.UserID)
	if err != nil {
		return nil, err
	}
	PublishEvent(ctx, s.rdb, Event{Type: EventTokenRefreshed, UserID: session.UserID, Session: session})
	return session, nil
}

// ResetPassword issues a one-time reset token for the account. Delivery
// (mail) is out of scope; the caller decides how to hand it over.
func (s *Service) ResetPassword(ctx context.Context, email string) (string, error) {
	const op = "reset_password"
	user, err := s.userByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if KindOf(err) == KindSessionNotFound {
			return "", errKindf(KindInvalidCredentials, op, "no account for that email")
		}
		return "", err
	}
	token, err := generateToken()
	if err != nil {
		return "", errKind(KindInternal, op, err)
	}
	if s.rdb == nil {
		return "", errKindf(KindUnavailable, op, "reset tokens need the cache")
	}
	stored, err := s.rdb.SetNX(ctx, resetKeyPrefix+token, fmt.Sprintf("%d", user.ID), resetTokenTTL)
	if err != nil {
		return "", errKind(KindUnavailable, op, fmt.Errorf("store reset token: %w", err))
	}
	if !stored {
		return "", errKindf(KindInternal, op, "reset token collision")
	}
	return token, nil
}

// ConsumeResetToken burns a reset token and returns the user it belongs to.
func (s *Service) ConsumeResetToken(ctx context.Context, token string) (int64, error) {
	const op = "consume_reset_token"
	if token == "" || s.rdb == nil {
		return 0, errKindf(KindInvalidRequest, op, "reset token required")
	}
	raw, err := s.rdb.Get(ctx, resetKeyPrefix+token)
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return 0, errKindf(KindSessionNotFound, op, "reset token unknown or expired")
		}
		return 0, errKind(KindUnavailable, op, err)
	}
	_ = s.rdb.Del(ctx, resetKeyPrefix+token)
	var userID int64
	if _, err := fmt.Sscanf(raw, "%d", &userID); err != nil || userID <= 0 {
		return 0, errKindf(KindInternal, op, "malformed reset token record")
	}
	return userID, nil
}

// UpdatePassword replaces the user's password. Existing sessions survive.
func (s *Service) UpdatePassword(ctx context.Context, userID int64, newPassword string) error {
	const op = "update_password"
	if userID <= 0 {
		return errKindf(KindInvalidRequest, op, "invalid user id")
	}
	if len(newPassword) < 8 {
		return errKindf(KindInvalidRequest, op, "password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return errKind(KindInternal, op, fmt.Errorf("hash password: %w", err))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		string(hash), time.Now().UTC(), userID,
	)
	if err != nil {
		return errKind(KindInternal, op, fmt.Errorf("update password: %w", err))
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errKindf(KindSessionNotFound, op, "user not found")
	}
	return nil
}

// UpdateProfile merges the supplied fields into the user's metadata map.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, fields map[string]string) (*models.User, error) {
	const op = "update_profile"
	user, err := s.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Metadata == nil {
		user.Metadata = map[string]string{}
	}
	for k, v := range fields {
		if v == "" {
			delete(user.Metadata, k)
			continue
		}
		user.Metadata[k] = v
	}
	meta, err := json.Marshal(user.Metadata)
	if err != nil {
		return nil, errKind(KindInternal, op, fmt.Errorf("encode metadata: %w", err))
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(meta), now, userID,
	); err != nil {
		return nil, errKind(KindInternal, op, fmt.Errorf("update metadata: %w", err))
	}
	user.UpdatedAt = now
	return user, nil
}

// VerifyEmail stamps the verification timestamp.
func (s *Service) VerifyEmail(ctx context.Context, userID int64) error {
	const op = "verify_email"
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET email_verified_at = ?, updated_at = ? WHERE id = ?`,
		now, now, userID,
	)
	if err != nil {
		return errKind(KindInternal, op, fmt.Errorf("verify email: %w", err))
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errKindf(KindSessionNotFound, op, "user not found")
	}
	return nil
}

// RevokeUserSessions removes every session belonging to the user.
func (s *Service) RevokeUserSessions(ctx context.Context, userID int64) error {
	const op = "revoke_user_sessions"
	if userID <= 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT access_token, refresh_token FROM auth_sessions WHERE user_id = ?`, userID)
	if err != nil {
		return errKind(KindInternal, op, fmt.Errorf("list sessions: %w", err))
	}
	var cacheKeys []string
	for rows.Next() {
		var access, refresh string
		if err := rows.Scan(&access, &refresh); err != nil {
			rows.Close()
			return errKind(KindInternal, op, fmt.Errorf("scan session: %w", err))
		}
		cacheKeys = append(cacheKeys, SessionCacheKey(access), RefreshCacheKey(refresh))
	}
	rows.Close()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE user_id = ?`, userID); err != nil {
		return errKind(KindInternal, op, fmt.Errorf("revoke sessions: %w", err))
	}
	if s.rdb != nil && len(cacheKeys) > 0 {
		_ = s.rdb.Del(ctx, cacheKeys...)
	}
	return nil
}

// IsAdmin applies the role metadata field plus the configured allow-list.
func (s *Service) IsAdmin(user *models.User) bool {
	if user == nil {
		return false
	}
	if user.Role() == "admin" {
		return true
	}
	_, ok := s.adminEmails[strings.ToLower(user.Email)]
	return ok
}

// UserByID fetches one user row.
func (s *Service) UserByID(ctx context.Context, id int64) (*models.User, error) {
	const op = "user_by_id"
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, email_verified_at, metadata, created_at, updated_at FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errKindf(KindSessionNotFound, op, "user not found")
		}
		return nil, errKind(KindInternal, op, err)
	}
	return user, nil
}

func (s *Service) userByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "user_by_email"
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, email_verified_at, metadata, created_at, updated_at FROM users WHERE email = ?`, email)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errKindf(KindSessionNotFound, op, "user not found")
		}
		return nil, errKind(KindInternal, op, err)
	}
	return user, nil
}

func scanUser(row *sql.Row) (*models.User, error) {
	var (
		user     models.User
		verified sql.NullTime
		meta     string
	)
	if err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &verified, &meta, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	if verified.Valid {
		t := verified.Time
		user.EmailVerifiedAt = &t
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &user.Metadata); err != nil {
			// tolerate a corrupt metadata blob, the profile is repairable
			user.Metadata = map[string]string{}
		}
	}
	return &user, nil
}

func (s *Service) issueSession(ctx context.Context, userID int64) (*models.Session, error) {
	const op = "issue_session"
	if userID <= 0 {
		return nil, errKindf(KindInvalidRequest, op, "invalid user id")
	}
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		access, err := generateToken()
		if err != nil {
			return nil, errKind(KindInternal, op, err)
		}
		refresh, err := generateToken()
		if err != nil {
			return nil, errKind(KindInternal, op, err)
		}
		session := &models.Session{
			AccessToken:      access,
			RefreshToken:     refresh,
			TokenType:        "bearer",
			UserID:           userID,
			CreatedAt:        now,
			ExpiresAt:        now.Add(s.sessionTTL),
			RefreshExpiresAt: now.Add(s.refreshTTL),
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO auth_sessions (access_token, refresh_token, user_id, token_type, created_at, expires_at, refresh_expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			session.AccessToken, session.RefreshToken, session.UserID, session.TokenType,
			session.CreatedAt, session.ExpiresAt, session.RefreshExpiresAt,
		)
		if err == nil {
			s.cacheSession(ctx, session)
			return session, nil
		}
	}
	return nil, errKindf(KindInternal, op, "could not issue session")
}

func (s *Service) cacheSession(ctx context.Context, session *models.Session) {
	if s.rdb == nil || session == nil {
		return
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	if ttl := session.ExpiresAt.Sub(now); ttl > 0 {
		_ = s.rdb.Set(ctx, SessionCacheKey(session.AccessToken), payload, ttl)
	}
	if ttl := session.RefreshExpiresAt.Sub(now); ttl > 0 {
		_ = s.rdb.Set(ctx, RefreshCacheKey(session.RefreshToken), payload, ttl)
	}
}

func (s *Service) lookupSession(ctx context.Context, accessToken string) (*models.Session, error) {
	const op = "lookup_session"
	if accessToken == "" {
		return nil, errKindf(KindInvalidRequest, op, "access token required")
	}
	if s.rdb != nil {
		if raw, err := s.rdb.Get(ctx, SessionCacheKey(accessToken)); err == nil {
			var session models.Session
			if json.Unmarshal([]byte(raw), &session) == nil && !session.Expired(time.Now().UTC()) {
				return &session, nil
			}
		}
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, user_id, token_type, created_at, expires_at, refresh_expires_at
		 FROM auth_sessions WHERE access_token = ?`, accessToken)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errKindf(KindSessionNotFound, op, "session not found")
		}
		return nil, errKind(KindInternal, op, err)
	}
	if session.Expired(time.Now().UTC()) {
		_ = s.deleteSession(ctx, session)
		return nil, errKindf(KindSessionExpired, op, "session expired")
	}
	s.cacheSession(ctx, session)
	return session, nil
}

func (s *Service) lookupByRefresh(ctx context.Context, refreshToken string) (*models.Session, error) {
	const op = "lookup_by_refresh"
	if s.rdb != nil {
		if raw, err := s.rdb.Get(ctx, RefreshCacheKey(refreshToken)); err == nil {
			var session models.Session
			if json.Unmarshal([]byte(raw), &session) == nil {
				return &session, nil
			}
		}
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, user_id, token_type, created_at, expires_at, refresh_expires_at
		 FROM auth_sessions WHERE refresh_token = ?`, refreshToken)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errKindf(KindSessionNotFound, op, "refresh token unknown")
		}
		return nil, errKind(KindInternal, op, err)
	}
	return session, nil
}

func scanSession(row *sql.Row) (*models.Session, error) {
	var session models.Session
	if err := row.Scan(
		&session.AccessToken, &session.RefreshToken, &session.UserID, &session.TokenType,
		&session.CreatedAt, &session.ExpiresAt, &session.RefreshExpiresAt,
	); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Service) deleteSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE access_token = ?`, session.AccessToken,
	); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if s.rdb != nil {
		_ = s.rdb.Del(ctx, SessionCacheKey(session.AccessToken), RefreshCacheKey(session.RefreshToken))
	}
	return nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// SessionTTL reports the configured access token lifetime.
func (s *Service) SessionTTL() time.Duration {
	return s.sessionTTL
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}
