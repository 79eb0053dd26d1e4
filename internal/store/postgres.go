package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dealdesk/gateway/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureAccountByEmail upserts the account row for a gate-authorized email
// and stamps the sign-in time.
func (s *PostgresStore) EnsureAccountByEmail(ctx context.Context, email string) (Account, error) {
	const upsert = `
		INSERT INTO accounts (id, email)
		VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET last_sign_in=NOW()
		RETURNING id, email, created_at, last_sign_in
	`
	var account Account
	err := s.db.QueryRowContext(ctx, upsert, util.NewID("acct"), email).
		Scan(&account.ID, &account.Email, &account.CreatedAt, &account.LastSignIn)
	if err != nil {
		return Account{}, fmt.Errorf("ensure account: %w", err)
	}
	return account, nil
}

func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	var account Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, created_at, last_sign_in
		FROM accounts
		WHERE email=$1
	`, email).Scan(&account.ID, &account.Email, &account.CreatedAt, &account.LastSignIn)
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, email string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, email, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET email=EXCLUDED.email, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, email, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

// LookupRefreshSession returns the email behind a live refresh session.
// Revoked and expired sessions do not match.
func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx, `
		SELECT email
		FROM refresh_sessions
		WHERE token_hash=$1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`, tokenHash).Scan(&email)
	if err != nil {
		return "", err
	}
	return email, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) SaveSessionLink(ctx context.Context, browserID, sessionID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_links (browser_id, session_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (browser_id) DO UPDATE SET session_id=EXCLUDED.session_id, expires_at=EXCLUDED.expires_at
	`, browserID, sessionID, expiresAt)
	if err != nil {
		return fmt.Errorf("save session link: %w", err)
	}
	return nil
}

// LookupSessionLink returns the linked backend session for a browser, or ""
// when the browser has none or the link has expired.
func (s *PostgresStore) LookupSessionLink(ctx context.Context, browserID string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id
		FROM session_links
		WHERE browser_id=$1 AND expires_at > NOW()
	`, browserID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup session link: %w", err)
	}
	return sessionID, nil
}

func (s *PostgresStore) DeleteSessionLink(ctx context.Context, browserID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_links WHERE browser_id=$1`, browserID)
	if err != nil {
		return fmt.Errorf("delete session link: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveStateSnapshot(ctx context.Context, browserID string, snapshot []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state_snapshots (browser_id, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (browser_id) DO UPDATE SET snapshot=EXCLUDED.snapshot, updated_at=NOW()
	`, browserID, snapshot)
	if err != nil {
		return fmt.Errorf("save state snapshot: %w", err)
	}
	return nil
}

// LoadStateSnapshot returns (nil, nil) when the browser has no snapshot.
func (s *PostgresStore) LoadStateSnapshot(ctx context.Context, browserID string) ([]byte, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM state_snapshots WHERE browser_id=$1`, browserID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state snapshot: %w", err)
	}
	return snapshot, nil
}

func (s *PostgresStore) DeleteStateSnapshot(ctx context.Context, browserID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM state_snapshots WHERE browser_id=$1`, browserID)
	if err != nil {
		return fmt.Errorf("delete state snapshot: %w", err)
	}
	return nil
}
