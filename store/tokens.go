package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// tokenPrefix is the prefix for all generated registry tokens.
const tokenPrefix = "cio_"

// generateRawToken creates a new raw token: "cio_" + 32 random hex chars.
func generateRawToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(b), nil
}

// hashToken returns the SHA-256 hex digest of a raw token.
func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// constantTimeHashCompare compares two hex-encoded hashes in constant time.
func constantTimeHashCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// CreateToken mints a token for a user and returns the raw value. The
// raw token is never stored and cannot be recovered later.
func (r *Registry) CreateToken(ctx context.Context, t *Token) (string, error) {
	raw, err := generateRawToken()
	if err != nil {
		return "", err
	}

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.TokenHash = hashToken(raw)
	t.TokenPrefix = raw[:len(tokenPrefix)+8]
	t.CreatedAt = time.Now().UTC()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tokens (id, user_id, name, token_hash, token_prefix, can_write,
			created_at, expires_at, last_used_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, 0)`,
		t.ID.String(), t.UserID.String(), t.Name, t.TokenHash, t.TokenPrefix,
		boolInt(t.CanWrite), timeStr(t.CreatedAt), nullableTimeStr(t.ExpiresAt))
	if err != nil {
		return "", fmt.Errorf("insert token: %w", err)
	}
	return raw, nil
}

// ValidateToken hashes the raw token, looks it up and checks that it is
// usable. Revocation, expiry and the owning account's active flag are
// re-checked on every call; there is no caching, so revoking a token or
// deactivating an account takes effect immediately. The last-used
// timestamp is updated on success.
func (r *Registry) ValidateToken(ctx context.Context, raw string) (*Token, error) {
	hash := hashToken(raw)
	t, err := r.getTokenByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	// The UNIQUE lookup already matched; the constant-time comparison
	// guards against driver-level collation surprises.
	if !constantTimeHashCompare(t.TokenHash, hash) {
		return nil, ErrNotFound
	}
	if t.Revoked {
		return nil, ErrTokenRevoked
	}
	if t.ExpiresAt != nil && time.Now().After(*t.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	user, err := r.GetUser(ctx, t.UserID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, fmt.Errorf("account %q is deactivated: %w", user.Login, ErrForbidden)
	}

	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx,
		`UPDATE tokens SET last_used_at = ? WHERE id = ?`, timeStr(now), t.ID.String()); err != nil {
		return nil, fmt.Errorf("update token last used: %w", err)
	}
	t.LastUsedAt = &now
	return t, nil
}

// RevokeToken marks a token unusable. Idempotent.
func (r *Registry) RevokeToken(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE tokens SET revoked = 1 WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTokens returns a user's tokens, newest first.
func (r *Registry) ListTokens(ctx context.Context, userID uuid.UUID) ([]*Token, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, name, token_hash, token_prefix, can_write,
			created_at, expires_at, last_used_at, revoked
		FROM tokens WHERE user_id = ? ORDER BY created_at DESC`, userID.String())
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (r *Registry) getTokenByHash(ctx context.Context, hash string) (*Token, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, token_hash, token_prefix, can_write,
			created_at, expires_at, last_used_at, revoked
		FROM tokens WHERE token_hash = ?`, hash)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*Token, error) {
	var (
		t                 Token
		id, userID        string
		canWrite, revoked int
		created           string
		expires, lastUsed sql.NullString
	)
	err := row.Scan(&id, &userID, &t.Name, &t.TokenHash, &t.TokenPrefix,
		&canWrite, &created, &expires, &lastUsed, &revoked)
	if err != nil {
		return nil, err
	}
	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse token id: %w", err)
	}
	if t.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("parse token user id: %w", err)
	}
	t.CanWrite = canWrite != 0
	t.Revoked = revoked != 0
	t.CreatedAt = parseTime(created)
	t.ExpiresAt = nullableTime(expires)
	t.LastUsedAt = nullableTime(lastUsed)
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
