package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"taskline/internal/domain"
)

// HashResetToken returns a stable SHA-256 hex digest for the provided token.
// Only the digest is stored; the raw token travels once, in the reset email.
func HashResetToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// InsertResetToken stores a hashed reset token. TokenHash must already contain
// the hashed value.
func (r Repo) InsertResetToken(ctx context.Context, tx *sql.Tx, t domain.ResetToken) error {
	if t.ID == "" {
		return errors.New("id required")
	}
	if t.UserID == "" {
		return errors.New("user_id required")
	}
	if t.TokenHash == "" {
		return errors.New("token_hash required")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO reset_tokens(id,user_id,token_hash,expires_at,created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	return err
}

// GetResetTokenByHash looks up a token by its hash.
func (r Repo) GetResetTokenByHash(ctx context.Context, hash string) (domain.ResetToken, error) {
	var t domain.ResetToken
	err := r.DB.QueryRowContext(ctx, `SELECT id,user_id,token_hash,expires_at,created_at FROM reset_tokens WHERE token_hash=?`, hash).
		Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// DeleteResetToken removes a token once consumed.
func (r Repo) DeleteResetToken(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM reset_tokens WHERE id=?`, id)
	return err
}

// DeleteResetTokensForUser invalidates all outstanding tokens for a user.
func (r Repo) DeleteResetTokensForUser(ctx context.Context, tx *sql.Tx, userID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM reset_tokens WHERE user_id=?`, userID)
	return err
}
