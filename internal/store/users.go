package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const userColumns = `id, COALESCE(email, ''), COALESCE(password_hash, ''), is_anonymous, created_at, last_seen_at`

func scanUser(row scanner) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsAnonymous, &u.CreatedAt, &u.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, is_anonymous)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4)
	`, user.ID, normalizeEmail(user.Email), user.PasswordHash, user.IsAnonymous)
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, normalizeEmail(email)))
}

// UpgradeAnonymousUser gives an anonymous user credentials in place, so the
// profiles it already owns stay attached.
func (s *PostgresStore) UpgradeAnonymousUser(ctx context.Context, userID, email, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET email=$2, password_hash=$3, is_anonymous=FALSE, last_seen_at=NOW()
		WHERE id=$1 AND is_anonymous
	`, userID, normalizeEmail(email), passwordHash)
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("upgrade user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upgrade user: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) TouchUser(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen_at=NOW() WHERE id=$1`, userID); err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
