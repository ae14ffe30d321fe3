package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/Boe-Ventures/swipestats.io-sub000/internal/export"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/resolve"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/util"
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

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const profileColumns = `p.provider, p.account_id, COALESCE(p.user_id, ''), COALESCE(u.is_anonymous, FALSE),
	p.fact_kind, p.birth_date_or_signup_time, p.first_day_on_app, p.last_day_on_app, p.created_at, p.updated_at`

const profileSource = `profiles p LEFT JOIN users u ON u.id = p.user_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (*resolve.StoredProfile, error) {
	var (
		p        resolve.StoredProfile
		provider string
		kind     string
	)
	err := row.Scan(&provider, &p.AccountID, &p.UserID, &p.OwnerAnonymous, &kind, &p.BirthDateOrSignupTime,
		&p.FirstDayOnApp, &p.LastDayOnApp, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Provider = export.Provider(provider)
	p.FactKind = export.FactKind(kind)
	p.BirthDateOrSignupTime = p.BirthDateOrSignupTime.UTC()
	p.FirstDayOnApp = export.Day(p.FirstDayOnApp)
	p.LastDayOnApp = export.Day(p.LastDayOnApp)
	return &p, nil
}

// GetProfile returns nil when no profile exists for the account.
func (s *PostgresStore) GetProfile(ctx context.Context, provider export.Provider, accountID string) (*resolve.StoredProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM `+profileSource+`
		WHERE p.provider=$1 AND p.account_id=$2`,
		string(provider), accountID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// GetOwnedProfile returns the user's most recent profile on provider, or nil.
func (s *PostgresStore) GetOwnedProfile(ctx context.Context, provider export.Provider, userID string) (*resolve.StoredProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM `+profileSource+`
		WHERE p.provider=$1 AND p.user_id=$2
		ORDER BY p.last_day_on_app DESC LIMIT 1`, string(provider), userID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get owned profile: %w", err)
	}
	return p, nil
}

const insertProfile = `
	INSERT INTO profiles (provider, account_id, user_id, fact_kind, birth_date_or_signup_time,
		first_day_on_app, last_day_on_app, blob_url, timezone, country, share_photos, share_work)
	VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (provider, account_id) DO NOTHING
`

func profileArgs(w ProfileWrite) []any {
	return []any{
		string(w.Provider), w.AccountID, w.UserID, string(w.Facts.Kind), w.Facts.BirthDateOrSignupTime,
		export.Day(w.Facts.FirstActivityDay), export.Day(w.Facts.LastActivityDay),
		w.BlobURL, w.Timezone, w.Country, w.SharePhotos, w.ShareWork,
	}
}

// CreateProfile inserts a new profile. A concurrent writer that inserted the
// same account first makes this fail with ErrProfileExists.
func (s *PostgresStore) CreateProfile(ctx context.Context, w ProfileWrite) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, insertProfile, profileArgs(w)...)
		if err != nil {
			return fmt.Errorf("insert profile: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("insert profile: %w", err)
		} else if n == 0 {
			return ErrProfileExists
		}
		if err := upsertUsage(ctx, tx, w.Provider, w.AccountID, w.Usage); err != nil {
			return err
		}
		return recordUpload(ctx, tx, w, "create")
	})
}

// UpdateProfile refreshes an existing profile and claims it for w.UserID when
// it is unowned or held by an anonymous user. Profiles owned by another
// signed-in user are rejected.
func (s *PostgresStore) UpdateProfile(ctx context.Context, w ProfileWrite) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			owner          string
			ownerAnonymous bool
		)
		err := tx.QueryRowContext(ctx, `SELECT COALESCE(p.user_id, ''), COALESCE(u.is_anonymous, FALSE)
			FROM `+profileSource+`
			WHERE p.provider=$1 AND p.account_id=$2 FOR UPDATE OF p`, string(w.Provider), w.AccountID).
			Scan(&owner, &ownerAnonymous)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrProfileNotFound
		}
		if err != nil {
			return fmt.Errorf("lock profile: %w", err)
		}
		if owner != "" && owner != w.UserID && !ownerAnonymous {
			return ErrProfileConflict
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE profiles SET
				user_id = NULLIF($3, ''),
				fact_kind = $4,
				birth_date_or_signup_time = $5,
				first_day_on_app = LEAST(first_day_on_app, $6),
				last_day_on_app = GREATEST(last_day_on_app, $7),
				blob_url = $8,
				timezone = $9,
				country = $10,
				share_photos = $11,
				share_work = $12,
				updated_at = NOW()
			WHERE provider=$1 AND account_id=$2
		`, profileArgs(w)...)
		if err != nil {
			return fmt.Errorf("update profile: %w", err)
		}
		if err := upsertUsage(ctx, tx, w.Provider, w.AccountID, w.Usage); err != nil {
			return err
		}
		return recordUpload(ctx, tx, w, "update")
	})
}

// MergeProfile folds the user's current profile on the provider into a new
// profile for w.AccountID. The old account's usage days are kept where the
// incoming upload has none, then the old profile is removed. It returns the
// account id that was merged away.
func (s *PostgresStore) MergeProfile(ctx context.Context, w ProfileWrite) (string, error) {
	var fromAccountID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		old, err := scanProfile(tx.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM `+profileSource+`
			WHERE p.provider=$1 AND p.user_id=$2 AND p.account_id<>$3
			ORDER BY p.last_day_on_app DESC LIMIT 1
			FOR UPDATE OF p`, string(w.Provider), w.UserID, w.AccountID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrProfileNotFound
		}
		if err != nil {
			return fmt.Errorf("lock owned profile: %w", err)
		}
		if export.Day(w.Facts.LastActivityDay).Before(old.LastDayOnApp) {
			return ErrBackwardMerge
		}
		fromAccountID = old.AccountID

		merged := w
		if old.FirstDayOnApp.Before(export.Day(w.Facts.FirstActivityDay)) {
			merged.Facts.FirstActivityDay = old.FirstDayOnApp
		}
		res, err := tx.ExecContext(ctx, insertProfile, profileArgs(merged)...)
		if err != nil {
			return fmt.Errorf("insert merged profile: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("insert merged profile: %w", err)
		} else if n == 0 {
			return ErrProfileExists
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO profile_usage (provider, account_id, day, app_opens, likes, passes, superlikes,
				matches, messages_sent, messages_received)
			SELECT provider, $3, day, app_opens, likes, passes, superlikes, matches, messages_sent, messages_received
			FROM profile_usage WHERE provider=$1 AND account_id=$2
			ON CONFLICT (provider, account_id, day) DO NOTHING
		`, string(w.Provider), old.AccountID, w.AccountID); err != nil {
			return fmt.Errorf("splice usage: %w", err)
		}
		if err := upsertUsage(ctx, tx, w.Provider, w.AccountID, w.Usage); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO profile_merges (id, provider, from_account_id, into_account_id, user_id)
			VALUES ($1, $2, $3, $4, $5)
		`, util.NewID("mrg"), string(w.Provider), old.AccountID, w.AccountID, w.UserID); err != nil {
			return fmt.Errorf("record merge: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM profiles WHERE provider=$1 AND account_id=$2`,
			string(w.Provider), old.AccountID); err != nil {
			return fmt.Errorf("delete merged profile: %w", err)
		}
		return recordUpload(ctx, tx, w, "merge")
	})
	if err != nil {
		return "", err
	}
	return fromAccountID, nil
}

// upsertUsage writes usage rows in one statement. Incoming days replace
// stored days.
func upsertUsage(ctx context.Context, tx *sql.Tx, provider export.Provider, accountID string, usage []export.UsageDay) error {
	if len(usage) == 0 {
		return nil
	}
	var (
		days     = make([]string, len(usage))
		opens    = make([]int64, len(usage))
		likes    = make([]int64, len(usage))
		passes   = make([]int64, len(usage))
		supers   = make([]int64, len(usage))
		matches  = make([]int64, len(usage))
		sent     = make([]int64, len(usage))
		received = make([]int64, len(usage))
	)
	for i, u := range usage {
		days[i] = u.Day.UTC().Format(time.DateOnly)
		opens[i] = int64(u.AppOpens)
		likes[i] = int64(u.Likes)
		passes[i] = int64(u.Passes)
		supers[i] = int64(u.Superlikes)
		matches[i] = int64(u.Matches)
		sent[i] = int64(u.MessagesSent)
		received[i] = int64(u.MessagesReceived)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO profile_usage (provider, account_id, day, app_opens, likes, passes, superlikes,
			matches, messages_sent, messages_received)
		SELECT $1, $2, u.day, u.app_opens, u.likes, u.passes, u.superlikes, u.matches, u.messages_sent, u.messages_received
		FROM unnest($3::date[], $4::int[], $5::int[], $6::int[], $7::int[], $8::int[], $9::int[], $10::int[])
			AS u(day, app_opens, likes, passes, superlikes, matches, messages_sent, messages_received)
		ON CONFLICT (provider, account_id, day) DO UPDATE SET
			app_opens = EXCLUDED.app_opens,
			likes = EXCLUDED.likes,
			passes = EXCLUDED.passes,
			superlikes = EXCLUDED.superlikes,
			matches = EXCLUDED.matches,
			messages_sent = EXCLUDED.messages_sent,
			messages_received = EXCLUDED.messages_received
	`, string(provider), accountID, pq.Array(days), pq.Array(opens), pq.Array(likes), pq.Array(passes),
		pq.Array(supers), pq.Array(matches), pq.Array(sent), pq.Array(received))
	if err != nil {
		return fmt.Errorf("upsert usage: %w", err)
	}
	return nil
}

func recordUpload(ctx context.Context, tx *sql.Tx, w ProfileWrite, operation string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO profile_uploads (id, provider, account_id, user_id, operation, blob_url)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
	`, util.NewID("upl"), string(w.Provider), w.AccountID, w.UserID, operation, w.BlobURL)
	if err != nil {
		return fmt.Errorf("record upload: %w", err)
	}
	return nil
}

// ListUsage returns the stored per-day usage of a profile, oldest first.
func (s *PostgresStore) ListUsage(ctx context.Context, provider export.Provider, accountID string) ([]export.UsageDay, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, app_opens, likes, passes, superlikes, matches, messages_sent, messages_received
		FROM profile_usage WHERE provider=$1 AND account_id=$2
		ORDER BY day
	`, string(provider), accountID)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var out []export.UsageDay
	for rows.Next() {
		var u export.UsageDay
		if err := rows.Scan(&u.Day, &u.AppOpens, &u.Likes, &u.Passes, &u.Superlikes, &u.Matches,
			&u.MessagesSent, &u.MessagesReceived); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		u.Day = export.Day(u.Day)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListUploads(ctx context.Context, provider export.Provider, accountID string) ([]Upload, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, account_id, COALESCE(user_id, ''), operation, blob_url, created_at
		FROM profile_uploads WHERE provider=$1 AND account_id=$2
		ORDER BY created_at DESC
	`, string(provider), accountID)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	var out []Upload
	for rows.Next() {
		var (
			u        Upload
			provider string
		)
		if err := rows.Scan(&u.ID, &provider, &u.AccountID, &u.UserID, &u.Operation, &u.BlobURL, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		u.Provider = export.Provider(provider)
		out = append(out, u)
	}
	return out, rows.Err()
}

// DeleteProfile removes a profile owned by userID together with its usage.
func (s *PostgresStore) DeleteProfile(ctx context.Context, provider export.Provider, accountID, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE provider=$1 AND account_id=$2 AND user_id=$3`,
		string(provider), accountID, userID)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if n == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// ReleaseStaleAnonymousProfiles clears the owner of profiles whose anonymous
// owner has not been seen since cutoff, making them claimable again.
func (s *PostgresStore) ReleaseStaleAnonymousProfiles(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET user_id = NULL, updated_at = NOW()
		WHERE user_id IN (SELECT id FROM users WHERE is_anonymous AND last_seen_at < $1)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stale profiles: %w", err)
	}
	return res.RowsAffected()
}
