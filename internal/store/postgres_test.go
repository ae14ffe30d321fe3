package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Boe-Ventures/swipestats.io-sub000/internal/export"
)

func setupMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var profileCols = []string{"provider", "account_id", "user_id", "is_anonymous", "fact_kind", "birth_date_or_signup_time",
	"first_day_on_app", "last_day_on_app", "created_at", "updated_at"}

func profileRow(accountID, userID string, first, last time.Time) *sqlmock.Rows {
	now := day(2024, 6, 2)
	return sqlmock.NewRows(profileCols).
		AddRow("tinder", accountID, userID, false, "birth_date", day(1994, 3, 12), first, last, now, now)
}

func testWrite() ProfileWrite {
	return ProfileWrite{
		Provider:  export.ProviderTinder,
		AccountID: "xyz789",
		UserID:    "U1",
		Facts: export.IdentityFacts{
			Kind:                  export.FactBirthDate,
			BirthDateOrSignupTime: day(1994, 3, 12),
			FirstActivityDay:      day(2024, 1, 1),
			LastActivityDay:       day(2024, 7, 1),
		},
		Usage:   []export.UsageDay{{Day: day(2024, 1, 1), AppOpens: 3}, {Day: day(2024, 7, 1), Likes: 2}},
		BlobURL: "http://blobs/uploads/tinder-data/xyz789/2024-07-02/data.json",
	}
}

func TestGetProfile(t *testing.T) {
	s, mock := setupMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE p.provider=$1 AND p.account_id=$2`)).
		WithArgs("tinder", "abc123").
		WillReturnRows(profileRow("abc123", "", day(2019, 6, 2), day(2024, 6, 1)))

	p, err := s.GetProfile(context.Background(), export.ProviderTinder, "abc123")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, export.ProviderTinder, p.Provider)
	assert.Equal(t, export.FactBirthDate, p.FactKind)
	assert.False(t, p.Owned())
	assert.Equal(t, day(2024, 6, 1), p.LastDayOnApp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProfileMissingIsNil(t *testing.T) {
	s, mock := setupMock(t)
	mock.ExpectQuery("FROM profiles").WillReturnRows(sqlmock.NewRows(profileCols))

	p, err := s.GetProfile(context.Background(), export.ProviderTinder, "nope")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestGetOwnedProfileError(t *testing.T) {
	s, mock := setupMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE p.provider=$1 AND p.user_id=$2`)).
		WithArgs("hinge", "U1").
		WillReturnError(errors.New("connection reset"))

	_, err := s.GetOwnedProfile(context.Background(), export.ProviderHinge, "U1")
	assert.ErrorContains(t, err, "get owned profile")
}

func TestCreateProfile(t *testing.T) {
	s, mock := setupMock(t)
	w := testWrite()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO profiles").
		WithArgs("tinder", "xyz789", "U1", "birth_date", w.Facts.BirthDateOrSignupTime, day(2024, 1, 1), day(2024, 7, 1),
			w.BlobURL, "", "", false, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO profile_usage").
		WithArgs("tinder", "xyz789", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO profile_uploads").
		WithArgs(sqlmock.AnyArg(), "tinder", "xyz789", "U1", "create", w.BlobURL).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.CreateProfile(context.Background(), w))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateProfileLosesRace(t *testing.T) {
	s, mock := setupMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO profiles").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.CreateProfile(context.Background(), testWrite())
	assert.ErrorIs(t, err, ErrProfileExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProfileRejectsOtherOwner(t *testing.T) {
	s, mock := setupMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("tinder", "xyz789").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "is_anonymous"}).AddRow("U2", false))
	mock.ExpectRollback()

	err := s.UpdateProfile(context.Background(), testWrite())
	assert.ErrorIs(t, err, ErrProfileConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProfileClaimsUnowned(t *testing.T) {
	s, mock := setupMock(t)
	w := testWrite()
	w.Usage = nil

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("tinder", "xyz789").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "is_anonymous"}).AddRow("", false))
	mock.ExpectExec("UPDATE profiles SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO profile_uploads").
		WithArgs(sqlmock.AnyArg(), "tinder", "xyz789", "U1", "update", w.BlobURL).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.UpdateProfile(context.Background(), w))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProfileReportsAnonymousOwner(t *testing.T) {
	s, mock := setupMock(t)
	now := day(2024, 6, 2)
	mock.ExpectQuery(regexp.QuoteMeta(`LEFT JOIN users u ON u.id = p.user_id`)).
		WithArgs("tinder", "abc123").
		WillReturnRows(sqlmock.NewRows(profileCols).
			AddRow("tinder", "abc123", "A_old", true, "birth_date", day(1994, 3, 12), day(2019, 6, 2), day(2024, 6, 1), now, now))

	p, err := s.GetProfile(context.Background(), export.ProviderTinder, "abc123")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "A_old", p.UserID)
	assert.True(t, p.OwnerAnonymous)
	assert.True(t, p.Claimable())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProfileTakesOverAnonymousOwner(t *testing.T) {
	s, mock := setupMock(t)
	w := testWrite()
	w.Usage = nil

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE OF p")).WithArgs("tinder", "xyz789").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "is_anonymous"}).AddRow("A_old", true))
	mock.ExpectExec("UPDATE profiles SET").
		WithArgs("tinder", "xyz789", "U1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			w.BlobURL, "", "", false, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO profile_uploads").
		WithArgs(sqlmock.AnyArg(), "tinder", "xyz789", "U1", "update", w.BlobURL).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.UpdateProfile(context.Background(), w))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProfileMissing(t *testing.T) {
	s, mock := setupMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(sqlmock.NewRows([]string{"user_id", "is_anonymous"}))
	mock.ExpectRollback()

	assert.ErrorIs(t, s.UpdateProfile(context.Background(), testWrite()), ErrProfileNotFound)
}

func TestMergeProfile(t *testing.T) {
	s, mock := setupMock(t)
	w := testWrite()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`AND p.account_id<>$3`)).
		WithArgs("tinder", "U1", "xyz789").
		WillReturnRows(profileRow("abc123", "U1", day(2019, 6, 2), day(2024, 6, 1)))
	mock.ExpectExec("INSERT INTO profiles").
		WithArgs("tinder", "xyz789", "U1", "birth_date", w.Facts.BirthDateOrSignupTime, day(2019, 6, 2), day(2024, 7, 1),
			w.BlobURL, "", "", false, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`FROM profile_usage WHERE provider=$1 AND account_id=$2`)).
		WithArgs("tinder", "abc123", "xyz789").
		WillReturnResult(sqlmock.NewResult(0, 40))
	mock.ExpectExec("FROM unnest").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO profile_merges").
		WithArgs(sqlmock.AnyArg(), "tinder", "abc123", "xyz789", "U1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM profiles").WithArgs("tinder", "abc123").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO profile_uploads").
		WithArgs(sqlmock.AnyArg(), "tinder", "xyz789", "U1", "merge", w.BlobURL).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	from, err := s.MergeProfile(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, "abc123", from)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeProfileRejectsBackwardMerge(t *testing.T) {
	s, mock := setupMock(t)
	w := testWrite()
	w.Facts.LastActivityDay = day(2024, 5, 1)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(profileRow("abc123", "U1", day(2019, 6, 2), day(2024, 6, 1)))
	mock.ExpectRollback()

	_, err := s.MergeProfile(context.Background(), w)
	assert.ErrorIs(t, err, ErrBackwardMerge)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListUsage(t *testing.T) {
	s, mock := setupMock(t)
	mock.ExpectQuery("FROM profile_usage").WithArgs("tinder", "abc123").
		WillReturnRows(sqlmock.NewRows([]string{"day", "app_opens", "likes", "passes", "superlikes", "matches", "messages_sent", "messages_received"}).
			AddRow(day(2024, 1, 1), 3, 1, 2, 0, 1, 0, 0).
			AddRow(day(2024, 1, 2), 0, 4, 0, 0, 0, 2, 1))

	usage, err := s.ListUsage(context.Background(), export.ProviderTinder, "abc123")
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, export.UsageDay{Day: day(2024, 1, 1), AppOpens: 3, Likes: 1, Passes: 2, Matches: 1}, usage[0])
	assert.Equal(t, 1, usage[1].MessagesReceived)
}

func TestDeleteProfileRequiresOwner(t *testing.T) {
	s, mock := setupMock(t)
	mock.ExpectExec("DELETE FROM profiles").WithArgs("tinder", "abc123", "U2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, s.DeleteProfile(context.Background(), export.ProviderTinder, "abc123", "U2"), ErrProfileNotFound)
}

func TestReleaseStaleAnonymousProfiles(t *testing.T) {
	s, mock := setupMock(t)
	cutoff := day(2024, 1, 1)
	mock.ExpectExec("UPDATE profiles SET user_id = NULL").WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.ReleaseStaleAnonymousProfiles(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	s, mock := setupMock(t)
	mock.ExpectExec("INSERT INTO users").
		WithArgs("U1", "jane@example.com", "hash", false).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := s.CreateUser(context.Background(), User{ID: "U1", Email: " Jane@Example.com", PasswordHash: "hash"})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestGetUserByEmailNotFound(t *testing.T) {
	s, mock := setupMock(t)
	mock.ExpectQuery("FROM users WHERE email").WithArgs("x@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "is_anonymous", "created_at", "last_seen_at"}))

	_, err := s.GetUserByEmail(context.Background(), "X@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUpgradeAnonymousUser(t *testing.T) {
	s, mock := setupMock(t)
	mock.ExpectExec("UPDATE users SET email").WithArgs("A1", "jane@example.com", "hash").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.UpgradeAnonymousUser(context.Background(), "A1", "jane@example.com", "hash"))

	mock.ExpectExec("UPDATE users SET email").WithArgs("U1", "jane@example.com", "hash").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.UpgradeAnonymousUser(context.Background(), "U1", "jane@example.com", "hash"), ErrUserNotFound)
}
