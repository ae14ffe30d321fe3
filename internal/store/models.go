package store

import (
	"errors"
	"time"

	"github.com/Boe-Ventures/swipestats.io-sub000/internal/export"
)

type User struct {
	ID           string
	Email        string
	PasswordHash string
	IsAnonymous  bool
	CreatedAt    time.Time
	LastSeenAt   time.Time
}

// ProfileWrite is everything a commit persists for one profile.
type ProfileWrite struct {
	Provider    export.Provider
	AccountID   string
	UserID      string
	Facts       export.IdentityFacts
	Usage       []export.UsageDay
	BlobURL     string
	Timezone    string
	Country     string
	SharePhotos bool
	ShareWork   bool
}

// Upload is one recorded commit of a staged payload.
type Upload struct {
	ID        string
	Provider  export.Provider
	AccountID string
	UserID    string
	Operation string
	BlobURL   string
	CreatedAt time.Time
}

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrEmailTaken      = errors.New("email already registered")
	ErrProfileNotFound = errors.New("profile not found")
	// ErrProfileExists is returned by create when another writer won the race.
	ErrProfileExists = errors.New("profile already exists")
	// ErrProfileConflict is returned when the profile is owned by someone else.
	ErrProfileConflict = errors.New("profile owned by another user")
	ErrBackwardMerge   = errors.New("incoming data ends before the stored profile")
)
