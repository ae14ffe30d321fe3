// Package authpw provides email/password accounts. Signing up from an
// anonymous session upgrades that user in place.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/Boe-Ventures/swipestats.io-sub000/internal/store"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/util"
)

var (
	ErrInvalidInput       = errors.New("invalid sign-up input")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = store.ErrEmailTaken
)

const minPasswordLength = 8

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	UpgradeAnonymousUser(ctx context.Context, userID, email, passwordHash string) error
}

type Service struct {
	store UserStore
	cost  int
}

func NewService(store UserStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

type SignUpRequest struct {
	Email    string
	Password string
	// AnonymousUserID is the caller's current anonymous user, if any.
	AnonymousUserID string
}

// SignUp creates a real user, or upgrades the caller's anonymous user so
// the profiles it uploaded stay with the account.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return store.User{}, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	if len(req.Password) < minPasswordLength {
		return store.User{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, ErrEmailTaken
	} else if !errors.Is(err, store.ErrUserNotFound) {
		return store.User{}, fmt.Errorf("lookup email: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	if req.AnonymousUserID != "" {
		current, err := s.store.GetUserByID(ctx, req.AnonymousUserID)
		if err != nil && !errors.Is(err, store.ErrUserNotFound) {
			return store.User{}, fmt.Errorf("lookup anonymous user: %w", err)
		}
		if err == nil && current.IsAnonymous {
			if err := s.store.UpgradeAnonymousUser(ctx, current.ID, email, string(hash)); err != nil {
				return store.User{}, err
			}
			return s.store.GetUserByID(ctx, current.ID)
		}
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, err
	}
	return s.store.GetUserByID(ctx, user.ID)
}

type SignInRequest struct {
	Email    string
	Password string
}

func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	if req.Email == "" || req.Password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, req.Email)
	if errors.Is(err, store.ErrUserNotFound) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if user.IsAnonymous || user.PasswordHash == "" {
		return store.User{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}
