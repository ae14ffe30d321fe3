package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/Boe-Ventures/swipestats.io-sub000/internal/export"
)

// Input is everything a classification depends on. Existing is the profile
// stored under AccountID, Owned the profile the session user already owns on
// the same provider; either may be nil.
type Input struct {
	AccountID string
	Facts     export.IdentityFacts
	Session   Session
	Existing  *StoredProfile
	Owned     *StoredProfile
}

// Classify maps an input to exactly one scenario. Rules are evaluated in
// precedence order and the first match wins.
func Classify(in Input) Context {
	owned := in.Owned
	if owned != nil && owned.AccountID == in.AccountID {
		owned = nil
	}
	if !in.Session.identified() {
		owned = nil
	}

	var scenario Scenario
	switch {
	case in.Existing == nil && owned != nil:
		scenario = ScenarioDifferentID
	case in.Existing == nil && in.Session.identified():
		scenario = ScenarioNewProfile
	case in.Existing == nil:
		scenario = ScenarioNewUser
	case in.Existing.Owned() && in.Session.identified() && in.Existing.UserID == in.Session.UserID:
		scenario = ScenarioSameID
	case in.Existing.Claimable():
		scenario = ScenarioCanClaim
	case in.Session.Kind == SessionReal && in.Session.identified():
		scenario = ScenarioOwnedByOther
	default:
		scenario = ScenarioNeedsSignin
	}

	userProfile := owned
	if scenario == ScenarioSameID {
		userProfile = in.Existing
	}

	return Context{
		AccountID:        in.AccountID,
		Scenario:         scenario,
		UserProfile:      userProfile,
		TargetProfile:    in.Existing,
		IdentityMismatch: identityMismatch(scenario, in.Facts, in.Existing, owned),
	}
}

// identityMismatch compares birth dates or signup times on the same UTC day.
// Signup times of two different accounts differ by construction, so merges
// are only compared when both sides carry a birth date.
func identityMismatch(scenario Scenario, incoming export.IdentityFacts, target, owned *StoredProfile) bool {
	switch scenario {
	case ScenarioCanClaim:
		if target == nil {
			return false
		}
		return !export.SameDay(target.BirthDateOrSignupTime, incoming.BirthDateOrSignupTime)
	case ScenarioDifferentID:
		if owned == nil {
			return false
		}
		if owned.FactKind != export.FactBirthDate || incoming.Kind != export.FactBirthDate {
			return false
		}
		return !export.SameDay(owned.BirthDateOrSignupTime, incoming.BirthDateOrSignupTime)
	default:
		return false
	}
}

// ProfileReader is the read side of the profile store.
// Both lookups return nil without error when nothing matches.
type ProfileReader interface {
	GetProfile(ctx context.Context, provider export.Provider, accountID string) (*StoredProfile, error)
	GetOwnedProfile(ctx context.Context, provider export.Provider, userID string) (*StoredProfile, error)
}

// Request identifies the upload to resolve.
type Request struct {
	Provider  export.Provider      `json:"provider"`
	AccountID string               `json:"accountId"`
	Facts     export.IdentityFacts `json:"identityFacts"`
}

// Resolver reads stored profiles and classifies uploads. It never writes.
type Resolver struct {
	profiles ProfileReader
}

func NewResolver(profiles ProfileReader) *Resolver {
	return &Resolver{profiles: profiles}
}

// ErrUnresolvable means the upload cannot be classified right now. Callers
// must disable submission rather than fall back to a default scenario.
var ErrUnresolvable = errors.New("upload context unavailable")

func (r *Resolver) Resolve(ctx context.Context, req Request, session Session) (Context, error) {
	if req.AccountID == "" {
		return Context{}, fmt.Errorf("%w: account id is required", ErrUnresolvable)
	}
	if _, err := export.ParseProvider(string(req.Provider)); err != nil {
		return Context{}, fmt.Errorf("%w: %w", ErrUnresolvable, err)
	}

	existing, err := r.profiles.GetProfile(ctx, req.Provider, req.AccountID)
	if err != nil {
		return Context{}, fmt.Errorf("%w: read profile: %w", ErrUnresolvable, err)
	}

	var owned *StoredProfile
	if session.identified() {
		owned, err = r.profiles.GetOwnedProfile(ctx, req.Provider, session.UserID)
		if err != nil {
			return Context{}, fmt.Errorf("%w: read owned profile: %w", ErrUnresolvable, err)
		}
	}

	return Classify(Input{
		AccountID: req.AccountID,
		Facts:     req.Facts,
		Session:   session,
		Existing:  existing,
		Owned:     owned,
	}), nil
}
