// Package resolve classifies an upload against the profiles already stored
// and the uploader's session.
package resolve

import (
	"fmt"
	"time"

	"github.com/Boe-Ventures/swipestats.io-sub000/internal/export"
)

// Scenario is the classification of one upload attempt. The zero value means
// the upload has not been resolved and must not be submitted.
type Scenario int

const (
	ScenarioUnresolved Scenario = iota
	ScenarioNewProfile
	ScenarioNewUser
	ScenarioSameID
	ScenarioDifferentID
	ScenarioCanClaim
	ScenarioNeedsSignin
	ScenarioOwnedByOther
)

var scenarioNames = map[Scenario]string{
	ScenarioNewProfile:   "new_profile",
	ScenarioNewUser:      "new_user",
	ScenarioSameID:       "same_id",
	ScenarioDifferentID:  "different_id",
	ScenarioCanClaim:     "can_claim",
	ScenarioNeedsSignin:  "needs_signin",
	ScenarioOwnedByOther: "owned_by_other",
}

func (s Scenario) String() string {
	if name, ok := scenarioNames[s]; ok {
		return name
	}
	return "unresolved"
}

func (s Scenario) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Scenario) UnmarshalText(text []byte) error {
	parsed, err := ParseScenario(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseScenario is the inverse of Scenario.String.
func ParseScenario(value string) (Scenario, error) {
	if value == "unresolved" {
		return ScenarioUnresolved, nil
	}
	for scenario, name := range scenarioNames {
		if name == value {
			return scenario, nil
		}
	}
	return ScenarioUnresolved, fmt.Errorf("unknown scenario %q", value)
}

// Operation is the server write a scenario commits through.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationMerge  Operation = "merge"
)

// Route returns the commit operation for s. Scenarios that block submission
// report false.
func Route(s Scenario) (Operation, bool) {
	switch s {
	case ScenarioNewProfile, ScenarioNewUser:
		return OperationCreate, true
	case ScenarioSameID, ScenarioCanClaim:
		return OperationUpdate, true
	case ScenarioDifferentID:
		return OperationMerge, true
	case ScenarioNeedsSignin, ScenarioOwnedByOther, ScenarioUnresolved:
		return "", false
	default:
		return "", false
	}
}

// SessionKind distinguishes uploaders without a session from anonymous and
// signed-in ones.
type SessionKind int

const (
	SessionNone SessionKind = iota
	SessionAnonymous
	SessionReal
)

// Session is the identity of the uploader at classification time.
type Session struct {
	Kind   SessionKind
	UserID string
}

// AnonymousSession and RealSession are shorthands for tests and callers.
func AnonymousSession(userID string) Session { return Session{Kind: SessionAnonymous, UserID: userID} }
func RealSession(userID string) Session      { return Session{Kind: SessionReal, UserID: userID} }

func (s Session) identified() bool {
	return s.Kind != SessionNone && s.UserID != ""
}

// StoredProfile is the persisted record for one (provider, account id).
// UserID is empty when the profile is unowned. OwnerAnonymous marks a profile
// held by an anonymous user, whose token may be long gone.
type StoredProfile struct {
	Provider              export.Provider `json:"provider"`
	AccountID             string          `json:"accountId"`
	UserID                string          `json:"userId,omitempty"`
	OwnerAnonymous        bool            `json:"ownerAnonymous,omitempty"`
	FactKind              export.FactKind `json:"factKind"`
	BirthDateOrSignupTime time.Time       `json:"birthDateOrSignupTime"`
	FirstDayOnApp         time.Time       `json:"firstDayOnApp"`
	LastDayOnApp          time.Time       `json:"lastDayOnApp"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// Owned reports whether some user owns the profile.
func (p StoredProfile) Owned() bool {
	return p.UserID != ""
}

// Claimable reports whether a user other than the owner may take the profile
// over: it is unowned or its owner never signed up.
func (p StoredProfile) Claimable() bool {
	return !p.Owned() || p.OwnerAnonymous
}

// Context is the advisory result of classifying one upload. It is computed
// fresh per attempt and never persisted.
type Context struct {
	AccountID        string         `json:"accountId"`
	Scenario         Scenario       `json:"scenario"`
	UserProfile      *StoredProfile `json:"userProfile,omitempty"`
	TargetProfile    *StoredProfile `json:"targetProfile,omitempty"`
	IdentityMismatch bool           `json:"identityMismatch"`
}
