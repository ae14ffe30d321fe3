package resolve

import (
	"errors"
	"fmt"
	"time"

	"github.com/Boe-Ventures/swipestats.io-sub000/internal/export"
)

var (
	ErrIdentityMismatch = errors.New("identity facts do not match the stored profile")
	ErrNeedsSignIn      = errors.New("sign in to upload this account")
	ErrOwnedByOther     = errors.New("account belongs to another user")
)

// ChronologyError blocks a merge whose incoming history ends before the
// history already on the profile.
type ChronologyError struct {
	Incoming time.Time
	Existing time.Time
}

func (e *ChronologyError) Error() string {
	return fmt.Sprintf("backward merge: incoming data ends %s, stored profile ends %s",
		e.Incoming.Format(time.DateOnly), e.Existing.Format(time.DateOnly))
}

// CheckChronology rejects a different_id merge when the incoming last
// activity day precedes the owned profile's. Overlapping windows pass.
func CheckChronology(uctx Context, facts export.IdentityFacts) error {
	if uctx.Scenario != ScenarioDifferentID || uctx.UserProfile == nil {
		return nil
	}
	incoming := export.Day(facts.LastActivityDay)
	existing := export.Day(uctx.UserProfile.LastDayOnApp)
	if incoming.Before(existing) {
		return &ChronologyError{Incoming: incoming, Existing: existing}
	}
	return nil
}

// Gate reports whether an upload may proceed to commit. It performs no I/O
// and must run before anything is staged.
func Gate(uctx Context, facts export.IdentityFacts) error {
	switch uctx.Scenario {
	case ScenarioUnresolved:
		return ErrUnresolvable
	case ScenarioNeedsSignin:
		return ErrNeedsSignIn
	case ScenarioOwnedByOther:
		return ErrOwnedByOther
	}
	if uctx.IdentityMismatch {
		return ErrIdentityMismatch
	}
	return CheckChronology(uctx, facts)
}
