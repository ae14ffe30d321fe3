// Package export turns raw dating-app data exports into anonymized payloads.
//
// Extraction is an allow-list transform: every provider export is decoded into
// typed structs that only declare the fields considered anonymous statistical
// data, so anything the provider adds later is dropped rather than forwarded.
package export

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider names the dating app an export came from.
type Provider string

const (
	ProviderTinder Provider = "tinder"
	ProviderHinge  Provider = "hinge"
)

// ParseProvider normalizes a provider name.
func ParseProvider(value string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(value))) {
	case ProviderTinder:
		return ProviderTinder, nil
	case ProviderHinge:
		return ProviderHinge, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, value)
	}
}

// FactKind records what the identity timestamp of an export represents.
type FactKind string

const (
	FactBirthDate  FactKind = "birth_date"
	FactSignupTime FactKind = "signup_time"
)

// IdentityFacts are derived from a payload and only used for comparison
// against an already stored profile.
type IdentityFacts struct {
	Kind                  FactKind  `json:"kind"`
	BirthDateOrSignupTime time.Time `json:"birthDateOrSignupTime"`
	FirstActivityDay      time.Time `json:"firstActivityDay"`
	LastActivityDay       time.Time `json:"lastActivityDay"`
}

// Payload is an anonymized export. Exactly one of Tinder or Hinge is set,
// matching Provider.
type Payload struct {
	Provider  Provider    `json:"provider"`
	AccountID string      `json:"accountId"`
	Tinder    *TinderData `json:"tinder,omitempty"`
	Hinge     *HingeData  `json:"hinge,omitempty"`
}

// Result is the output of an extraction.
type Result struct {
	Payload Payload
	Facts   IdentityFacts
}

// UsageDay summarises one calendar day of activity.
type UsageDay struct {
	Day              time.Time
	AppOpens         int
	Likes            int
	Passes           int
	Superlikes       int
	Matches          int
	MessagesSent     int
	MessagesReceived int
}

// ValidationError reports a raw export that cannot be turned into a payload.
// Required values that are present but unparseable are listed as missing.
type ValidationError struct {
	Provider      Provider
	MissingFields []string
	Err           error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	prefix := "invalid export"
	if e.Provider != "" {
		prefix = fmt.Sprintf("invalid %s export", e.Provider)
	}
	if len(e.MissingFields) > 0 {
		return fmt.Sprintf("%s: missing %s", prefix, strings.Join(e.MissingFields, ", "))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return prefix
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

var (
	// ErrUnknownProvider indicates the export shape matches no supported provider.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrEmptyPayload indicates a payload without provider data.
	ErrEmptyPayload = errors.New("payload has no provider data")
)
