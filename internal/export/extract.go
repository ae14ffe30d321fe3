package export

import (
	json "github.com/goccy/go-json"
)

// Detect guesses the provider from the shape of a raw export. Exports that
// match no provider fail with a ValidationError wrapping ErrUnknownProvider.
func Detect(raw []byte) (Provider, error) {
	var probe struct {
		User *struct {
			BirthDate *string `json:"birth_date"`
			Account   *struct {
				SignupTime *string `json:"signup_time"`
			} `json:"account"`
		} `json:"User"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", &ValidationError{Err: err}
	}
	switch {
	case probe.User == nil:
		return "", &ValidationError{MissingFields: []string{"User"}, Err: ErrUnknownProvider}
	case probe.User.BirthDate != nil:
		return ProviderTinder, nil
	case probe.User.Account != nil && probe.User.Account.SignupTime != nil:
		return ProviderHinge, nil
	default:
		// Neither identity field is present, so the provider cannot be told apart.
		return "", &ValidationError{
			MissingFields: []string{"User.birth_date", "User.account.signup_time"},
			Err:           ErrUnknownProvider,
		}
	}
}

// Extract detects the provider and extracts the export.
func Extract(raw []byte) (Result, error) {
	provider, err := Detect(raw)
	if err != nil {
		return Result{}, err
	}
	return ExtractAs(provider, raw)
}

// ExtractAs anonymizes a raw export of a known provider and derives its
// account id and identity facts. It performs no I/O.
func ExtractAs(provider Provider, raw []byte) (Result, error) {
	var (
		payload Payload
		err     error
	)
	switch provider {
	case ProviderTinder:
		payload, err = extractTinder(raw)
	case ProviderHinge:
		payload, err = extractHinge(raw)
	default:
		return Result{}, ErrUnknownProvider
	}
	if err != nil {
		return Result{}, err
	}
	return Derive(payload)
}

// Derive recomputes the account id and identity facts of a payload. The
// server calls it on staged payloads so client-supplied ids are never trusted.
func Derive(payload Payload) (Result, error) {
	var (
		accountID string
		facts     IdentityFacts
		err       error
	)
	switch payload.Provider {
	case ProviderTinder:
		if payload.Tinder == nil {
			return Result{}, &ValidationError{Provider: payload.Provider, Err: ErrEmptyPayload}
		}
		accountID, facts, err = deriveTinder(payload.Tinder)
	case ProviderHinge:
		if payload.Hinge == nil {
			return Result{}, &ValidationError{Provider: payload.Provider, Err: ErrEmptyPayload}
		}
		accountID, facts, err = deriveHinge(payload.Hinge)
	default:
		return Result{}, ErrUnknownProvider
	}
	if err != nil {
		return Result{}, err
	}
	payload.AccountID = accountID
	return Result{Payload: payload, Facts: facts}, nil
}

// DailyUsage summarises a payload's activity per day, oldest first.
func DailyUsage(payload Payload) []UsageDay {
	switch {
	case payload.Tinder != nil:
		return tinderUsage(payload.Tinder.Usage)
	case payload.Hinge != nil:
		return hingeUsage(payload.Hinge.Matches)
	default:
		return nil
	}
}
