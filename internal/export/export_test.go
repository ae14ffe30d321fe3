package export

import (
	"errors"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tinderFixture = `{
	"User": {
		"birth_date": "1994-03-12T00:00:00.000Z",
		"create_date": "2019-06-01T18:11:37.000Z",
		"email": "someone@example.com",
		"full_name": "Jane Roe",
		"username": "janeroe",
		"phone_id": "+15551234567",
		"instagram": {"username": "janeroe"},
		"ip_address": "10.0.0.1",
		"gender": "F",
		"interested_in": "M",
		"age_filter_min": 27,
		"age_filter_max": 38,
		"bio": "coffee first. text me at jane@example.com or 555 123 4567",
		"city": {"name": "Oslo", "region": "Oslo"},
		"schools": [{"name": "University of Oslo"}],
		"jobs": [{"companyDisplayed": true, "company": {"name": "Acme"}, "titleDisplayed": true, "title": {"name": "Engineer"}}]
	},
	"Usage": {
		"app_opens": {"2019-06-01": 0, "2019-06-02": 4, "2024-05-30": 2},
		"swipes_likes": {"2019-06-02": 10, "2024-06-01": 3},
		"swipes_passes": {"2019-06-02": 30},
		"matches": {"2019-06-02": 1},
		"messages_sent": {},
		"messages_received": {},
		"advertising_id": {"2019-06-02": "abcd-efgh"}
	},
	"Messages": [
		{"match_id": "Match 1", "messages": [
			{"to": 1, "from": "You", "message": "call me on +47 912 34 567", "sent_date": "Sun, 02 Jun 2019 20:01:00 GMT"}
		]}
	],
	"Photos": ["https://images.example.com/1.jpg", {"url": "https://images.example.com/2.jpg"}],
	"Purchases": {"subscription": [{"product": "gold"}]}
}`

const hingeFixture = `{
	"User": {
		"account": {"signup_time": "2021-02-03 10:11:12.123", "last_seen": "2024-01-01 00:00:00"},
		"identity": {"phone_number": "+15550000000", "email": "x@example.com"},
		"profile": {
			"first_name": "Jane",
			"age": 29,
			"gender": "woman",
			"job_title": "Engineer",
			"workplaces": "Acme",
			"smoking": false,
			"languages_spoken": ["English", "Norwegian"],
			"hometowns": "Bergen"
		},
		"location": {"latitude": 59.9, "longitude": 10.7}
	},
	"Matches": [
		{
			"like": [{"timestamp": "2021-02-04 09:00:00", "comment": "reach me at me@example.com"}],
			"match": [{"timestamp": "2021-02-05 09:00:00"}],
			"chats": [{"body": "hi!", "timestamp": "2021-02-06 12:00:00"}]
		},
		{
			"block": [{"timestamp": "2023-11-20 08:00:00", "block_type": "remove"}]
		}
	],
	"Prompts": [{"id": 7, "prompt": "Typical Sunday", "text": "hiking", "created": "2021-02-03 10:20:00"}],
	"Media": [{"type": "photo", "url": "https://media.example.com/a.jpg"}, {"type": "photo", "url": ""}]
}`

func TestExtractTinderDropsIdentifiers(t *testing.T) {
	res, err := Extract([]byte(tinderFixture))
	require.NoError(t, err)

	assert.Equal(t, ProviderTinder, res.Payload.Provider)
	require.NotNil(t, res.Payload.Tinder)
	assert.Len(t, res.Payload.AccountID, 64)

	encoded, err := json.Marshal(res.Payload)
	require.NoError(t, err)
	body := string(encoded)
	for _, leaked := range []string{"someone@example.com", "Jane Roe", "janeroe", "+15551234567", "10.0.0.1", "University of Oslo", "abcd-efgh", "gold", "jane@example.com"} {
		assert.NotContains(t, body, leaked)
	}

	assert.Contains(t, res.Payload.Tinder.User.Bio, "coffee first.")
	assert.Contains(t, res.Payload.Tinder.User.Bio, "[redacted]")
	assert.NotContains(t, res.Payload.Tinder.User.Bio, "4567")
	assert.Equal(t, "call me on [redacted]", res.Payload.Tinder.Messages[0].Messages[0].Message)
	assert.Equal(t, PhotoList{"https://images.example.com/1.jpg", "https://images.example.com/2.jpg"}, res.Payload.Tinder.Photos)
	require.Len(t, res.Payload.Tinder.User.Jobs, 1)
}

func TestExtractTinderFacts(t *testing.T) {
	res, err := ExtractAs(ProviderTinder, []byte(tinderFixture))
	require.NoError(t, err)

	assert.Equal(t, FactBirthDate, res.Facts.Kind)
	assert.Equal(t, time.Date(1994, 3, 12, 0, 0, 0, 0, time.UTC), res.Facts.BirthDateOrSignupTime)
	assert.Equal(t, time.Date(2019, 6, 2, 0, 0, 0, 0, time.UTC), res.Facts.FirstActivityDay)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), res.Facts.LastActivityDay)
}

func TestExtractIsDeterministic(t *testing.T) {
	first, err := Extract([]byte(tinderFixture))
	require.NoError(t, err)
	second, err := Extract([]byte(tinderFixture))
	require.NoError(t, err)
	assert.Equal(t, first.Payload.AccountID, second.Payload.AccountID)
	assert.Equal(t, first.Payload, second.Payload)
}

func TestAccountIDSurvivesLaterReexport(t *testing.T) {
	original, err := Extract([]byte(tinderFixture))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(tinderFixture), &doc))
	usage := doc["Usage"].(map[string]any)
	usage["app_opens"].(map[string]any)["2024-09-01"] = 5
	doc["Spotify"] = map[string]any{"spotify_connected": false}
	later, err := json.Marshal(doc)
	require.NoError(t, err)

	reexported, err := Extract(later)
	require.NoError(t, err)
	assert.Equal(t, original.Payload.AccountID, reexported.Payload.AccountID)
	assert.True(t, reexported.Facts.LastActivityDay.After(original.Facts.LastActivityDay))
}

func TestExtractTinderMissingSections(t *testing.T) {
	_, err := ExtractAs(ProviderTinder, []byte(`{"Messages": []}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"User", "Usage"}, verr.MissingFields)
}

func TestExtractTinderUnparseableBirthDate(t *testing.T) {
	raw := `{"User": {"birth_date": "soon", "create_date": "2019-06-01T18:11:37.000Z"}, "Usage": {}}`
	_, err := ExtractAs(ProviderTinder, []byte(raw))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"User.birth_date"}, verr.MissingFields)
}

func TestExtractMalformedJSON(t *testing.T) {
	_, err := ExtractAs(ProviderHinge, []byte(`{"User": `))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Error(t, verr.Err)
	assert.Contains(t, verr.Error(), "invalid hinge export")
}

func TestExtractHinge(t *testing.T) {
	res, err := Extract([]byte(hingeFixture))
	require.NoError(t, err)
	require.NotNil(t, res.Payload.Hinge)
	assert.Equal(t, ProviderHinge, res.Payload.Provider)

	encoded, err := json.Marshal(res.Payload)
	require.NoError(t, err)
	body := string(encoded)
	for _, leaked := range []string{"Jane", "+15550000000", "x@example.com", "Bergen", "59.9", "me@example.com"} {
		assert.NotContains(t, body, leaked)
	}

	profile := res.Payload.Hinge.User.Profile
	assert.Equal(t, Tag("false"), profile.Smoking)
	assert.Equal(t, Tags{"Acme"}, profile.Workplaces)
	assert.Equal(t, Tags{"English", "Norwegian"}, profile.Languages)
	assert.Len(t, res.Payload.Hinge.Media, 1)
	assert.Equal(t, "reach me at [redacted]", res.Payload.Hinge.Matches[0].Like[0].Comment)

	assert.Equal(t, FactSignupTime, res.Facts.Kind)
	assert.Equal(t, time.Date(2021, 2, 4, 0, 0, 0, 0, time.UTC), res.Facts.FirstActivityDay)
	assert.Equal(t, time.Date(2023, 11, 20, 0, 0, 0, 0, time.UTC), res.Facts.LastActivityDay)
	assert.True(t, SameDay(res.Facts.BirthDateOrSignupTime, time.Date(2021, 2, 3, 23, 0, 0, 0, time.UTC)))
}

func TestExtractHingeMissingSignup(t *testing.T) {
	_, err := ExtractAs(ProviderHinge, []byte(`{"User": {"account": {}}}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"User.account.signup_time"}, verr.MissingFields)
}

func TestDetect(t *testing.T) {
	provider, err := Detect([]byte(tinderFixture))
	require.NoError(t, err)
	assert.Equal(t, ProviderTinder, provider)

	provider, err = Detect([]byte(hingeFixture))
	require.NoError(t, err)
	assert.Equal(t, ProviderHinge, provider)

	_, err = Detect([]byte(`{"Something": {}}`))
	assert.True(t, errors.Is(err, ErrUnknownProvider))
}

func TestExtractUnrecognizedExportIsValidationError(t *testing.T) {
	cases := map[string]struct {
		raw     string
		missing []string
	}{
		"no user section": {
			raw:     `{"Usage": {}}`,
			missing: []string{"User"},
		},
		"no identity field": {
			raw:     `{"User": {"create_date": "2019-06-01T18:11:37.000Z"}, "Usage": {}}`,
			missing: []string{"User.birth_date", "User.account.signup_time"},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Extract([]byte(tc.raw))
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.missing, verr.MissingFields)
			assert.ErrorIs(t, err, ErrUnknownProvider)
			assert.Contains(t, err.Error(), "invalid export: missing")
		})
	}
}

func TestDeriveMatchesExtractAfterTransport(t *testing.T) {
	res, err := Extract([]byte(hingeFixture))
	require.NoError(t, err)

	encoded, err := json.Marshal(res.Payload)
	require.NoError(t, err)
	var decoded Payload
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	decoded.AccountID = "forged"

	derived, err := Derive(decoded)
	require.NoError(t, err)
	assert.Equal(t, res.Payload.AccountID, derived.Payload.AccountID)
	assert.Equal(t, res.Facts, derived.Facts)
}

func TestDailyUsage(t *testing.T) {
	res, err := Extract([]byte(tinderFixture))
	require.NoError(t, err)

	days := DailyUsage(res.Payload)
	require.Len(t, days, 3)
	assert.Equal(t, UsageDay{
		Day:      time.Date(2019, 6, 2, 0, 0, 0, 0, time.UTC),
		AppOpens: 4,
		Likes:    10,
		Passes:   30,
		Matches:  1,
	}, days[0])

	hinge, err := Extract([]byte(hingeFixture))
	require.NoError(t, err)
	hingeDays := DailyUsage(hinge.Payload)
	require.Len(t, hingeDays, 3)
	assert.Equal(t, 1, hingeDays[0].Likes)
	assert.Equal(t, 1, hingeDays[2].MessagesSent)
}

func TestScrubTextKeepsShortNumbers(t *testing.T) {
	assert.Equal(t, "meet at 19:30 on 2024-06-01", scrubText("meet at 19:30 on 2024-06-01"))
	assert.True(t, strings.HasSuffix(scrubText("ring 0047 912 34 567"), redacted))
}
