package export

import (
	"sort"
	"time"

	json "github.com/goccy/go-json"
)

// HingeData is the allow-listed subset of a Hinge export, with the separate
// user, matches, prompts and media files combined under one object.
type HingeData struct {
	User    HingeUser     `json:"User"`
	Matches []HingeMatch  `json:"Matches,omitempty"`
	Prompts []HingePrompt `json:"Prompts,omitempty"`
	Media   []HingeMedia  `json:"Media,omitempty"`
}

// HingeUser drops the identity, location, device and install blocks.
type HingeUser struct {
	Account     HingeAccount      `json:"account"`
	Profile     HingeProfile      `json:"profile"`
	Preferences *HingePreferences `json:"preferences,omitempty"`
}

type HingeAccount struct {
	SignupTime      string `json:"signup_time"`
	LastPauseTime   string `json:"last_pause_time,omitempty"`
	LastUnpauseTime string `json:"last_unpause_time,omitempty"`
}

// HingeProfile drops first name, hometowns and social handles.
type HingeProfile struct {
	Age               int  `json:"age,omitempty"`
	HeightCentimeters int  `json:"height_centimeters,omitempty"`
	Gender            Tag  `json:"gender,omitempty"`
	GenderIdentity    Tag  `json:"gender_identity,omitempty"`
	Ethnicities       Tags `json:"ethnicities,omitempty"`
	Religions         Tags `json:"religions,omitempty"`
	JobTitle          Tag  `json:"job_title,omitempty"`
	Workplaces        Tags `json:"workplaces,omitempty"`
	EducationAttained Tag  `json:"education_attained,omitempty"`
	Languages         Tags `json:"languages_spoken,omitempty"`
	Smoking           Tag  `json:"smoking,omitempty"`
	Drinking          Tag  `json:"drinking,omitempty"`
	Marijuana         Tag  `json:"marijuana,omitempty"`
	Drugs             Tag  `json:"drugs,omitempty"`
	Children          Tag  `json:"children,omitempty"`
	FamilyPlans       Tag  `json:"family_plans,omitempty"`
	DatingIntention   Tag  `json:"dating_intention,omitempty"`
	RelationshipTypes Tags `json:"relationship_types,omitempty"`
}

type HingePreferences struct {
	DistanceMilesMax int  `json:"distance_miles_max,omitempty"`
	AgeMin           int  `json:"age_min,omitempty"`
	AgeMax           int  `json:"age_max,omitempty"`
	GenderPreference Tags `json:"gender_preference,omitempty"`
}

// HingeMatch is one interaction thread with another member.
type HingeMatch struct {
	Like  []HingeEvent `json:"like,omitempty"`
	Match []HingeEvent `json:"match,omitempty"`
	Chats []HingeChat  `json:"chats,omitempty"`
	Block []HingeEvent `json:"block,omitempty"`
	WeMet []HingeEvent `json:"we_met,omitempty"`
}

type HingeEvent struct {
	Timestamp string `json:"timestamp"`
	Type      Tag    `json:"type,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

type HingeChat struct {
	Body      string `json:"body"`
	Timestamp string `json:"timestamp"`
}

type HingePrompt struct {
	Prompt      string `json:"prompt"`
	Text        string `json:"text"`
	Created     string `json:"created,omitempty"`
	UserUpdated string `json:"user_updated,omitempty"`
}

type HingeMedia struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type hingeExport struct {
	User *struct {
		Account     *HingeAccount     `json:"account"`
		Profile     HingeProfile      `json:"profile"`
		Preferences *HingePreferences `json:"preferences"`
	} `json:"User"`
	Matches []HingeMatch  `json:"Matches"`
	Prompts []HingePrompt `json:"Prompts"`
	Media   []HingeMedia  `json:"Media"`
}

func extractHinge(raw []byte) (Payload, error) {
	var doc hingeExport
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Payload{}, &ValidationError{Provider: ProviderHinge, Err: err}
	}
	if doc.User == nil {
		return Payload{}, &ValidationError{Provider: ProviderHinge, MissingFields: []string{"User"}}
	}
	if doc.User.Account == nil {
		return Payload{}, &ValidationError{Provider: ProviderHinge, MissingFields: []string{"User.account"}}
	}

	matches := make([]HingeMatch, 0, len(doc.Matches))
	for _, m := range doc.Matches {
		matches = append(matches, HingeMatch{
			Like:  scrubEvents(m.Like),
			Match: scrubEvents(m.Match),
			Chats: scrubChats(m.Chats),
			Block: scrubEvents(m.Block),
			WeMet: scrubEvents(m.WeMet),
		})
	}

	prompts := make([]HingePrompt, 0, len(doc.Prompts))
	for _, p := range doc.Prompts {
		p.Text = scrubText(p.Text)
		prompts = append(prompts, p)
	}

	media := make([]HingeMedia, 0, len(doc.Media))
	for _, m := range doc.Media {
		if m.URL != "" {
			media = append(media, m)
		}
	}

	return Payload{
		Provider: ProviderHinge,
		Hinge: &HingeData{
			User: HingeUser{
				Account:     *doc.User.Account,
				Profile:     doc.User.Profile,
				Preferences: doc.User.Preferences,
			},
			Matches: matches,
			Prompts: prompts,
			Media:   media,
		},
	}, nil
}

func scrubEvents(events []HingeEvent) []HingeEvent {
	if len(events) == 0 {
		return nil
	}
	out := make([]HingeEvent, 0, len(events))
	for _, e := range events {
		e.Comment = scrubText(e.Comment)
		out = append(out, e)
	}
	return out
}

func scrubChats(chats []HingeChat) []HingeChat {
	if len(chats) == 0 {
		return nil
	}
	out := make([]HingeChat, 0, len(chats))
	for _, c := range chats {
		c.Body = scrubText(c.Body)
		out = append(out, c)
	}
	return out
}

func deriveHinge(data *HingeData) (string, IdentityFacts, error) {
	signup, err := parseTime(data.User.Account.SignupTime)
	if err != nil {
		return "", IdentityFacts{}, &ValidationError{Provider: ProviderHinge, MissingFields: []string{"User.account.signup_time"}}
	}

	first, last := Day(signup), Day(signup)
	days := activeHingeDays(data.Matches)
	if len(days) > 0 {
		first, last = days[0], days[len(days)-1]
	}

	facts := IdentityFacts{
		Kind:                  FactSignupTime,
		BirthDateOrSignupTime: signup,
		FirstActivityDay:      first,
		LastActivityDay:       last,
	}
	return hashID("hinge:", data.User.Account.SignupTime), facts, nil
}

func (m HingeMatch) timestamps() []string {
	var out []string
	for _, group := range [][]HingeEvent{m.Like, m.Match, m.Block, m.WeMet} {
		for _, e := range group {
			out = append(out, e.Timestamp)
		}
	}
	for _, c := range m.Chats {
		out = append(out, c.Timestamp)
	}
	return out
}

func activeHingeDays(matches []HingeMatch) []time.Time {
	seen := make(map[time.Time]struct{})
	for _, m := range matches {
		for _, ts := range m.timestamps() {
			parsed, err := parseTime(ts)
			if err != nil {
				continue
			}
			seen[Day(parsed)] = struct{}{}
		}
	}
	days := make([]time.Time, 0, len(seen))
	for day := range seen {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

func hingeUsage(matches []HingeMatch) []UsageDay {
	byDay := make(map[time.Time]*UsageDay)
	bump := func(ts string, apply func(*UsageDay)) {
		parsed, err := parseTime(ts)
		if err != nil {
			return
		}
		day := Day(parsed)
		entry, ok := byDay[day]
		if !ok {
			entry = &UsageDay{Day: day}
			byDay[day] = entry
		}
		apply(entry)
	}
	for _, m := range matches {
		for _, e := range m.Like {
			bump(e.Timestamp, func(d *UsageDay) { d.Likes++ })
		}
		for _, e := range m.Match {
			bump(e.Timestamp, func(d *UsageDay) { d.Matches++ })
		}
		for _, c := range m.Chats {
			bump(c.Timestamp, func(d *UsageDay) { d.MessagesSent++ })
		}
	}
	return sortedUsage(byDay)
}
