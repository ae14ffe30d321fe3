package export

import (
	"sort"
	"time"

	json "github.com/goccy/go-json"
)

// TinderData is the allow-listed subset of a Tinder data.json export.
type TinderData struct {
	User     TinderUser           `json:"User"`
	Usage    TinderUsage          `json:"Usage"`
	Messages []TinderConversation `json:"Messages,omitempty"`
	Photos   PhotoList            `json:"Photos,omitempty"`
}

// TinderUser keeps demographics, filters and the uploader's own bio.
// Name, email, username, phone, instagram, schools and position are dropped.
type TinderUser struct {
	BirthDate    string      `json:"birth_date"`
	CreateDate   string      `json:"create_date"`
	ActiveTime   string      `json:"active_time,omitempty"`
	Gender       Tag         `json:"gender,omitempty"`
	GenderFilter Tag         `json:"gender_filter,omitempty"`
	InterestedIn Tag         `json:"interested_in,omitempty"`
	AgeFilterMin int         `json:"age_filter_min,omitempty"`
	AgeFilterMax int         `json:"age_filter_max,omitempty"`
	Education    Tag         `json:"education,omitempty"`
	Bio          string      `json:"bio,omitempty"`
	City         *TinderCity `json:"city,omitempty"`
	Jobs         []TinderJob `json:"jobs,omitempty"`
}

type TinderCity struct {
	Name   string `json:"name,omitempty"`
	Region string `json:"region,omitempty"`
}

type TinderJob struct {
	CompanyDisplayed bool         `json:"companyDisplayed"`
	Company          *TinderNamed `json:"company,omitempty"`
	TitleDisplayed   bool         `json:"titleDisplayed"`
	Title            *TinderNamed `json:"title,omitempty"`
}

type TinderNamed struct {
	Name string `json:"name"`
}

// DailyCounts maps a YYYY-MM-DD day to a count.
type DailyCounts map[string]int

// TinderUsage keeps the per-day counters. Advertising identifiers that Tinder
// files under Usage are not declared and therefore never decoded.
type TinderUsage struct {
	AppOpens         DailyCounts `json:"app_opens,omitempty"`
	SwipesLikes      DailyCounts `json:"swipes_likes,omitempty"`
	SwipesPasses     DailyCounts `json:"swipes_passes,omitempty"`
	Superlikes       DailyCounts `json:"superlikes,omitempty"`
	Matches          DailyCounts `json:"matches,omitempty"`
	MessagesSent     DailyCounts `json:"messages_sent,omitempty"`
	MessagesReceived DailyCounts `json:"messages_received,omitempty"`
}

type TinderConversation struct {
	MatchID  string          `json:"match_id"`
	Messages []TinderMessage `json:"messages,omitempty"`
}

type TinderMessage struct {
	To       int    `json:"to"`
	From     string `json:"from"`
	Message  string `json:"message"`
	SentDate string `json:"sent_date"`
}

type tinderExport struct {
	User     *TinderUser          `json:"User"`
	Usage    *TinderUsage         `json:"Usage"`
	Messages []TinderConversation `json:"Messages"`
	Photos   PhotoList            `json:"Photos"`
}

func extractTinder(raw []byte) (Payload, error) {
	var doc tinderExport
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Payload{}, &ValidationError{Provider: ProviderTinder, Err: err}
	}

	var missing []string
	if doc.User == nil {
		missing = append(missing, "User")
	}
	if doc.Usage == nil {
		missing = append(missing, "Usage")
	}
	if len(missing) > 0 {
		return Payload{}, &ValidationError{Provider: ProviderTinder, MissingFields: missing}
	}

	user := *doc.User
	user.Bio = scrubText(user.Bio)

	conversations := make([]TinderConversation, 0, len(doc.Messages))
	for _, conv := range doc.Messages {
		messages := make([]TinderMessage, 0, len(conv.Messages))
		for _, msg := range conv.Messages {
			msg.Message = scrubText(msg.Message)
			messages = append(messages, msg)
		}
		conversations = append(conversations, TinderConversation{MatchID: conv.MatchID, Messages: messages})
	}

	return Payload{
		Provider: ProviderTinder,
		Tinder: &TinderData{
			User:     user,
			Usage:    *doc.Usage,
			Messages: conversations,
			Photos:   doc.Photos,
		},
	}, nil
}

func deriveTinder(data *TinderData) (string, IdentityFacts, error) {
	var missing []string
	birth, err := parseTime(data.User.BirthDate)
	if err != nil {
		missing = append(missing, "User.birth_date")
	}
	created, err := parseTime(data.User.CreateDate)
	if err != nil {
		missing = append(missing, "User.create_date")
	}
	if len(missing) > 0 {
		return "", IdentityFacts{}, &ValidationError{Provider: ProviderTinder, MissingFields: missing}
	}

	first, last := Day(created), Day(created)
	days := activeTinderDays(data.Usage)
	if len(days) > 0 {
		first, last = days[0], days[len(days)-1]
	}

	facts := IdentityFacts{
		Kind:                  FactBirthDate,
		BirthDateOrSignupTime: Day(birth),
		FirstActivityDay:      first,
		LastActivityDay:       last,
	}
	return hashID(data.User.BirthDate, data.User.CreateDate), facts, nil
}

func (u TinderUsage) series() []DailyCounts {
	return []DailyCounts{u.AppOpens, u.SwipesLikes, u.SwipesPasses, u.Superlikes, u.Matches, u.MessagesSent, u.MessagesReceived}
}

// activeTinderDays returns the sorted days with any non-zero counter.
// Tinder pads every day since signup with zeros, so those do not count.
func activeTinderDays(usage TinderUsage) []time.Time {
	seen := make(map[time.Time]struct{})
	for _, counts := range usage.series() {
		for key, count := range counts {
			if count <= 0 {
				continue
			}
			day, err := parseTime(key)
			if err != nil {
				continue
			}
			seen[Day(day)] = struct{}{}
		}
	}
	days := make([]time.Time, 0, len(seen))
	for day := range seen {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

func tinderUsage(usage TinderUsage) []UsageDay {
	byDay := make(map[time.Time]*UsageDay)
	add := func(counts DailyCounts, apply func(*UsageDay, int)) {
		for key, count := range counts {
			if count <= 0 {
				continue
			}
			parsed, err := parseTime(key)
			if err != nil {
				continue
			}
			day := Day(parsed)
			entry, ok := byDay[day]
			if !ok {
				entry = &UsageDay{Day: day}
				byDay[day] = entry
			}
			apply(entry, count)
		}
	}
	add(usage.AppOpens, func(d *UsageDay, n int) { d.AppOpens += n })
	add(usage.SwipesLikes, func(d *UsageDay, n int) { d.Likes += n })
	add(usage.SwipesPasses, func(d *UsageDay, n int) { d.Passes += n })
	add(usage.Superlikes, func(d *UsageDay, n int) { d.Superlikes += n })
	add(usage.Matches, func(d *UsageDay, n int) { d.Matches += n })
	add(usage.MessagesSent, func(d *UsageDay, n int) { d.MessagesSent += n })
	add(usage.MessagesReceived, func(d *UsageDay, n int) { d.MessagesReceived += n })
	return sortedUsage(byDay)
}

func sortedUsage(byDay map[time.Time]*UsageDay) []UsageDay {
	out := make([]UsageDay, 0, len(byDay))
	for _, entry := range byDay {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out
}
