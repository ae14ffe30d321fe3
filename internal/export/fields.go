package export

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123,
	time.RFC1123Z,
}

func parseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", value)
}

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SameDay reports whether a and b fall on the same UTC calendar day.
func SameDay(a, b time.Time) bool {
	return Day(a).Equal(Day(b))
}

func hashID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// Tag is a categorical value. Providers are inconsistent about whether these
// are strings, booleans or numbers, so all three decode to a string.
type Tag string

func (t *Tag) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*t = ""
	case string:
		*t = Tag(v)
	case bool:
		*t = Tag(strconv.FormatBool(v))
	case float64:
		*t = Tag(strconv.FormatFloat(v, 'f', -1, 64))
	default:
		*t = ""
	}
	return nil
}

// Tags is a list of categorical values; a single scalar decodes to one entry.
type Tags []string

func (t *Tags) UnmarshalJSON(data []byte) error {
	var list []Tag
	if err := json.Unmarshal(data, &list); err == nil {
		out := make(Tags, 0, len(list))
		for _, item := range list {
			if item != "" {
				out = append(out, string(item))
			}
		}
		*t = out
		return nil
	}
	var single Tag
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	if single == "" {
		*t = nil
		return nil
	}
	*t = Tags{string(single)}
	return nil
}

// PhotoList holds photo URLs. Exports list photos either as bare URL strings
// or as objects carrying a url field; anything else is dropped.
type PhotoList []string

func (p *PhotoList) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	out := make(PhotoList, 0, len(items))
	for _, item := range items {
		var url string
		if err := json.Unmarshal(item, &url); err == nil {
			if url != "" {
				out = append(out, url)
			}
			continue
		}
		var obj struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(item, &obj); err == nil && obj.URL != "" {
			out = append(out, obj.URL)
		}
	}
	*p = out
	return nil
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\(?\d[\d\s().\-]{6,}\d`)
)

const redacted = "[redacted]"

// scrubText removes contact details from free text written by the uploader.
// Digit runs only count as phone numbers from nine digits up.
func scrubText(value string) string {
	if value == "" {
		return value
	}
	value = emailPattern.ReplaceAllString(value, redacted)
	return phonePattern.ReplaceAllStringFunc(value, func(match string) string {
		digits := 0
		for _, r := range match {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits < 9 {
			return match
		}
		return redacted
	})
}
