// Package consent redacts optional data categories from anonymized payloads
// before they leave the uploader's machine.
package consent

import (
	"errors"

	"github.com/Boe-Ventures/swipestats.io-sub000/internal/export"
)

// State is what the uploader agreed to share for one upload session.
type State struct {
	Terms  bool `json:"terms"`
	Photos bool `json:"photos"`
	Work   bool `json:"work"`
}

// ErrTermsNotAccepted is returned when an upload is attempted without
// accepting the terms.
var ErrTermsNotAccepted = errors.New("terms must be accepted before uploading")

// Redact returns a copy of p without the categories c does not allow.
// The input payload is never modified.
func Redact(p export.Payload, c State) export.Payload {
	if p.Tinder != nil {
		data := *p.Tinder
		if !c.Photos {
			data.Photos = nil
		}
		if !c.Work {
			data.User.Jobs = nil
		}
		p.Tinder = &data
	}
	if p.Hinge != nil {
		data := *p.Hinge
		if !c.Photos {
			data.Media = nil
		}
		if !c.Work {
			data.User.Profile.JobTitle = ""
			data.User.Profile.Workplaces = nil
		}
		p.Hinge = &data
	}
	return p
}

// DropBrokenPhotos returns a copy of p without the given photo URLs, which
// the preview reported as unreachable.
func DropBrokenPhotos(p export.Payload, broken []string) export.Payload {
	if len(broken) == 0 {
		return p
	}
	skip := make(map[string]struct{}, len(broken))
	for _, url := range broken {
		skip[url] = struct{}{}
	}

	if p.Tinder != nil && len(p.Tinder.Photos) > 0 {
		data := *p.Tinder
		kept := make(export.PhotoList, 0, len(data.Photos))
		for _, url := range data.Photos {
			if _, ok := skip[url]; !ok {
				kept = append(kept, url)
			}
		}
		data.Photos = kept
		p.Tinder = &data
	}
	if p.Hinge != nil && len(p.Hinge.Media) > 0 {
		data := *p.Hinge
		kept := make([]export.HingeMedia, 0, len(data.Media))
		for _, m := range data.Media {
			if _, ok := skip[m.URL]; !ok {
				kept = append(kept, m)
			}
		}
		data.Media = kept
		p.Hinge = &data
	}
	return p
}

// Apply runs both filters in the order used before staging a payload.
func Apply(p export.Payload, c State, broken []string) export.Payload {
	return DropBrokenPhotos(Redact(p, c), broken)
}
