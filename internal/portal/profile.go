// Package portal implements the client side of the SEDA eATAP portal: an
// HTML-scraping adapter that presents the server-rendered profile pages as
// plain CRUD operations. The portal has no API; everything here exists to
// look like a browser session to it (cookies, CSRF tokens, form posts) while
// exposing flat field maps to the rest of the system. Raw markup never
// crosses the package boundary.
package portal

import (
	"fmt"
	"sort"
)

// EntityType selects which profile collection an operation targets. The
// values are the literal path segments the portal uses.
type EntityType string

const (
	Individuals EntityType = "individuals"
	Companies   EntityType = "companies"
)

// ParseEntityType maps user input onto a known collection.
func ParseEntityType(s string) (EntityType, error) {
	switch s {
	case "individuals", "individual":
		return Individuals, nil
	case "companies", "company":
		return Companies, nil
	default:
		return "", fmt.Errorf("unknown entity type %q (want individuals or companies)", s)
	}
}

// Individual profile field names as the portal's edit form declares them.
// The first block is the profile holder, the contact_* block is the
// secondary contact person.
var IndividualFields = []string{
	"salutation",
	"name",
	"mykad_passport",
	"email",
	"citizenship",
	"address_line_1",
	"address_line_2",
	"address_line_3",
	"postcode",
	"town",
	"state",
	"phone",
	"mobile",
	"contact_salutation",
	"contact_name",
	"contact_mykad_passport",
	"contact_relationship",
	"contact_citizenship",
	"contact_email",
	"contact_mobile",
	"contact_phone",
}

// FormSnapshot is the flat field→value mapping scraped from an edit page.
// It is the baseline for updates: the portal resets any field omitted from a
// submission, so the whole snapshot is always resent. Fields the scraper
// does not recognize are kept verbatim to survive form drift.
type FormSnapshot map[string]string

// Clone returns an independent copy.
func (s FormSnapshot) Clone() FormSnapshot {
	out := make(FormSnapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge overlays changes on top of the snapshot, returning a new snapshot.
func (s FormSnapshot) Merge(changes FormSnapshot) FormSnapshot {
	out := s.Clone()
	for k, v := range changes {
		out[k] = v
	}
	return out
}

// Names returns the field names in sorted order, for deterministic output.
func (s FormSnapshot) Names() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Profile is one portal entity. ID is empty until the portal assigns one
// (it never changes afterwards); Fields carries the flat taxonomy above.
type Profile struct {
	ID     string       `json:"id,omitempty"`
	Type   EntityType   `json:"type"`
	Fields FormSnapshot `json:"fields"`
}

// Summary is one row of the profiles listing page.
type Summary struct {
	ID                 string     `json:"id"`
	Type               EntityType `json:"type"`
	Name               string     `json:"name"`
	RegistrationNumber string     `json:"registration_number"`
	Category           string     `json:"category"`
	URL                string     `json:"url"`
}

// CreateResult is the outcome of a create call. The portal answers with a
// redirect; when the Location carries the new id we resolve it, otherwise
// the profile exists but its id must be recovered by a follow-up search.
// An id is never fabricated.
type CreateResult struct {
	Profile   *Profile `json:"profile,omitempty"`
	PendingID bool     `json:"pending_id,omitempty"`
	Location  string   `json:"location,omitempty"`
}
