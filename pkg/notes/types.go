// Package notes defines the release description request that a client sends
// once per session, and the rules for accepting it.
package notes

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Audience is who the generated notes are written for.
type Audience string

const (
	AudienceNonTechnical   Audience = "NonTechnical"
	AudienceProjectManager Audience = "ProjectManager"
	AudienceTechnical      Audience = "Technical"
)

// Valid reports whether a is one of the known audiences.
func (a Audience) Valid() bool {
	switch a {
	case AudienceNonTechnical, AudienceProjectManager, AudienceTechnical:
		return true
	}
	return false
}

func (a *Audience) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("target audience: %w", err)
	}
	candidate := Audience(raw)
	if !candidate.Valid() {
		return fmt.Errorf("unknown target audience %q", raw)
	}
	*a = candidate
	return nil
}

const dateLayout = "2006-01-02"

// ReleaseDate is a calendar date encoded as YYYY-MM-DD.
type ReleaseDate struct {
	time.Time
}

// NewReleaseDate builds a date at midnight UTC.
func NewReleaseDate(year int, month time.Month, day int) ReleaseDate {
	return ReleaseDate{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func (d ReleaseDate) String() string {
	return d.Format(dateLayout)
}

func (d ReleaseDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *ReleaseDate) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("release date: %w", err)
	}
	parsed, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("release date: %w", err)
	}
	d.Time = parsed
	return nil
}

// Ticket is one tracked change that the notes should mention.
type Ticket struct {
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

// Request is the single message a client sends after opening a session.
type Request struct {
	RepoLink       string      `json:"repo_link"`
	ProductName    string      `json:"product_name"`
	ReleaseTag     string      `json:"release_tag"`
	PrevReleaseTag string      `json:"prev_release_tag"`
	ReleaseDate    ReleaseDate `json:"release_date"`
	TargetAudience Audience    `json:"target_audience"`
	Tickets        []Ticket    `json:"tickets"`
}
