package models

import (
	"sort"
	"strings"
	"time"
)

// AlertIdentity is the dedup key of a broadcast alert.
type AlertIdentity string

// Alert sources recorded on AlertRecord.
const (
	AlertSourceFeed = "feed"
	AlertSourceDemo = "demo"
)

// BroadcastAlert is an inbound alarm event in canonical form.
// An empty Areas slice means the alert was broadcast without a location.
type BroadcastAlert struct {
	Areas       []string `json:"areas"`
	Category    string   `json:"category,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Identity returns the sorted, comma-joined areas followed by the title.
// The receiver's Areas slice is left untouched.
func (a BroadcastAlert) Identity() AlertIdentity {
	areas := make([]string, len(a.Areas))
	copy(areas, a.Areas)
	sort.Strings(areas)
	return AlertIdentity(strings.Join(areas, ",") + a.Title)
}

// Clone returns a copy that shares no backing storage with a. Areas of the
// copy is never nil, so an alert without areas serializes as [].
func (a BroadcastAlert) Clone() BroadcastAlert {
	c := a
	c.Areas = make([]string, len(a.Areas))
	copy(c.Areas, a.Areas)
	return c
}

// AlertRecord is an alert as retained in the bus history.
type AlertRecord struct {
	ID         string         `json:"id"`
	Alert      BroadcastAlert `json:"alert"`
	ReceivedAt time.Time      `json:"received_at"`
	Source     string         `json:"source"`
}
