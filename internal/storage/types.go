package storage

import (
	"time"
)

// Collection names one of the logical append-only collections.
type Collection string

const (
	Visitors    Collection = "visitors"
	Events      Collection = "events"
	Sessions    Collection = "sessions"
	Subscribers Collection = "subscribers"
)

// AllCollections lists every collection in export order.
var AllCollections = []Collection{Visitors, Subscribers, Events, Sessions}

// TimeLayout is ISO-8601 in UTC with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts any RFC 3339 timestamp, with or without fractions.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// VisitorRecord describes one page load. It is written once and never updated.
type VisitorRecord struct {
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
	URL       string `json:"url"`
	Referrer  string `json:"referrer"`
	UserAgent string `json:"userAgent"`
	Language  string `json:"language"`
	Screen    string `json:"screen"`
	Viewport  string `json:"viewport"`
	Timezone  string `json:"timezone"`
	Device    string `json:"device"`
	Browser   string `json:"browser"`
	OS        string `json:"os"`
	Country   string `json:"country,omitempty"`
}

// Event is a single tracked interaction.
type Event struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"sessionId"`
	Data      any    `json:"data"`
}

// SessionRecord is written once when a page load ends.
type SessionRecord struct {
	SessionID  string `json:"sessionId"`
	Duration   int64  `json:"duration"`
	EventCount int    `json:"eventCount"`
	Timestamp  string `json:"timestamp"`
}
