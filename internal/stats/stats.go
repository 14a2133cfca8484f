// Package stats derives aggregate statistics from the stored collections.
// It only reads; computing a snapshot twice without intervening writes
// yields the same result.
package stats

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/dustin/Landingstat/internal/storage"
)

// RecentLimit is how many visitors RecentVisitors holds at most.
const RecentLimit = 5

// RecentTimeLayout formats RecentVisitor.Time.
const RecentTimeLayout = "2006-01-02 15:04:05"

const unknownTag = "Unknown"

// Source reads a collection. *storage.Storage implements it.
type Source interface {
	Collection(ctx context.Context, c storage.Collection) ([]json.RawMessage, error)
}

// Snapshot is the result of Compute.
type Snapshot struct {
	TotalVisitors         int             `json:"totalVisitors"`
	TodayVisitors         int             `json:"todayVisitors"`
	TotalSubscribers      int             `json:"totalSubscribers"`
	ConversionRate        string          `json:"conversionRate"`
	AvgSessionTimeSeconds int64           `json:"avgSessionTimeSeconds"`
	TotalEvents           int             `json:"totalEvents"`
	DeviceBreakdown       map[string]int  `json:"deviceBreakdown"`
	BrowserBreakdown      map[string]int  `json:"browserBreakdown"`
	OSBreakdown           map[string]int  `json:"osBreakdown"`
	RecentVisitors        []RecentVisitor `json:"recentVisitors"`
}

// RecentVisitor is the projection of a visitor shown in recency lists.
type RecentVisitor struct {
	Time     string `json:"time"`
	Device   string `json:"device"`
	Referrer string `json:"referrer"`
}

// Aggregator computes snapshots over a Source.
type Aggregator struct {
	src Source
	loc *time.Location
	now func() time.Time
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithLocation sets the zone used for "today" and for formatting times.
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) {
		if loc != nil {
			a.loc = loc
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// New returns an Aggregator reading from src.
func New(src Source, opts ...Option) *Aggregator {
	a := &Aggregator{src: src, loc: time.Local, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Compute reads all collections and reduces them to a Snapshot. Only read
// failures from the store are returned.
func (a *Aggregator) Compute(ctx context.Context) (Snapshot, error) {
	visitorsRaw, err := a.src.Collection(ctx, storage.Visitors)
	if err != nil {
		return Snapshot{}, err
	}
	subscribers, err := a.src.Collection(ctx, storage.Subscribers)
	if err != nil {
		return Snapshot{}, err
	}
	events, err := a.src.Collection(ctx, storage.Events)
	if err != nil {
		return Snapshot{}, err
	}
	sessionsRaw, err := a.src.Collection(ctx, storage.Sessions)
	if err != nil {
		return Snapshot{}, err
	}

	visitors := decodeVisitors(visitorsRaw)
	durations := sessionDurations(sessionsRaw)

	snap := Snapshot{
		TotalVisitors:         len(visitors),
		TodayVisitors:         countOnDay(visitors, a.now(), a.loc),
		TotalSubscribers:      len(subscribers),
		ConversionRate:        ConversionRate(len(subscribers), len(visitors)),
		AvgSessionTimeSeconds: AvgSessionSeconds(durations),
		TotalEvents:           len(events),
		DeviceBreakdown:       breakdown(visitors, func(v storage.VisitorRecord) string { return v.Device }),
		BrowserBreakdown:      breakdown(visitors, func(v storage.VisitorRecord) string { return v.Browser }),
		OSBreakdown:           breakdown(visitors, func(v storage.VisitorRecord) string { return v.OS }),
		RecentVisitors:        recent(visitors, RecentLimit, a.loc),
	}
	return snap, nil
}

// ConversionRate is subscribers per visitor in percent with one decimal,
// or "0" when there are no visitors.
func ConversionRate(subscribers, visitors int) string {
	if visitors <= 0 {
		return "0"
	}
	rate := float64(subscribers) / float64(visitors) * 100
	// Ties round away from zero: 1 of 400 is "0.3", not "0.2".
	return strconv.FormatFloat(math.Round(rate*10)/10, 'f', 1, 64)
}

// AvgSessionSeconds is the mean of durations, given in milliseconds,
// rounded to whole seconds. It is 0 without sessions.
func AvgSessionSeconds(durations []float64) int64 {
	if len(durations) == 0 {
		return 0
	}
	var total float64
	for _, d := range durations {
		total += d
	}
	return int64(math.Round(total / float64(len(durations)) / 1000))
}

// decodeVisitors keeps one entry per stored record so totals match the
// collection length; undecodable records become zero values.
func decodeVisitors(raw []json.RawMessage) []storage.VisitorRecord {
	out := make([]storage.VisitorRecord, len(raw))
	for i, r := range raw {
		_ = json.Unmarshal(r, &out[i])
	}
	return out
}

// sessionDurations reads the raw duration numbers. Imported data may carry
// fractional milliseconds, which are kept.
func sessionDurations(raw []json.RawMessage) []float64 {
	out := make([]float64, len(raw))
	for i, r := range raw {
		var s struct {
			Duration float64 `json:"duration"`
		}
		_ = json.Unmarshal(r, &s)
		out[i] = s.Duration
	}
	return out
}

func countOnDay(visitors []storage.VisitorRecord, now time.Time, loc *time.Location) int {
	y, m, d := now.In(loc).Date()
	n := 0
	for _, v := range visitors {
		ts, err := storage.ParseTime(v.Timestamp)
		if err != nil {
			continue
		}
		vy, vm, vd := ts.In(loc).Date()
		if vy == y && vm == m && vd == d {
			n++
		}
	}
	return n
}

func breakdown(visitors []storage.VisitorRecord, key func(storage.VisitorRecord) string) map[string]int {
	out := make(map[string]int)
	for _, v := range visitors {
		k := key(v)
		if k == "" {
			k = unknownTag
		}
		out[k]++
	}
	return out
}

// recent projects the last n visitors, oldest first.
func recent(visitors []storage.VisitorRecord, n int, loc *time.Location) []RecentVisitor {
	start := len(visitors) - n
	if start < 0 {
		start = 0
	}
	out := make([]RecentVisitor, 0, len(visitors)-start)
	for _, v := range visitors[start:] {
		when := v.Timestamp
		if ts, err := storage.ParseTime(v.Timestamp); err == nil {
			when = ts.In(loc).Format(RecentTimeLayout)
		}
		referrer := v.Referrer
		if referrer == "" {
			referrer = "direct"
		}
		out = append(out, RecentVisitor{Time: when, Device: v.Device, Referrer: referrer})
	}
	return out
}
