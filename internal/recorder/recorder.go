// Package recorder turns the lifecycle signals of one page load into visitor,
// event and session records.
//
// A Recorder is the per-page-load context object: it is created when the page
// loads, owns the session id and start time, and is handed every subsequent
// signal for that page. Storage failures never escape a Recorder; they are
// logged and counted, and the page keeps being tracked.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dustin/Landingstat/internal/fingerprint"
	"github.com/dustin/Landingstat/internal/storage"
)

// Event types written by the recorder.
const (
	EventPageView         = "page_view"
	EventPageExit         = "page_exit"
	EventPageHidden       = "page_hidden"
	EventPageVisible      = "page_visible"
	EventScrollDepth      = "scroll_depth"
	EventScrollPosition   = "scroll_position"
	EventFormClick        = "form_click"
	EventInputFocus       = "input_focus"
	EventFormSubmit       = "form_submit"
	EventFeatureCardClick = "feature_card_click"
)

// DefaultScrollDebounce is the quiescence window of the scroll sampler.
const DefaultScrollDebounce = 150 * time.Millisecond

// Sink is the durable side of the recorder. *storage.Storage implements it.
type Sink interface {
	Append(ctx context.Context, c storage.Collection, record any) error
}

// Observer is notified of recorder activity, typically to update metrics.
type Observer interface {
	EventRecorded(eventType string)
	StorageFailed(c storage.Collection)
}

type noopObserver struct{}

func (noopObserver) EventRecorded(string)             {}
func (noopObserver) StorageFailed(storage.Collection) {}

// Environment is what the page reports about itself and its browser when it
// loads.
type Environment struct {
	URL            string `json:"url"`
	Referrer       string `json:"referrer"`
	UserAgent      string `json:"userAgent"`
	Platform       string `json:"platform"`
	Language       string `json:"language"`
	ScreenWidth    int    `json:"screenWidth"`
	ScreenHeight   int    `json:"screenHeight"`
	ViewportWidth  int    `json:"viewportWidth"`
	ViewportHeight int    `json:"viewportHeight"`
	Timezone       string `json:"timezone"`

	// Country is filled in server side from the client address.
	Country string `json:"-"`
}

// Options configures a Recorder. The zero value is usable.
type Options struct {
	// SessionID overrides the generated session id.
	SessionID string
	Now       func() time.Time
	// ScrollDebounce is the sampler's quiescence window. Zero selects
	// DefaultScrollDebounce; a negative value samples on every signal.
	ScrollDebounce time.Duration
	Observer       Observer
	Logger         *slog.Logger
}

// Recorder records one page load.
type Recorder struct {
	mu sync.Mutex

	sink      Sink
	env       Environment
	sessionID string
	start     time.Time
	now       func() time.Time
	observer  Observer
	logger    *slog.Logger

	events       []storage.Event
	visitor      storage.VisitorRecord
	session      storage.SessionRecord
	visited      bool
	ended        bool
	lastActivity time.Time

	scroll scrollState
}

// NewSessionID returns a fresh opaque session id. UUIDv7 embeds the creation
// time followed by random bits.
func NewSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// New creates a Recorder for a page load starting now.
func New(sink Sink, env Environment, opts Options) *Recorder {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := opts.ScrollDebounce
	if debounce == 0 {
		debounce = DefaultScrollDebounce
	}

	start := now()
	r := &Recorder{
		sink:         sink,
		env:          env,
		sessionID:    sessionID,
		start:        start,
		now:          now,
		observer:     observer,
		logger:       logger.With("session", sessionID),
		lastActivity: start,
		scroll:       scrollState{recorded: make(map[int]bool, len(Milestones))},
	}
	r.scroll.sampler = NewDebouncer(debounce, r.sampleScrollPosition)
	return r
}

// SessionID returns the id joining this page load's records.
func (r *Recorder) SessionID() string {
	return r.sessionID
}

// StartTime returns when the page load started.
func (r *Recorder) StartTime() time.Time {
	return r.start
}

// LastActivity returns the time of the most recent recorded event.
func (r *Recorder) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Ended reports whether RecordSessionEnd has run.
func (r *Recorder) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// Events returns a copy of the in-memory event buffer.
func (r *Recorder) Events() []storage.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]storage.Event, len(r.events))
	copy(out, r.events)
	return out
}

// RecordVisit writes the VisitorRecord for this page load and a page_view
// event carrying it. Only the first call has an effect.
func (r *Recorder) RecordVisit(ctx context.Context) storage.VisitorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.visited {
		return r.visitor
	}
	r.visited = true

	fp := fingerprint.Resolve(r.env.ViewportWidth, r.env.Platform, r.env.UserAgent)
	referrer := r.env.Referrer
	if referrer == "" {
		referrer = "direct"
	}
	v := storage.VisitorRecord{
		SessionID: r.sessionID,
		Timestamp: storage.FormatTime(r.now()),
		URL:       r.env.URL,
		Referrer:  referrer,
		UserAgent: r.env.UserAgent,
		Language:  r.env.Language,
		Screen:    fmt.Sprintf("%dx%d", r.env.ScreenWidth, r.env.ScreenHeight),
		Viewport:  fmt.Sprintf("%dx%d", r.env.ViewportWidth, r.env.ViewportHeight),
		Timezone:  r.env.Timezone,
		Device:    string(fp.Device),
		Browser:   string(fp.Browser),
		OS:        string(fp.OS),
		Country:   r.env.Country,
	}
	r.visitor = v

	if err := r.sink.Append(ctx, storage.Visitors, v); err != nil {
		r.storageFailed(storage.Visitors, err)
	}
	r.recordLocked(ctx, EventPageView, v)

	r.logger.Info("new visitor tracked",
		"device", v.Device, "browser", v.Browser, "os", v.OS, "referrer", v.Referrer)
	return v
}

// RecordEvent appends an event to the in-memory buffer and the durable event
// collection. The returned event is the one accepted.
func (r *Recorder) RecordEvent(ctx context.Context, eventType string, data any) storage.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordLocked(ctx, eventType, data)
}

func (r *Recorder) recordLocked(ctx context.Context, eventType string, data any) storage.Event {
	now := r.now()
	ev := storage.Event{
		Type:      eventType,
		Timestamp: storage.FormatTime(now),
		SessionID: r.sessionID,
		Data:      data,
	}
	r.events = append(r.events, ev)
	r.lastActivity = now

	if err := r.sink.Append(ctx, storage.Events, ev); err != nil {
		r.storageFailed(storage.Events, err)
	}
	r.observer.EventRecorded(eventType)
	return ev
}

func (r *Recorder) storageFailed(c storage.Collection, err error) {
	r.logger.Warn("analytics write failed", "collection", c, "error", err)
	r.observer.StorageFailed(c)
}

// elapsedLocked is the time on page in milliseconds, never negative.
func (r *Recorder) elapsedLocked() int64 {
	ms := r.now().Sub(r.start).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// TimeOnPage is the payload of visibility and submit events.
type TimeOnPage struct {
	TimeOnPage int64 `json:"timeOnPage"`
}

// RecordVisibility records the page becoming hidden or visible again.
func (r *Recorder) RecordVisibility(ctx context.Context, hidden bool) storage.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	eventType := EventPageVisible
	if hidden {
		eventType = EventPageHidden
	}
	return r.recordLocked(ctx, eventType, TimeOnPage{TimeOnPage: r.elapsedLocked()})
}

// RecordSessionEnd persists the SessionRecord and a page_exit event with the
// same payload. Only the first call writes anything; later calls return the
// original record and false.
func (r *Recorder) RecordSessionEnd(ctx context.Context) (storage.SessionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ended {
		return r.session, false
	}
	r.ended = true
	r.scroll.sampler.Stop()

	rec := storage.SessionRecord{
		SessionID:  r.sessionID,
		Duration:   r.elapsedLocked(),
		EventCount: len(r.events),
		Timestamp:  storage.FormatTime(r.now()),
	}
	r.session = rec

	if err := r.sink.Append(ctx, storage.Sessions, rec); err != nil {
		r.storageFailed(storage.Sessions, err)
	}
	r.recordLocked(ctx, EventPageExit, rec)

	r.logger.Debug("session ended", "duration_ms", rec.Duration, "events", rec.EventCount)
	return rec, true
}

// Abandon stops the recorder without writing a SessionRecord. It is used for
// page loads whose unload signal never arrived.
func (r *Recorder) Abandon() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = true
	r.scroll.sampler.Stop()
}
