// Package collector routes page lifecycle signals to the Recorder that owns
// each page load.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/Landingstat/internal/fingerprint"
	"github.com/dustin/Landingstat/internal/recorder"
)

// Signal types accepted by Dispatch.
const (
	SignalLoad             = "load"
	SignalFormClick        = "form_click"
	SignalInputFocus       = "input_focus"
	SignalFormSubmit       = "form_submit"
	SignalFeatureCardClick = "feature_card_click"
	SignalScroll           = "scroll"
	SignalVisibility       = "visibility"
	SignalUnload           = "unload"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrUnknownSignal  = errors.New("unknown signal type")
	ErrBotIgnored     = errors.New("bot traffic ignored")
	ErrSessionEnded   = errors.New("session already ended")
)

// Signal is one lifecycle notification from a page.
type Signal struct {
	Type      string                   `json:"type"`
	SessionID string                   `json:"sessionId,omitempty"`
	Env       *recorder.Environment    `json:"env,omitempty"`
	Scroll    *recorder.ScrollPosition `json:"scroll,omitempty"`
	Hidden    bool                     `json:"hidden,omitempty"`
	CardIndex int                      `json:"cardIndex,omitempty"`

	// ClientIP is set by the transport, never decoded from the payload.
	ClientIP string `json:"-"`
}

// Page describes which host elements exist on the landing page. Signals
// aimed at an element the page does not have are ignored.
type Page struct {
	SignupForm   bool
	EmailInput   bool
	FeatureCards []string
}

// Locator resolves a client address to an ISO country code.
type Locator interface {
	Country(ip string) string
}

// Options configures a Collector.
type Options struct {
	Page       Page
	IgnoreBots bool
	Geo        Locator
	Observer   recorder.Observer
	// ScrollDebounce overrides recorder.DefaultScrollDebounce; tests use
	// it to sample synchronously.
	ScrollDebounce time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
	// OnSignal runs after every signal that reached a recorder.
	OnSignal func(signalType, sessionID string)
}

// Collector holds the live page loads.
type Collector struct {
	mu       sync.Mutex
	sink     recorder.Sink
	opts     Options
	now      func() time.Time
	logger   *slog.Logger
	sessions map[string]*recorder.Recorder
	ended    *endedSet
}

// endedMemory is how many ended session ids are remembered to refuse a
// repeated load.
const endedMemory = 4096

// endedSet remembers the most recent ended ids; the oldest is forgotten
// first.
type endedSet struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newEndedSet(capacity int) *endedSet {
	return &endedSet{ids: make(map[string]struct{}, capacity), ring: make([]string, capacity)}
}

func (e *endedSet) add(id string) {
	if _, ok := e.ids[id]; ok {
		return
	}
	if old := e.ring[e.next]; old != "" {
		delete(e.ids, old)
	}
	e.ring[e.next] = id
	e.ids[id] = struct{}{}
	e.next = (e.next + 1) % len(e.ring)
}

func (e *endedSet) has(id string) bool {
	_, ok := e.ids[id]
	return ok
}

// New returns a Collector writing through sink.
func New(sink recorder.Sink, opts Options) *Collector {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		sink:     sink,
		opts:     opts,
		now:      now,
		logger:   logger,
		sessions: make(map[string]*recorder.Recorder),
		ended:    newEndedSet(endedMemory),
	}
}

// Dispatch applies sig and returns the session id it was applied to.
func (c *Collector) Dispatch(ctx context.Context, sig Signal) (string, error) {
	if sig.Type == SignalLoad {
		return c.load(ctx, sig)
	}
	if !knownSignal(sig.Type) {
		return "", fmt.Errorf("%w: %q", ErrUnknownSignal, sig.Type)
	}

	rec := c.lookup(sig.SessionID)
	if rec == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownSession, sig.SessionID)
	}

	page := c.opts.Page
	switch sig.Type {
	case SignalFormClick:
		if !page.SignupForm {
			return rec.SessionID(), nil
		}
		rec.RecordFormClick(ctx)
	case SignalInputFocus:
		if !page.EmailInput {
			return rec.SessionID(), nil
		}
		rec.RecordInputFocus(ctx)
	case SignalFormSubmit:
		if !page.SignupForm {
			return rec.SessionID(), nil
		}
		rec.RecordFormSubmit(ctx)
	case SignalFeatureCardClick:
		if sig.CardIndex < 0 || sig.CardIndex >= len(page.FeatureCards) {
			return rec.SessionID(), nil
		}
		rec.RecordFeatureCardClick(ctx, sig.CardIndex, page.FeatureCards[sig.CardIndex])
	case SignalScroll:
		if sig.Scroll == nil {
			return rec.SessionID(), nil
		}
		rec.OnScroll(ctx, *sig.Scroll)
	case SignalVisibility:
		rec.RecordVisibility(ctx, sig.Hidden)
	case SignalUnload:
		rec.RecordSessionEnd(ctx)
		c.remove(rec.SessionID())
	}

	c.notify(sig.Type, rec.SessionID())
	return rec.SessionID(), nil
}

func (c *Collector) load(ctx context.Context, sig Signal) (string, error) {
	var env recorder.Environment
	if sig.Env != nil {
		env = *sig.Env
	}
	if c.opts.IgnoreBots && fingerprint.Inspect(env.UserAgent).IsBot {
		c.logger.Debug("ignoring bot page load", "user_agent", env.UserAgent)
		return "", ErrBotIgnored
	}

	c.mu.Lock()
	if sig.SessionID != "" {
		if existing, ok := c.sessions[sig.SessionID]; ok {
			c.mu.Unlock()
			return existing.SessionID(), nil
		}
		if c.ended.has(sig.SessionID) {
			c.mu.Unlock()
			return "", fmt.Errorf("%w: %q", ErrSessionEnded, sig.SessionID)
		}
	}
	if c.opts.Geo != nil && sig.ClientIP != "" {
		env.Country = c.opts.Geo.Country(sig.ClientIP)
	}
	rec := recorder.New(c.sink, env, recorder.Options{
		SessionID:      sig.SessionID,
		Now:            c.now,
		ScrollDebounce: c.opts.ScrollDebounce,
		Observer:       c.opts.Observer,
		Logger:         c.logger,
	})
	c.sessions[rec.SessionID()] = rec
	c.mu.Unlock()

	rec.RecordVisit(ctx)
	c.notify(SignalLoad, rec.SessionID())
	return rec.SessionID(), nil
}

func (c *Collector) notify(signalType, sessionID string) {
	if c.opts.OnSignal != nil {
		c.opts.OnSignal(signalType, sessionID)
	}
}

func (c *Collector) lookup(id string) *recorder.Recorder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

func (c *Collector) remove(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.ended.add(id)
	c.mu.Unlock()
}

// Active returns the number of live page loads.
func (c *Collector) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Reap drops page loads with no activity for longer than idle. They never
// get a SessionRecord. It returns how many were dropped.
func (c *Collector) Reap(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := c.now().Add(-idle)

	c.mu.Lock()
	var stale []*recorder.Recorder
	for id, rec := range c.sessions {
		if rec.LastActivity().Before(cutoff) {
			stale = append(stale, rec)
			delete(c.sessions, id)
			c.ended.add(id)
		}
	}
	c.mu.Unlock()

	for _, rec := range stale {
		rec.Abandon()
	}
	if len(stale) > 0 {
		c.logger.Info("reaped idle sessions", "count", len(stale), "idle", idle)
	}
	return len(stale)
}

// Close abandons every live page load.
func (c *Collector) Close() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*recorder.Recorder)
	c.mu.Unlock()

	for _, rec := range sessions {
		rec.Abandon()
	}
}

func knownSignal(t string) bool {
	switch t {
	case SignalLoad, SignalFormClick, SignalInputFocus, SignalFormSubmit,
		SignalFeatureCardClick, SignalScroll, SignalVisibility, SignalUnload:
		return true
	}
	return false
}
