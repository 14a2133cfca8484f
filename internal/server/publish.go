package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/Landingstat/internal/recorder"
	"github.com/dustin/Landingstat/internal/sse"
	"github.com/dustin/Landingstat/internal/stats"
)

// DefaultPublishWait coalesces bursts of signals into one stats push.
const DefaultPublishWait = 500 * time.Millisecond

// SignalNotice is the payload of an sse.EventSignal event.
type SignalNotice struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// Publisher pushes live updates to SSE subscribers. Every signal is
// forwarded as it arrives; stats snapshots are debounced.
type Publisher struct {
	stats    *stats.Aggregator
	hub      *sse.Hub
	debounce *recorder.Debouncer
}

func NewPublisher(agg *stats.Aggregator, hub *sse.Hub, wait time.Duration) *Publisher {
	p := &Publisher{stats: agg, hub: hub}
	p.debounce = recorder.NewDebouncer(wait, p.PublishStats)
	return p
}

// OnSignal matches collector.Options.OnSignal.
func (p *Publisher) OnSignal(signalType, sessionID string) {
	if p.hub.ClientCount() == 0 {
		return
	}
	if err := p.hub.BroadcastJSON(sse.EventSignal, SignalNotice{Type: signalType, SessionID: sessionID}); err != nil {
		slog.Warn("failed to broadcast signal", "error", err)
	}
	p.debounce.Trigger()
}

// PublishStats broadcasts a fresh snapshot now.
func (p *Publisher) PublishStats() {
	if p.hub.ClientCount() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := p.stats.Compute(ctx)
	if err != nil {
		slog.Warn("failed to compute stats for push", "error", err)
		return
	}
	if err := p.hub.BroadcastJSON(sse.EventStats, snap); err != nil {
		slog.Warn("failed to broadcast stats", "error", err)
	}
}

// Stop cancels a pending stats push.
func (p *Publisher) Stop() {
	p.debounce.Stop()
}
