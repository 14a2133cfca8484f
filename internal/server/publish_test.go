package server

import (
	"encoding/json"
	"testing"

	"github.com/dustin/Landingstat/internal/config"
	"github.com/dustin/Landingstat/internal/sse"
	"github.com/dustin/Landingstat/internal/stats"
)

func TestPublisher_NoSubscribers(t *testing.T) {
	srv, cleanup := setupTestServer(t, config.Config{})
	defer cleanup()

	p := NewPublisher(srv.stats, srv.hub, 0)
	p.OnSignal("load", "abc")
	p.PublishStats()
	if got := srv.hub.DroppedTotal(); got != 0 {
		t.Errorf("DroppedTotal = %d, want 0", got)
	}
}

func TestPublisher_SignalThenStats(t *testing.T) {
	srv, cleanup := setupTestServer(t, config.Config{})
	defer cleanup()

	ch, cancel := srv.hub.Subscribe()
	defer cancel()

	// A zero wait publishes synchronously.
	p := NewPublisher(srv.stats, srv.hub, 0)
	srv.collect(t, loadSignal())
	p.OnSignal("load", "abc")

	evt := <-ch
	if evt.Type != sse.EventSignal {
		t.Fatalf("first event = %q, want %q", evt.Type, sse.EventSignal)
	}
	var notice SignalNotice
	if err := json.Unmarshal(evt.Payload, &notice); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	if notice.Type != "load" || notice.SessionID != "abc" {
		t.Errorf("notice = %+v, want load/abc", notice)
	}

	evt = <-ch
	if evt.Type != sse.EventStats {
		t.Fatalf("second event = %q, want %q", evt.Type, sse.EventStats)
	}
	var snap stats.Snapshot
	if err := json.Unmarshal(evt.Payload, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.TotalVisitors != 1 {
		t.Errorf("TotalVisitors = %d, want 1", snap.TotalVisitors)
	}
}
