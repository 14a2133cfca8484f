// Package ingest follows a JSON-lines log of page signals and feeds each
// line to the collector, for deployments where beacons are written to a
// file by the web server instead of posted to /api/collect.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/hpcloud/tail"

	"github.com/dustin/Landingstat/internal/collector"
)

// Dispatcher accepts signals. *collector.Collector implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, sig collector.Signal) (string, error)
}

// Stats are running counters of the follower.
type Stats struct {
	Lines     uint64
	Malformed uint64
	Rejected  uint64
}

// Ingestor tails one signal log.
type Ingestor struct {
	path      string
	fromStart bool
	dispatch  Dispatcher
	logger    *slog.Logger
	done      chan struct{}

	lines     atomic.Uint64
	malformed atomic.Uint64
	rejected  atomic.Uint64
}

// Options configures an Ingestor.
type Options struct {
	// FromStart replays the existing file before following it.
	FromStart bool
	Logger    *slog.Logger
}

// New returns an Ingestor for path.
func New(path string, d Dispatcher, opts Options) *Ingestor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		path:      path,
		fromStart: opts.FromStart,
		dispatch:  d,
		logger:    logger.With("path", path),
		done:      make(chan struct{}),
	}
}

// Start begins following the log in a goroutine that stops with ctx.
func (i *Ingestor) Start(ctx context.Context) error {
	whence := 2
	if i.fromStart {
		whence = 0
	}
	t, err := tail.TailFile(i.path, tail.Config{
		ReOpen:    true,
		Follow:    true,
		Logger:    tail.DiscardingLogger,
		MustExist: false,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
	})
	if err != nil {
		return fmt.Errorf("tail %s: %w", i.path, err)
	}
	i.logger.Info("following signal log")
	go i.follow(ctx, t)
	return nil
}

// Done is closed once the follower has stopped.
func (i *Ingestor) Done() <-chan struct{} {
	return i.done
}

func (i *Ingestor) follow(ctx context.Context, t *tail.Tail) {
	defer close(i.done)
	for {
		select {
		case <-ctx.Done():
			_ = t.Stop()
			t.Cleanup()
			return
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				i.logger.Warn("signal log read failed", "error", line.Err)
				continue
			}
			if err := i.handleLine(ctx, line.Text); err != nil {
				i.logger.Debug("signal skipped", "error", err)
			}
		}
	}
}

// logLine is one line of the signal log. Unlike beacon payloads, it may
// carry the client address recorded by the web server.
type logLine struct {
	collector.Signal
	ClientIP string `json:"clientIp"`
}

// ErrMalformed marks a line that is not a JSON signal.
var ErrMalformed = errors.New("malformed signal line")

func (i *Ingestor) handleLine(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	i.lines.Add(1)

	sig, err := parseLine(text)
	if err != nil {
		i.malformed.Add(1)
		return err
	}
	if _, err := i.dispatch.Dispatch(ctx, sig); err != nil {
		i.rejected.Add(1)
		return err
	}
	return nil
}

func parseLine(text string) (collector.Signal, error) {
	var l logLine
	if err := json.Unmarshal([]byte(text), &l); err != nil {
		return collector.Signal{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if l.Type == "" {
		return collector.Signal{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	sig := l.Signal
	sig.ClientIP = l.ClientIP
	return sig, nil
}

// Stats returns the current counters.
func (i *Ingestor) Stats() Stats {
	return Stats{
		Lines:     i.lines.Load(),
		Malformed: i.malformed.Load(),
		Rejected:  i.rejected.Load(),
	}
}
