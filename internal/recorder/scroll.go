package recorder

import (
	"context"
	"math"
)

// Milestones are the scroll depths, in percent, recorded once per session.
var Milestones = []int{25, 50, 75, 90, 100}

// positionThreshold is the smallest depth the debounced sampler reports.
const positionThreshold = 25

// ScrollPosition is a snapshot of the page's vertical scroll state.
type ScrollPosition struct {
	ScrollTop      float64 `json:"scrollTop"`
	ScrollHeight   float64 `json:"scrollHeight"`
	ViewportHeight float64 `json:"viewportHeight"`
}

// Percent returns the rounded scroll depth. ok is false when the page is not
// scrollable, in which case no depth is defined.
func (p ScrollPosition) Percent() (pct int, ok bool) {
	span := p.ScrollHeight - p.ViewportHeight
	if span <= 0 || math.IsNaN(span) || math.IsInf(span, 0) {
		return 0, false
	}
	v := math.Round(p.ScrollTop / span * 100)
	if math.IsNaN(v) {
		return 0, false
	}
	// Overscroll and bounce are reported as is; absurd inputs saturate
	// instead of wrapping around on conversion.
	v = math.Max(math.MinInt32, math.Min(v, math.MaxInt32))
	return int(v), true
}

type scrollState struct {
	recorded map[int]bool
	maxDepth int
	last     ScrollPosition
	ctx      context.Context
	sampler  *Debouncer
}

// ScrollDepth is the payload of a scroll_depth event.
type ScrollDepth struct {
	Depth       int   `json:"depth"`
	TimeToReach int64 `json:"timeToReach"`
}

// ScrollSample is the payload of a scroll_position event.
type ScrollSample struct {
	Position int `json:"position"`
}

// OnScroll feeds one scroll signal to both scroll subscribers: the milestone
// tracker sees every signal, the position sampler only fires after the
// signals have been quiet for the debounce window.
func (r *Recorder) OnScroll(ctx context.Context, pos ScrollPosition) []int {
	crossed := r.RecordScrollDepth(ctx, pos)

	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return crossed
	}
	r.scroll.last = pos
	r.scroll.ctx = context.WithoutCancel(ctx)
	r.mu.Unlock()

	r.scroll.sampler.Trigger()
	return crossed
}

// RecordScrollDepth records every milestone the position reaches for the
// first time in this session and returns them in ascending order.
func (r *Recorder) RecordScrollDepth(ctx context.Context, pos ScrollPosition) []int {
	pct, ok := pos.Percent()
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if pct > r.scroll.maxDepth {
		r.scroll.maxDepth = pct
	}

	var crossed []int
	for _, m := range Milestones {
		if pct < m || r.scroll.recorded[m] {
			continue
		}
		r.scroll.recorded[m] = true
		r.recordLocked(ctx, EventScrollDepth, ScrollDepth{Depth: m, TimeToReach: r.elapsedLocked()})
		crossed = append(crossed, m)
	}
	return crossed
}

// MaxScrollDepth returns the deepest scroll percentage seen so far.
func (r *Recorder) MaxScrollDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scroll.maxDepth
}

// sampleScrollPosition is the debounced subscriber.
func (r *Recorder) sampleScrollPosition() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ended || r.scroll.ctx == nil {
		return
	}
	pct, ok := r.scroll.last.Percent()
	if !ok || pct < positionThreshold {
		return
	}
	r.recordLocked(r.scroll.ctx, EventScrollPosition, ScrollSample{Position: pct})
}
