package recorder

import (
	"context"
	"math"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dustin/Landingstat/internal/storage"
)

// at returns a position at pct percent of a 3000px page in a 1000px viewport.
func at(pct float64) ScrollPosition {
	return ScrollPosition{ScrollTop: 2000 * pct / 100, ScrollHeight: 3000, ViewportHeight: 1000}
}

func TestScrollPosition_Percent(t *testing.T) {
	tests := []struct {
		name   string
		pos    ScrollPosition
		want   int
		wantOK bool
	}{
		{"top", at(0), 0, true},
		{"half", at(50), 50, true},
		{"rounds half up", ScrollPosition{ScrollTop: 25, ScrollHeight: 300, ViewportHeight: 100}, 13, true},
		{"rounds down", ScrollPosition{ScrollTop: 24.4, ScrollHeight: 200, ViewportHeight: 100}, 24, true},
		{"bottom", at(100), 100, true},
		{"overscroll", ScrollPosition{ScrollTop: 2100, ScrollHeight: 3000, ViewportHeight: 1000}, 105, true},
		{"bounce", ScrollPosition{ScrollTop: -40, ScrollHeight: 3000, ViewportHeight: 1000}, -2, true},
		{"huge offset saturates", ScrollPosition{ScrollTop: 1e300, ScrollHeight: 3000, ViewportHeight: 1000}, math.MaxInt32, true},
		{"infinite offset saturates", ScrollPosition{ScrollTop: math.Inf(1), ScrollHeight: 3000, ViewportHeight: 1000}, math.MaxInt32, true},
		{"huge negative offset saturates", ScrollPosition{ScrollTop: -1e300, ScrollHeight: 3000, ViewportHeight: 1000}, math.MinInt32, true},
		{"nan offset", ScrollPosition{ScrollTop: math.NaN(), ScrollHeight: 3000, ViewportHeight: 1000}, 0, false},
		{"not scrollable", ScrollPosition{ScrollTop: 0, ScrollHeight: 800, ViewportHeight: 800}, 0, false},
		{"shorter than viewport", ScrollPosition{ScrollTop: 0, ScrollHeight: 500, ViewportHeight: 800}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.pos.Percent()
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Percent() = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func scrollDepths(t *testing.T, sink *memSink) []int {
	t.Helper()
	var depths []int
	for _, rec := range sink.get(storage.Events) {
		ev := rec.(storage.Event)
		if ev.Type == EventScrollDepth {
			depths = append(depths, ev.Data.(ScrollDepth).Depth)
		}
	}
	return depths
}

func TestRecordScrollDepth_FastScrollCrossesAll(t *testing.T) {
	sink := newMemSink()
	clock := newFakeClock()
	r := newTestRecorder(sink, clock)

	clock.Advance(3 * time.Second)
	crossed := r.RecordScrollDepth(context.Background(), at(100))

	want := []int{25, 50, 75, 90, 100}
	if !reflect.DeepEqual(crossed, want) {
		t.Errorf("crossed = %v, want %v", crossed, want)
	}
	if got := scrollDepths(t, sink); !reflect.DeepEqual(got, want) {
		t.Errorf("recorded = %v, want %v", got, want)
	}
	for _, ev := range r.Events() {
		if d := ev.Data.(ScrollDepth); d.TimeToReach != 3000 {
			t.Errorf("TimeToReach = %d, want 3000", d.TimeToReach)
		}
	}
}

func TestRecordScrollDepth_OscillationRecordsOnce(t *testing.T) {
	sink := newMemSink()
	r := newTestRecorder(sink, newFakeClock())
	ctx := context.Background()

	for _, pct := range []float64{10, 30, 20, 55, 26, 60, 10, 80, 40, 91, 0, 99, 100, 50, 100} {
		r.RecordScrollDepth(ctx, at(pct))
	}

	want := []int{25, 50, 75, 90, 100}
	if got := scrollDepths(t, sink); !reflect.DeepEqual(got, want) {
		t.Errorf("recorded = %v, want %v", got, want)
	}
	if r.MaxScrollDepth() != 100 {
		t.Errorf("MaxScrollDepth = %d, want 100", r.MaxScrollDepth())
	}
}

func TestRecordScrollDepth_OnlyAfterReaching(t *testing.T) {
	sink := newMemSink()
	r := newTestRecorder(sink, newFakeClock())

	r.RecordScrollDepth(context.Background(), at(74))

	want := []int{25, 50}
	if got := scrollDepths(t, sink); !reflect.DeepEqual(got, want) {
		t.Errorf("recorded = %v, want %v", got, want)
	}
}

func TestRecordScrollDepth_HugeOffsetReachesBottom(t *testing.T) {
	sink := newMemSink()
	r := newTestRecorder(sink, newFakeClock())

	crossed := r.RecordScrollDepth(context.Background(), ScrollPosition{ScrollTop: 1e300, ScrollHeight: 3000, ViewportHeight: 1000})

	want := []int{25, 50, 75, 90, 100}
	if !reflect.DeepEqual(crossed, want) {
		t.Errorf("crossed = %v, want %v", crossed, want)
	}
	if r.MaxScrollDepth() != math.MaxInt32 {
		t.Errorf("MaxScrollDepth = %d, want %d", r.MaxScrollDepth(), math.MaxInt32)
	}
}

func TestRecordScrollDepth_NotScrollable(t *testing.T) {
	sink := newMemSink()
	r := newTestRecorder(sink, newFakeClock())

	crossed := r.RecordScrollDepth(context.Background(), ScrollPosition{ScrollTop: 0, ScrollHeight: 900, ViewportHeight: 900})

	if crossed != nil {
		t.Errorf("crossed = %v, want nil", crossed)
	}
	if n := len(sink.get(storage.Events)); n != 0 {
		t.Errorf("events = %d, want 0", n)
	}
}

func TestOnScroll_SamplesEverySignalWithoutDebounce(t *testing.T) {
	sink := newMemSink()
	r := newTestRecorder(sink, newFakeClock())
	ctx := context.Background()

	r.OnScroll(ctx, at(10))
	r.OnScroll(ctx, at(30))

	var positions []int
	for _, rec := range sink.get(storage.Events) {
		ev := rec.(storage.Event)
		if ev.Type == EventScrollPosition {
			positions = append(positions, ev.Data.(ScrollSample).Position)
		}
	}
	// 10% is below the sampler threshold.
	if !reflect.DeepEqual(positions, []int{30}) {
		t.Errorf("positions = %v, want [30]", positions)
	}
}

func TestOnScroll_DebouncedSamplerFiresOnceAfterBurst(t *testing.T) {
	sink := newMemSink()
	r := New(sink, testEnv, Options{SessionID: "s", ScrollDebounce: 20 * time.Millisecond})
	ctx := context.Background()

	var crossed []int
	for _, pct := range []float64{20, 40, 60, 80} {
		crossed = append(crossed, r.OnScroll(ctx, at(pct))...)
	}

	// Milestones are not debounced.
	if want := []int{25, 50, 75}; !reflect.DeepEqual(crossed, want) {
		t.Errorf("crossed = %v, want %v", crossed, want)
	}

	time.Sleep(120 * time.Millisecond)

	var positions []int
	for _, rec := range sink.get(storage.Events) {
		if ev := rec.(storage.Event); ev.Type == EventScrollPosition {
			positions = append(positions, ev.Data.(ScrollSample).Position)
		}
	}
	if !reflect.DeepEqual(positions, []int{80}) {
		t.Errorf("positions = %v, want [80]", positions)
	}
}

func TestOnScroll_SessionEndCancelsPendingSample(t *testing.T) {
	sink := newMemSink()
	r := New(sink, testEnv, Options{SessionID: "s", ScrollDebounce: 30 * time.Millisecond})
	ctx := context.Background()

	r.OnScroll(ctx, at(60))
	r.RecordSessionEnd(ctx)
	time.Sleep(80 * time.Millisecond)

	for _, rec := range sink.get(storage.Events) {
		if ev := rec.(storage.Event); ev.Type == EventScrollPosition {
			t.Fatalf("unexpected scroll_position after session end: %+v", ev)
		}
	}
}

func TestDebouncer(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(20*time.Millisecond, func() { calls.Add(1) })

	for i := 0; i < 5; i++ {
		d.Trigger()
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(60 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestDebouncer_Stop(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(20*time.Millisecond, func() { calls.Add(1) })

	if d.Stop() {
		t.Error("Stop() with nothing pending should report false")
	}
	d.Trigger()
	if !d.Stop() {
		t.Error("Stop() should report a pending run")
	}
	time.Sleep(40 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Errorf("calls = %d, want 0", got)
	}
}

func TestDebouncer_Synchronous(t *testing.T) {
	calls := 0
	d := NewDebouncer(0, func() { calls++ })
	d.Trigger()
	d.Trigger()
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
