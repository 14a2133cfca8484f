package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) (*Storage, func()) {
	t.Helper()
	return setupTestDBWithOptions(t, DefaultOptions())
}

func setupTestDBWithOptions(t *testing.T, opts Options) (*Storage, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "landingstat-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	dbPath := filepath.Join(tmpDir, "test.db")
	s, err := NewWithOptions(dbPath, opts)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create storage: %v", err)
	}
	cleanup := func() {
		s.Close()
		os.RemoveAll(tmpDir)
	}
	return s, cleanup
}

func TestNew_CreatesDatabase(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "landingstat-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "subdir", "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Dir(dbPath)); os.IsNotExist(err) {
		t.Error("database directory was not created")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestStorage_Keys(t *testing.T) {
	opts := DefaultOptions()
	opts.KeyPrefix = "meetyourbaby"
	s, cleanup := setupTestDBWithOptions(t, opts)
	defer cleanup()

	tests := []struct {
		c    Collection
		want string
	}{
		{Visitors, "meetyourbaby_visitors"},
		{Events, "meetyourbaby_events"},
		{Sessions, "meetyourbaby_sessions"},
		{Subscribers, "subscribers"},
	}
	for _, tt := range tests {
		if got := s.Key(tt.c); got != tt.want {
			t.Errorf("Key(%s) = %q, want %q", tt.c, got, tt.want)
		}
	}
}

func TestStorage_CollectionMissingIsEmpty(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	items, err := s.Collection(context.Background(), Visitors)
	if err != nil {
		t.Fatalf("Collection() error = %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected empty collection, got %d items", len(items))
	}
}

func TestStorage_AppendPreservesOrder(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := SessionRecord{SessionID: fmt.Sprintf("s%d", i), Duration: int64(i * 1000)}
		if err := s.Append(ctx, Sessions, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	items, err := s.Collection(ctx, Sessions)
	if err != nil {
		t.Fatalf("Collection() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(items))
	}
	for i, raw := range items {
		var rec SessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if want := fmt.Sprintf("s%d", i); rec.SessionID != want {
			t.Errorf("items[%d].SessionID = %q, want %q", i, rec.SessionID, want)
		}
	}
}

func TestStorage_EventRetentionEvictsOldest(t *testing.T) {
	evictions := 0
	opts := DefaultOptions()
	opts.OnEvict = func(c Collection, n int) {
		if c != Events {
			t.Errorf("eviction reported for %s", c)
		}
		evictions += n
	}
	s, cleanup := setupTestDBWithOptions(t, opts)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < DefaultEventRetention+1; i++ {
		ev := Event{Type: "tick", SessionID: "s", Data: map[string]any{"n": i}}
		if err := s.Append(ctx, Events, ev); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	items, err := s.Collection(ctx, Events)
	if err != nil {
		t.Fatalf("Collection() error = %v", err)
	}
	if len(items) != DefaultEventRetention {
		t.Fatalf("len = %d, want %d", len(items), DefaultEventRetention)
	}
	if evictions != 1 {
		t.Errorf("evictions = %d, want 1", evictions)
	}

	first := decodeN(t, items[0])
	last := decodeN(t, items[len(items)-1])
	if first != 1 {
		t.Errorf("oldest remaining n = %d, want 1 (n=0 must be evicted)", first)
	}
	if last != DefaultEventRetention {
		t.Errorf("newest n = %d, want %d", last, DefaultEventRetention)
	}
}

func decodeN(t *testing.T, raw json.RawMessage) int {
	t.Helper()
	var ev struct {
		Data struct {
			N int `json:"n"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return ev.Data.N
}

func TestStorage_EventCapNotConfigurable(t *testing.T) {
	tests := []struct {
		name      string
		retention map[Collection]int
	}{
		{"zero", map[Collection]int{Events: 0}},
		{"negative", map[Collection]int{Events: -1}},
		{"raised", map[Collection]int{Events: 5000}},
		{"lowered", map[Collection]int{Events: 2}},
		{"missing", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Retention = tt.retention
			s, cleanup := setupTestDBWithOptions(t, opts)
			defer cleanup()

			if got := s.Retention(Events); got != DefaultEventRetention {
				t.Errorf("Retention(Events) = %d, want %d", got, DefaultEventRetention)
			}
		})
	}

	// Appending past the cap still trims when the option asked for none.
	opts := DefaultOptions()
	opts.Retention = map[Collection]int{Events: 0}
	s, cleanup := setupTestDBWithOptions(t, opts)
	defer cleanup()
	ctx := context.Background()
	for i := 0; i < DefaultEventRetention+5; i++ {
		if err := s.Append(ctx, Events, Event{Type: "tick", SessionID: "s"}); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}
	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts[Events] != DefaultEventRetention {
		t.Errorf("events = %d, want %d", counts[Events], DefaultEventRetention)
	}
}

func TestStorage_VisitorsUnboundedByDefault(t *testing.T) {
	opts := DefaultOptions()
	opts.Retention = map[Collection]int{Sessions: 2}
	s, cleanup := setupTestDBWithOptions(t, opts)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, Visitors, VisitorRecord{SessionID: fmt.Sprint(i)}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts[Visitors] != 5 {
		t.Errorf("visitors = %d, want 5", counts[Visitors])
	}
	if s.Retention(Visitors) != 0 {
		t.Errorf("Retention(Visitors) = %d, want 0", s.Retention(Visitors))
	}
}

func TestStorage_SessionRetention(t *testing.T) {
	opts := DefaultOptions()
	opts.Retention[Sessions] = 2
	s, cleanup := setupTestDBWithOptions(t, opts)
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Append(ctx, Sessions, SessionRecord{SessionID: id}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	items, _ := s.Collection(ctx, Sessions)
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2", len(items))
	}
	var rec SessionRecord
	_ = json.Unmarshal(items[0], &rec)
	if rec.SessionID != "b" {
		t.Errorf("oldest kept = %q, want %q", rec.SessionID, "b")
	}
}

func TestStorage_CorruptCollectionFailsOpen(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.db.Exec(`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)`,
		s.Key(Events), "{not json"); err != nil {
		t.Fatalf("seed corrupt value: %v", err)
	}

	items, err := s.Collection(ctx, Events)
	if err != nil {
		t.Fatalf("Collection() error = %v", err)
	}
	if len(items) != 0 {
		t.Errorf("corrupt collection should read as empty, got %d", len(items))
	}

	raw, err := s.Raw(ctx, Events)
	if err != nil {
		t.Fatalf("Raw() error = %v", err)
	}
	if string(raw) != "[]" {
		t.Errorf("Raw() = %s, want []", raw)
	}

	// The next append starts a fresh collection.
	if err := s.Append(ctx, Events, Event{Type: "page_view"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	items, _ = s.Collection(ctx, Events)
	if len(items) != 1 {
		t.Errorf("len after append = %d, want 1", len(items))
	}
}

func TestStorage_AppendUnencodable(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	err := s.Append(context.Background(), Events, Event{Data: make(chan int)})
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if se.Op != "encode" {
		t.Errorf("Op = %q, want %q", se.Op, "encode")
	}
}

func TestStorage_AppendClosedDatabase(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	s.db.Close()
	err := s.Append(context.Background(), Visitors, VisitorRecord{})
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if se.Key != s.Key(Visitors) {
		t.Errorf("Key = %q, want %q", se.Key, s.Key(Visitors))
	}
}

func TestStorage_ReplaceAndRaw(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	in := json.RawMessage("[\n  {\"email\": \"a@example.com\"},\n  {\"email\": \"b@example.com\"}\n]")
	if err := s.Replace(ctx, Subscribers, in); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	raw, err := s.Raw(ctx, Subscribers)
	if err != nil {
		t.Fatalf("Raw() error = %v", err)
	}
	want := `[{"email":"a@example.com"},{"email":"b@example.com"}]`
	if string(raw) != want {
		t.Errorf("Raw() = %s, want %s", raw, want)
	}
}

func TestStorage_ReplaceRejectsNonArray(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	err := s.Replace(context.Background(), Visitors, json.RawMessage(`{"a":1}`))
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
}

func TestStorage_SizeBytes(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	size, err := s.SizeBytes(context.Background())
	if err != nil {
		t.Fatalf("SizeBytes() error = %v", err)
	}
	if size <= 0 {
		t.Errorf("SizeBytes() = %d, want > 0", size)
	}
}

func TestFormatTime(t *testing.T) {
	ts, err := ParseTime("2026-10-18T09:30:00.123Z")
	if err != nil {
		t.Fatalf("ParseTime() error = %v", err)
	}
	if got := FormatTime(ts); got != "2026-10-18T09:30:00.123Z" {
		t.Errorf("FormatTime() = %q", got)
	}
	if _, err := ParseTime("2026-10-18T09:30:00Z"); err != nil {
		t.Errorf("ParseTime without fraction: %v", err)
	}
}
