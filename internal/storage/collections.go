package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

var emptyArray = json.RawMessage("[]")

// errNotArray marks a stored or imported value that is not a JSON array.
var errNotArray = errors.New("value is not a JSON array")

// Append adds record to the end of collection c. The whole collection is
// read, extended, trimmed to its retention cap and written back. A missing
// or corrupt stored value is treated as an empty collection.
//
// Appends are serialized within the process. Two processes sharing a
// database file still race, and the last writer wins.
func (s *Storage) Append(ctx context.Context, c Collection, record any) error {
	key := s.Key(c)
	encoded, err := json.Marshal(record)
	if err != nil {
		return &StorageError{Op: "encode", Key: key, Err: err}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "begin", Key: key, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	raw, err := s.get(ctx, tx.StmtContext(ctx, s.stmtGet), key)
	if err != nil {
		return &StorageError{Op: "read", Key: key, Err: err}
	}
	items := decodeOrEmpty(key, raw)
	items = append(items, encoded)

	evicted := 0
	if limit := s.retention[c]; limit > 0 && len(items) > limit {
		evicted = len(items) - limit
		items = items[evicted:]
	}

	out, err := json.Marshal(items)
	if err != nil {
		return &StorageError{Op: "encode", Key: key, Err: err}
	}
	if _, err := tx.StmtContext(ctx, s.stmtPut).ExecContext(ctx, key, string(out), time.Now()); err != nil {
		return &StorageError{Op: "write", Key: key, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit", Key: key, Err: err}
	}

	if evicted > 0 && s.onEvict != nil {
		s.onEvict(c, evicted)
	}
	return nil
}

// Collection returns the records of c in insertion order. Corrupt data
// reads as empty; only database failures are returned.
func (s *Storage) Collection(ctx context.Context, c Collection) ([]json.RawMessage, error) {
	key := s.Key(c)
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	raw, err := s.get(ctx, s.stmtGet, key)
	if err != nil {
		return nil, &StorageError{Op: "read", Key: key, Err: err}
	}
	return decodeOrEmpty(key, raw), nil
}

// Raw returns the stored bytes of c unchanged, or [] when the key is
// missing or does not hold a JSON array.
func (s *Storage) Raw(ctx context.Context, c Collection) (json.RawMessage, error) {
	key := s.Key(c)
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	raw, err := s.get(ctx, s.stmtGet, key)
	if err != nil {
		return nil, &StorageError{Op: "read", Key: key, Err: err}
	}
	if raw == nil {
		return emptyArray, nil
	}
	if _, err := decodeArray(raw); err != nil {
		slog.Warn("corrupt collection treated as empty", "key", key, "error", err)
		return emptyArray, nil
	}
	return json.RawMessage(raw), nil
}

// Replace overwrites c with raw, which must be a JSON array. The value is
// compacted before writing; retention caps are not applied.
func (s *Storage) Replace(ctx context.Context, c Collection, raw json.RawMessage) error {
	key := s.Key(c)
	if _, err := decodeArray(raw); err != nil {
		return &StorageError{Op: "decode", Key: key, Err: err}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return &StorageError{Op: "decode", Key: key, Err: err}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if _, err := s.stmtPut.ExecContext(ctx, key, buf.String(), time.Now()); err != nil {
		return &StorageError{Op: "write", Key: key, Err: err}
	}
	return nil
}

// Counts returns the number of records in every collection.
func (s *Storage) Counts(ctx context.Context) (map[Collection]int, error) {
	out := make(map[Collection]int, len(AllCollections))
	for _, c := range AllCollections {
		items, err := s.Collection(ctx, c)
		if err != nil {
			return nil, err
		}
		out[c] = len(items)
	}
	return out, nil
}

func decodeArray(raw []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errNotArray
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func decodeOrEmpty(key string, raw []byte) []json.RawMessage {
	if raw == nil {
		return nil
	}
	items, err := decodeArray(raw)
	if err != nil {
		slog.Warn("corrupt collection treated as empty", "key", key, "error", err)
		return nil
	}
	return items
}
