package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/Landingstat/internal/storage"
)

// FilePrefix starts every export file name.
const FilePrefix = "landingstat-analytics-"

// Store gives byte-level access to the collections. *storage.Storage
// implements it.
type Store interface {
	Raw(ctx context.Context, c storage.Collection) (json.RawMessage, error)
	Replace(ctx context.Context, c storage.Collection, raw json.RawMessage) error
}

// Document is the export file: every collection, verbatim.
type Document struct {
	Visitors    json.RawMessage `json:"visitors"`
	Subscribers json.RawMessage `json:"subscribers"`
	Events      json.RawMessage `json:"events"`
	Sessions    json.RawMessage `json:"sessions"`
}

func (d *Document) field(c storage.Collection) *json.RawMessage {
	switch c {
	case storage.Visitors:
		return &d.Visitors
	case storage.Subscribers:
		return &d.Subscribers
	case storage.Events:
		return &d.Events
	case storage.Sessions:
		return &d.Sessions
	}
	return nil
}

// ErrInvalidDocument is returned by Import for input that is not an export
// document.
var ErrInvalidDocument = errors.New("invalid export document")

// Filename names an export taken at t, e.g.
// landingstat-analytics-2026-10-18.json.
func Filename(t time.Time) string {
	return FilePrefix + t.UTC().Format("2006-01-02") + ".json"
}

// Export renders all collections as one indented JSON document. Stored
// bytes are copied through json.Indent only, so values are never re-encoded.
func Export(ctx context.Context, store Store) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{\n")
	for i, c := range storage.AllCollections {
		raw, err := store.Raw(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", c, err)
		}
		fmt.Fprintf(&buf, "  %q: ", string(c))
		if err := json.Indent(&buf, raw, "  ", "  "); err != nil {
			return nil, fmt.Errorf("export %s: %w", c, err)
		}
		if i < len(storage.AllCollections)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// Import replaces the collections present in data. Collections missing from
// the document are left alone. Nothing is written unless every present
// collection is a JSON array.
func Import(ctx context.Context, store Store, data []byte) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	var present []storage.Collection
	for _, c := range storage.AllCollections {
		raw := *doc.field(c)
		if len(raw) == 0 {
			continue
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || trimmed[0] != '[' {
			return fmt.Errorf("%w: %s is not an array", ErrInvalidDocument, c)
		}
		present = append(present, c)
	}
	if len(present) == 0 {
		return fmt.Errorf("%w: no collections", ErrInvalidDocument)
	}

	for _, c := range present {
		if err := store.Replace(ctx, c, *doc.field(c)); err != nil {
			return fmt.Errorf("import %s: %w", c, err)
		}
	}
	return nil
}
