package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/orbitd/orbit/pkg/models"
)

// ExportFormat selects the export rendering.
type ExportFormat string

const (
	ExportJSON     ExportFormat = "json"
	ExportMarkdown ExportFormat = "markdown"
)

// ExportThread streams a thread's events to w. JSON export emits a single
// array whose elements round-trip through ImportEvents byte-for-byte.
func (s *Store) ExportThread(ctx context.Context, threadID string, format ExportFormat, w io.Writer) error {
	events, err := s.ReadEvents(ctx, threadID, 0, OrderAsc)
	if err != nil {
		return err
	}

	switch format {
	case ExportJSON:
		return exportJSON(events, w)
	case ExportMarkdown:
		return exportMarkdown(threadID, events, w)
	default:
		return fmt.Errorf("unsupported export format: %q", format)
	}
}

func exportJSON(events []models.StoredEvent, w io.Writer) error {
	if _, err := io.WriteString(w, "[\n"); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for i, ev := range events {
		if i > 0 {
			if _, err := io.WriteString(w, ",\n"); err != nil {
				return err
			}
		}
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode event %d: %w", ev.ID, err)
		}
	}
	_, err := io.WriteString(w, "]\n")
	return err
}

func exportMarkdown(threadID string, events []models.StoredEvent, w io.Writer) error {
	if _, err := fmt.Fprintf(w, "# Thread %s\n\n", threadID); err != nil {
		return err
	}
	for _, ev := range events {
		ts := time.Unix(ev.CreatedAt, 0).UTC().Format(time.RFC3339)
		header := string(ev.Role)
		if ev.Method != "" {
			header += " · " + ev.Method
		}
		if _, err := fmt.Fprintf(w, "## %s — %s\n\n```json\n%s\n```\n\n", header, ts, ev.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ImportEvents re-inserts exported events under a freshly minted thread id
// and returns it. Original insertion ids are discarded; arrival order is
// preserved.
func (s *Store) ImportEvents(ctx context.Context, events []models.StoredEvent) (string, error) {
	newThreadID := "imported-" + uuid.New().String()
	for _, ev := range events {
		ev.ID = 0
		ev.ThreadID = newThreadID
		if _, err := s.AppendEvent(ctx, ev); err != nil {
			return "", fmt.Errorf("import event: %w", err)
		}
	}
	return newThreadID, nil
}
