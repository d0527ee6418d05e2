package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kepler9870u0987/mail-ingestion/internal/apperrors"
	"github.com/kepler9870u0987/mail-ingestion/internal/model"
	"github.com/kepler9870u0987/mail-ingestion/internal/streamstore"
)

// DLQ routes messages that exhausted retries to a separate dead-letter
// stream, ported from
// _examples/original_source/src/worker/dlq.py's DLQManager.
type DLQ struct {
	store      streamstore.Store
	streamName string
	maxLength  int64
}

// NewDLQ constructs a DLQ writing to streamName, trimmed to maxLength
// entries (dlq.py's max_length, default 10000).
func NewDLQ(store streamstore.Store, streamName string, maxLength int64) *DLQ {
	if streamName == "" {
		streamName = "email_ingestion_dlq"
	}
	if maxLength <= 0 {
		maxLength = 10_000
	}
	return &DLQ{store: store, streamName: streamName, maxLength: maxLength}
}

// Send appends a failure record to the DLQ stream and returns its new
// entry ID, mirroring DLQManager.send_to_dlq.
func (d *DLQ) Send(ctx context.Context, rec model.DLQRecord) (string, error) {
	rec.FailedAt = time.Now()
	id, err := d.store.Append(ctx, d.streamName, rec.ToFields(), d.maxLength)
	if err != nil {
		return "", apperrors.TransientStreamStore("dlq", fmt.Errorf("DLQ push failed: %w", err))
	}
	return id, nil
}

// Length returns the current DLQ stream length.
func (d *DLQ) Length(ctx context.Context) (int64, error) {
	return d.store.Length(ctx, d.streamName)
}

// Peek returns up to count of the oldest DLQ entries without removing
// them, matching DLQManager.peek_dlq.
func (d *DLQ) Peek(ctx context.Context, count int64) ([]model.StreamEntry, error) {
	return d.store.Range(ctx, d.streamName, "-", "+", count)
}

// Remove deletes a single DLQ entry after manual resolution, matching
// DLQManager.remove_from_dlq.
func (d *DLQ) Remove(ctx context.Context, entryID string) (bool, error) {
	n, err := d.store.Delete(ctx, d.streamName, entryID)
	if err != nil {
		return false, apperrors.TransientStreamStore("dlq", err)
	}
	return n > 0, nil
}

// Replay re-pushes the named DLQ entry's original stream fields (decoded
// from its original_data) onto targetStream and removes it from the
// DLQ, matching
// DLQManager.reprocess_from_dlq. It returns the new stream entry ID, or
// "" if entryID was not found.
func (d *DLQ) Replay(ctx context.Context, entryID, targetStream string) (string, error) {
	entries, err := d.store.Range(ctx, d.streamName, entryID, entryID, 1)
	if err != nil {
		return "", apperrors.TransientStreamStore("dlq", err)
	}
	if len(entries) == 0 {
		return "", nil
	}

	var original map[string]string
	if err := json.Unmarshal([]byte(entries[0].Fields["original_data"]), &original); err != nil {
		return "", apperrors.PoisonMessage("dlq", fmt.Errorf("replay of %s: %w", entryID, err))
	}
	newID, err := d.store.Append(ctx, targetStream, original, 0)
	if err != nil {
		return "", apperrors.TransientStreamStore("dlq", fmt.Errorf("replay push failed: %w", err))
	}

	if _, err := d.Remove(ctx, entryID); err != nil {
		return newID, err
	}
	return newID, nil
}

// Clear removes every entry in the DLQ and returns the count removed,
// matching DLQManager.clear_dlq. Intended for operator use only.
func (d *DLQ) Clear(ctx context.Context) (int, error) {
	entries, err := d.store.Range(ctx, d.streamName, "-", "+", 0)
	if err != nil {
		return 0, apperrors.TransientStreamStore("dlq", err)
	}
	removed := 0
	for _, e := range entries {
		if _, err := d.store.Delete(ctx, d.streamName, e.ID); err != nil {
			return removed, apperrors.TransientStreamStore("dlq", err)
		}
		removed++
	}
	return removed, nil
}
