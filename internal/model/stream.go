package model

import (
	"strconv"
	"time"
)

// StreamEntry is a single (entry_id, fields) pair read from a stream.
// entry_id is the opaque, monotonically increasing ID assigned by the
// stream store (spec.md §3).
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// PendingEntry describes one row returned by PendingRange, owned by the
// stream store (spec.md §3/§4.1).
type PendingEntry struct {
	EntryID       string
	Consumer      string
	IdleDuration  time.Duration
	DeliveryCount int64
}

// MailboxState is the per-(account,mailbox) producer watermark (spec.md §3).
type MailboxState struct {
	Account     string
	Mailbox     string
	LastUID     uint64
	UIDValidity uint64
	HasUIDValidity bool
	LastPoll    time.Time
	TotalEmails uint64
}

// DLQRecord is the entry shape appended to the dead-letter stream
// (spec.md §6).
type DLQRecord struct {
	OriginalEntryID string
	FailedAt        time.Time
	ErrorType       string
	ErrorMessage    string
	RetryCount      int
	OriginalData    string // UTF-8 JSON of the original stream entry's field map
	Metadata        string // optional UTF-8 JSON, empty if unset
}

// ToFields serializes a DLQRecord to the stream-entry field map described
// in spec.md §6.
func (d *DLQRecord) ToFields() map[string]string {
	f := map[string]string{
		"original_entry_id": d.OriginalEntryID,
		"failed_at":         d.FailedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		"error_type":        d.ErrorType,
		"error_message":     d.ErrorMessage,
		"retry_count":       strconv.Itoa(d.RetryCount),
		"original_data":     d.OriginalData,
	}
	if d.Metadata != "" {
		f["metadata"] = d.Metadata
	}
	return f
}
