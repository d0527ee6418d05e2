// Package model holds the wire-level types shared by the producer and
// consumer pipelines: the email record, stream entries, mailbox state,
// pending entries, DLQ records, and circuit-breaker stats.
package model

import "time"

// EmailRecord is the unit appended to the main stream (spec.md §3).
type EmailRecord struct {
	UID             uint64            `json:"uid"`
	UIDValidity     uint64            `json:"uidvalidity"`
	Mailbox         string            `json:"mailbox"`
	From            string            `json:"from"`
	To              []string          `json:"to"`
	Subject         string            `json:"subject"`
	Date            time.Time         `json:"date"`
	MessageID       string            `json:"message_id"`
	Size            int64             `json:"size"`
	Headers         map[string]string `json:"headers"`
	BodyTextPreview string            `json:"body_text_preview"`
	BodyHTMLPreview string            `json:"body_html_preview"`
	FetchedAt       time.Time         `json:"fetched_at"`
}

const (
	// BodyTextPreviewLimit is the max length of BodyTextPreview, in runes.
	BodyTextPreviewLimit = 2000
	// BodyHTMLPreviewLimit is the max length of BodyHTMLPreview, in runes.
	BodyHTMLPreviewLimit = 500
)

// TruncatePreview slices s to at most limit runes, the "s[:n]" reading
// from spec.md §9 (not an index into s), and is safe for multi-byte UTF-8.
func TruncatePreview(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

// Fingerprint returns the idempotency key for the record: its
// message-id when present, per spec.md §3/§4.4/glossary.
func (e *EmailRecord) Fingerprint() string {
	return e.MessageID
}
