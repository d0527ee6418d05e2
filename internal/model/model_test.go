package model

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"
)

func sampleRecord() EmailRecord {
	return EmailRecord{
		UID:             101,
		UIDValidity:     1000,
		Mailbox:         "INBOX",
		From:            "sender@example.com",
		To:              []string{"a@example.com", "b@example.com"},
		Subject:         "hello world",
		Date:            time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		MessageID:       "<abc123@example.com>",
		Size:            4096,
		Headers:         map[string]string{"X-Custom": "v"},
		BodyTextPreview: "preview text",
		BodyHTMLPreview: "<p>preview</p>",
		FetchedAt:       time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC),
	}
}

func TestEmailRecordRoundTrip(t *testing.T) {
	rec := sampleRecord()

	b1, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded EmailRecord
	if err := json.Unmarshal(b1, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	b2, err := json.Marshal(decoded)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}

	if string(b1) != string(b2) {
		t.Fatalf("round-trip not byte-identical:\n%s\n%s", b1, b2)
	}
	if !reflect.DeepEqual(decoded, rec) {
		t.Fatalf("round-trip value mismatch: got %+v, want %+v", decoded, rec)
	}
}

func TestTruncatePreviewBoundary(t *testing.T) {
	short := "hello"
	if got := TruncatePreview(short, 10); got != short {
		t.Fatalf("under-limit string should pass through unchanged, got %q", got)
	}

	exact := strings.Repeat("x", 10)
	if got := TruncatePreview(exact, 10); got != exact {
		t.Fatalf("exact-limit string should pass through unchanged, got %q", got)
	}

	over := strings.Repeat("x", 11)
	if got := TruncatePreview(over, 10); got != strings.Repeat("x", 10) {
		t.Fatalf("over-limit string should truncate to 10 runes, got %q", got)
	}

	// multi-byte runes: truncation counts runes, not bytes.
	multiByte := strings.Repeat("é", 5) // 2 bytes each in UTF-8
	if got := TruncatePreview(multiByte, 3); got != strings.Repeat("é", 3) {
		t.Fatalf("rune-aware truncation of multi-byte string, got %q (%d bytes)", got, len(got))
	}
}

func TestFingerprintUsesMessageID(t *testing.T) {
	rec := sampleRecord()
	if got := rec.Fingerprint(); got != rec.MessageID {
		t.Fatalf("fingerprint = %q, want message id %q", got, rec.MessageID)
	}

	empty := EmailRecord{}
	if got := empty.Fingerprint(); got != "" {
		t.Fatalf("fingerprint of record with no message id = %q, want empty", got)
	}
}
