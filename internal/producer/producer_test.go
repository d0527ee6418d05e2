package producer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kepler9870u0987/mail-ingestion/internal/breaker"
	"github.com/kepler9870u0987/mail-ingestion/internal/metrics"
	"github.com/kepler9870u0987/mail-ingestion/internal/model"
	"github.com/kepler9870u0987/mail-ingestion/internal/streamstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleEmail(uid uint64, msgID string) model.EmailRecord {
	return model.EmailRecord{
		UID:         uid,
		UIDValidity: 1,
		Mailbox:     "INBOX",
		From:        "sender@example.com",
		To:          []string{"to@example.com"},
		Subject:     "hello",
		Date:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		MessageID:   msgID,
		Size:        10,
		FetchedAt:   time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
	}
}

// TestSerializeBatchStopsAtFirstFailureButKeepsPrefix is the ordering
// and tie-break guarantee behind review item (d): a mid-batch encoding
// failure must not discard records that already serialized cleanly.
func TestSerializeBatchStopsAtFirstFailureButKeepsPrefix(t *testing.T) {
	records := []model.EmailRecord{sampleEmail(1, "a"), sampleEmail(2, "b"), sampleEmail(3, "c")}

	calls := 0
	failOnSecond := func(v any) ([]byte, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("forced encoding failure")
		}
		rec := v.(model.EmailRecord)
		return []byte(`{"uid":` + itoa(rec.UID) + `}`), nil
	}

	batch, err := serializeBatch(records, "batch-1", failOnSecond)
	if err == nil {
		t.Fatal("expected the forced encoding failure to surface")
	}
	if len(batch) != 1 {
		t.Fatalf("prefix before the failure must survive: got %d entries, want 1", len(batch))
	}
	if batch[0]["batch_id"] != "batch-1" {
		t.Fatalf("surviving entry missing batch_id tag: %+v", batch[0])
	}
}

func itoa(u uint64) string {
	if u == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	return string(buf[i:])
}

func testPipeline(t *testing.T, store streamstore.Store) *Pipeline {
	t.Helper()
	return &Pipeline{
		cfg:      Config{StreamName: "email_stream", MaxStreamLength: 0}.withDefaults(),
		store:    store,
		storeBrk: breaker.New("stream_store", breaker.Config{FailureThreshold: 1000}),
		metrics:  metrics.New(prometheus.NewRegistry()),
		log:      testLogger(),
	}
}

func TestPushBatchHappyPath(t *testing.T) {
	store := streamstore.NewFake()
	p := testPipeline(t, store)
	records := []model.EmailRecord{sampleEmail(1, "a"), sampleEmail(2, "b")}

	pushed, lastUID, err := p.pushBatch(context.Background(), records)
	if err != nil {
		t.Fatalf("pushBatch: %v", err)
	}
	if pushed != 2 {
		t.Fatalf("pushed = %d, want 2", pushed)
	}
	if lastUID != 2 {
		t.Fatalf("lastUID = %d, want 2 (the last record's UID)", lastUID)
	}
	length, _ := store.Length(context.Background(), "email_stream")
	if length != 2 {
		t.Fatalf("stream length = %d, want 2", length)
	}
}

func TestPushBatchFullStoreFailureReturnsError(t *testing.T) {
	fake := streamstore.NewFake()
	fake.AppendErr = errors.New("redis down")
	p := testPipeline(t, fake)

	pushed, _, err := p.pushBatch(context.Background(), []model.EmailRecord{sampleEmail(1, "a")})
	if err == nil {
		t.Fatal("expected the store failure to surface")
	}
	if pushed != 0 {
		t.Fatalf("pushed = %d, want 0 when the whole append fails", pushed)
	}
}

func TestPushBatchCircuitOpenRejectsImmediately(t *testing.T) {
	fake := streamstore.NewFake()
	p := testPipeline(t, fake)
	p.storeBrk = breaker.New("stream_store", breaker.Config{FailureThreshold: 1})
	p.storeBrk.RecordFailure(errors.New("boom"))

	pushed, _, err := p.pushBatch(context.Background(), []model.EmailRecord{sampleEmail(1, "a")})
	if err == nil {
		t.Fatal("expected an error while the circuit is open")
	}
	if pushed != 0 {
		t.Fatalf("pushed = %d, want 0 while circuit is open", pushed)
	}
}
