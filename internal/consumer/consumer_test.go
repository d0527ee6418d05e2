package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kepler9870u0987/mail-ingestion/internal/breaker"
	"github.com/kepler9870u0987/mail-ingestion/internal/idempotency"
	"github.com/kepler9870u0987/mail-ingestion/internal/metrics"
	"github.com/kepler9870u0987/mail-ingestion/internal/model"
	"github.com/kepler9870u0987/mail-ingestion/internal/processor"
	"github.com/kepler9870u0987/mail-ingestion/internal/retry"
	"github.com/kepler9870u0987/mail-ingestion/internal/streamstore"
)

const (
	testStream = "email_stream"
	testGroup  = "email_workers"
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

func appendRecord(t *testing.T, store streamstore.Store, rec model.EmailRecord) string {
	t.Helper()
	payload, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	id, err := store.Append(context.Background(), testStream, map[string]string{"payload": string(payload)}, 0)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return id
}

// stubProcessor fails its first failTimes calls, then always succeeds.
type stubProcessor struct {
	mu        sync.Mutex
	calls     int
	failTimes int
	processed int64
	failed    int64
}

func (s *stubProcessor) Process(ctx context.Context, rec model.EmailRecord) (processor.Result, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if n <= s.failTimes {
		s.mu.Lock()
		s.failed++
		s.mu.Unlock()
		return processor.Result{}, fmt.Errorf("forced processing failure %d", n)
	}
	s.mu.Lock()
	s.processed++
	s.mu.Unlock()
	return processor.Result{MessageID: rec.MessageID}, nil
}

func (s *stubProcessor) Stats() (processed, failed int64, successRate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.processed + s.failed
	if total == 0 {
		return s.processed, s.failed, 0
	}
	return s.processed, s.failed, float64(s.processed) / float64(total)
}

type harness struct {
	store   streamstore.Store
	dlq     *DLQ
	backoff *retry.Controller
	idem    idempotency.Filter
	m       *metrics.Collector
	worker  *Worker
}

func newHarness(t *testing.T, store streamstore.Store, proc Processor, retryCfg retry.Config, consumerName string) *harness {
	t.Helper()
	log := testLogger()

	if err := store.CreateGroup(context.Background(), testStream, testGroup); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	dlq := NewDLQ(store, "email_ingestion_dlq", 0)
	backoff := retry.NewController(retryCfg)
	idem := idempotency.NewLocalFilter(1000, time.Hour)
	m := metrics.New(prometheus.NewRegistry())
	brk := breaker.New("stream_store", breaker.Config{FailureThreshold: 1000})
	recovery := NewRecovery(store, testStream, testGroup, consumerName, 100*time.Millisecond, 100, 5, log)

	w := New(Config{StreamName: testStream, Group: testGroup, ConsumerName: consumerName, BatchSize: 10},
		store, idem, backoff, dlq, proc, recovery, brk, m, log)

	return &harness{store: store, dlq: dlq, backoff: backoff, idem: idem, m: m, worker: w}
}

// Seed scenario 1: happy path.
func TestSeedScenarioHappyPath(t *testing.T) {
	store := streamstore.NewFake()
	h := newHarness(t, store, &stubProcessor{}, retry.Config{MaxRetries: 3}, "worker-1")
	ctx := context.Background()

	appendRecord(t, store, sampleEmail(101, "a@example.com"))
	appendRecord(t, store, sampleEmail(102, "b@example.com"))
	appendRecord(t, store, sampleEmail(103, "c@example.com"))

	entries, err := store.GroupRead(ctx, testStream, testGroup, "worker-1", 10, 0)
	if err != nil {
		t.Fatalf("GroupRead: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for _, e := range entries {
		h.worker.handleEntry(ctx, e)
	}

	stats := h.worker.Stats()
	if stats.Processed != 3 || stats.Failed != 0 || stats.DLQ != 0 {
		t.Fatalf("stats = %+v, want processed=3 failed=0 dlq=0", stats)
	}
	pending, _ := store.PendingRange(ctx, testStream, testGroup, 0, 10)
	if len(pending) != 0 {
		t.Fatalf("expected all entries acked, %d still pending", len(pending))
	}
}

// Seed scenario 2: duplicate resistance.
func TestSeedScenarioDuplicateResistance(t *testing.T) {
	store := streamstore.NewFake()
	proc := &stubProcessor{}
	h := newHarness(t, store, proc, retry.Config{MaxRetries: 3}, "worker-1")
	ctx := context.Background()

	rec := sampleEmail(201, "dup@example.com")
	appendRecord(t, store, rec)
	appendRecord(t, store, rec)

	entries, err := store.GroupRead(ctx, testStream, testGroup, "worker-1", 10, 0)
	if err != nil {
		t.Fatalf("GroupRead: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for _, e := range entries {
		h.worker.handleEntry(ctx, e)
	}

	stats := h.worker.Stats()
	if stats.Processed != 1 {
		t.Fatalf("processed = %d, want 1 (processor invoked exactly once)", stats.Processed)
	}
	if stats.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1 (duplicates_skipped)", stats.Skipped)
	}
	if proc.calls != 1 {
		t.Fatalf("processor.calls = %d, want 1", proc.calls)
	}
	if got := testutil.ToFloat64(h.m.IdempotencyDuplicates); got != 1 {
		t.Fatalf("idempotency_duplicates_total = %v, want 1", got)
	}
	pending, _ := store.PendingRange(ctx, testStream, testGroup, 0, 10)
	if len(pending) != 0 {
		t.Fatalf("both entries must be acked (one processed, one duplicate), %d still pending", len(pending))
	}
}

// Seed scenario 3: retry then success.
func TestSeedScenarioRetryThenSuccess(t *testing.T) {
	store := streamstore.NewFake()
	proc := &stubProcessor{failTimes: 2}
	retryCfg := retry.Config{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, MaxRetries: 3}
	h := newHarness(t, store, proc, retryCfg, "worker-1")
	ctx := context.Background()

	appendRecord(t, store, sampleEmail(301, "retry@example.com"))
	entries, err := store.GroupRead(ctx, testStream, testGroup, "worker-1", 10, 0)
	if err != nil {
		t.Fatalf("GroupRead: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]

	// Cycle 1: fails.
	h.worker.handleEntry(ctx, entry)
	// Cycle 2: fails.
	time.Sleep(10 * time.Millisecond)
	h.worker.handleEntry(ctx, entry)
	// Cycle 3: succeeds.
	time.Sleep(10 * time.Millisecond)
	h.worker.handleEntry(ctx, entry)

	stats := h.worker.Stats()
	if stats.Processed != 1 || stats.Failed != 2 || stats.DLQ != 0 {
		t.Fatalf("stats = %+v, want processed=1 failed=2 dlq=0", stats)
	}
	pending, _ := store.PendingRange(ctx, testStream, testGroup, 0, 10)
	if len(pending) != 0 {
		t.Fatalf("entry must be acked after the third, successful cycle, %d still pending", len(pending))
	}
}

// Seed scenario 4: poison message routed to the DLQ.
func TestSeedScenarioPoisonToDLQ(t *testing.T) {
	store := streamstore.NewFake()
	proc := &stubProcessor{failTimes: 1_000_000}
	retryCfg := retry.Config{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, MaxRetries: 2}
	h := newHarness(t, store, proc, retryCfg, "worker-1")
	ctx := context.Background()

	rec := sampleEmail(401, "poison@example.com")
	appendRecord(t, store, rec)
	entries, err := store.GroupRead(ctx, testStream, testGroup, "worker-1", 10, 0)
	if err != nil {
		t.Fatalf("GroupRead: %v", err)
	}
	entry := entries[0]

	h.worker.handleEntry(ctx, entry) // attempt 1: fails
	time.Sleep(10 * time.Millisecond)
	h.worker.handleEntry(ctx, entry) // attempt 2: fails, attempts == max_retry_attempts
	time.Sleep(10 * time.Millisecond)
	h.worker.handleEntry(ctx, entry) // routed to DLQ and acked

	stats := h.worker.Stats()
	if stats.DLQ != 1 {
		t.Fatalf("dlq count = %d, want 1", stats.DLQ)
	}
	length, err := h.dlq.Length(ctx)
	if err != nil {
		t.Fatalf("dlq.Length: %v", err)
	}
	if length != 1 {
		t.Fatalf("dlq stream length = %d, want 1", length)
	}

	dlqEntries, err := h.dlq.Peek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq.Peek: %v", err)
	}
	if len(dlqEntries) != 1 {
		t.Fatalf("expected 1 dlq entry, got %d", len(dlqEntries))
	}
	fields := dlqEntries[0].Fields
	if fields["error_type"] != "processing_error" {
		t.Fatalf("error_type = %q, want processing_error", fields["error_type"])
	}

	var original map[string]string
	if err := json.Unmarshal([]byte(fields["original_data"]), &original); err != nil {
		t.Fatalf("original_data is not valid JSON: %v", err)
	}
	wantPayload, _ := json.Marshal(rec)
	if original["payload"] != string(wantPayload) {
		t.Fatal("DLQ entry must carry the original payload intact")
	}

	pending, _ := store.PendingRange(ctx, testStream, testGroup, 0, 10)
	if len(pending) != 0 {
		t.Fatalf("the main-stream entry must be acked once routed to the DLQ, %d still pending", len(pending))
	}
}

// Seed scenario 5: crash recovery via orphan sweep.
func TestSeedScenarioCrashRecovery(t *testing.T) {
	fake := streamstore.NewFake()
	ctx := context.Background()
	minIdle := 50 * time.Millisecond

	base := time.Now()
	fake.SetClock(func() time.Time { return base })

	h1 := newHarness(t, fake, &stubProcessor{}, retry.Config{MaxRetries: 3}, "old")
	// recovery min-idle on h1 doesn't matter; only h2's does.

	appendRecord(t, fake, sampleEmail(501, "d@example.com"))
	appendRecord(t, fake, sampleEmail(502, "e@example.com"))

	entries, err := fake.GroupRead(ctx, testStream, testGroup, "old", 10, 0)
	if err != nil {
		t.Fatalf("GroupRead: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries delivered to the old consumer, got %d", len(entries))
	}

	// Process D successfully; "crash" before handling E.
	h1.worker.handleEntry(ctx, entries[0])

	// A new worker instance takes over "old"'s work as consumer "new".
	h2log := testLogger()
	dlq2 := NewDLQ(fake, "email_ingestion_dlq", 0)
	backoff2 := retry.NewController(retry.Config{MaxRetries: 3})
	idem2 := idempotency.NewLocalFilter(1000, time.Hour)
	m2 := metrics.New(prometheus.NewRegistry())
	brk2 := breaker.New("stream_store", breaker.Config{FailureThreshold: 1000})
	recovery2 := NewRecovery(fake, testStream, testGroup, "new", minIdle, 100, 5, h2log)
	w2 := New(Config{StreamName: testStream, Group: testGroup, ConsumerName: "new", BatchSize: 10},
		fake, idem2, backoff2, dlq2, &stubProcessor{}, recovery2, brk2, m2, h2log)

	fake.SetClock(func() time.Time { return base.Add(minIdle) })
	w2.runRecoverySweep(ctx)

	stats := w2.Stats()
	if stats.Recovered != 1 {
		t.Fatalf("recovered = %d, want 1", stats.Recovered)
	}
	if got := testutil.ToFloat64(m2.OrphanMessagesClaimed); got != 1 {
		t.Fatalf("orphan_messages_claimed_total = %v, want 1", got)
	}
	pending, _ := fake.PendingRange(ctx, testStream, testGroup, 0, 10)
	if len(pending) != 0 {
		t.Fatalf("E must be acked once recovered and processed, %d still pending", len(pending))
	}
}
