// Package consumer implements the steady-state consumer-group read
// loop from spec.md §4.7 (C7): idempotency gating, backoff-aware
// retry, DLQ routing, and orphan recovery wrapped around per-message
// processing. Ported from
// _examples/original_source/worker.py's EmailWorker.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kepler9870u0987/mail-ingestion/internal/apperrors"
	"github.com/kepler9870u0987/mail-ingestion/internal/breaker"
	"github.com/kepler9870u0987/mail-ingestion/internal/idempotency"
	"github.com/kepler9870u0987/mail-ingestion/internal/metrics"
	"github.com/kepler9870u0987/mail-ingestion/internal/model"
	"github.com/kepler9870u0987/mail-ingestion/internal/processor"
	"github.com/kepler9870u0987/mail-ingestion/internal/retry"
	"github.com/kepler9870u0987/mail-ingestion/internal/streamstore"
	"github.com/kepler9870u0987/mail-ingestion/internal/telemetry"
)

// Config tunes one Worker instance (spec.md §6).
type Config struct {
	StreamName       string
	Group            string
	ConsumerName     string
	BatchSize        int64
	BlockTimeout     time.Duration
	RecoveryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = "email_stream"
	}
	if c.Group == "" {
		c.Group = "email_workers"
	}
	if c.ConsumerName == "" {
		c.ConsumerName = "worker-1"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 60 * time.Second
	}
	return c
}

// Processor processes one decoded email record; satisfied by
// *processor.Processor in production, and by a scripted stub in tests
// that need to force specific failure sequences.
type Processor interface {
	Process(ctx context.Context, rec model.EmailRecord) (processor.Result, error)
	Stats() (processed, failed int64, successRate float64)
}

// Worker consumes email_stream entries under one consumer group,
// processing, deduplicating, retrying, and dead-lettering each one
// (EmailWorker's run/process_message).
type Worker struct {
	cfg Config

	store     streamstore.Store
	idem      idempotency.Filter
	backoff   *retry.Controller
	dlq       *DLQ
	proc      Processor
	recovery  *Recovery
	brk       *breaker.Breaker
	metrics   *metrics.Collector
	log       *slog.Logger

	processed int64
	skipped   int64
	failed    int64
	dlqCount  int64
	recovered int64
}

// New constructs a Worker.
func New(cfg Config, store streamstore.Store, idem idempotency.Filter, backoff *retry.Controller, dlq *DLQ, proc Processor, recovery *Recovery, brk *breaker.Breaker, m *metrics.Collector, log *slog.Logger) *Worker {
	return &Worker{
		cfg: cfg.withDefaults(), store: store, idem: idem, backoff: backoff,
		dlq: dlq, proc: proc, recovery: recovery, brk: brk, metrics: m, log: log,
	}
}

// EnsureGroup creates the consumer group starting from the beginning
// of the stream, tolerating BUSYGROUP (ensure_consumer_group).
func (w *Worker) EnsureGroup(ctx context.Context) error {
	return w.store.CreateGroup(ctx, w.cfg.StreamName, w.cfg.Group)
}

// Run drives the consumer loop until ctx is cancelled: an initial
// orphan-recovery pass, then repeated XREADGROUP batches interleaved
// with periodic recovery sweeps, each message gated by idempotency and
// backoff before processing (EmailWorker.run).
func (w *Worker) Run(ctx context.Context) error {
	ctx = telemetry.WithComponent(ctx, "worker")
	w.log.InfoContext(ctx, "worker starting", "stream", w.cfg.StreamName, "group", w.cfg.Group, "consumer", w.cfg.ConsumerName)

	if err := w.EnsureGroup(ctx); err != nil {
		return err
	}

	w.metrics.SetActiveWorkers(1)
	defer w.metrics.SetActiveWorkers(0)

	w.runRecoverySweep(ctx)

	lastRecovery := time.Now()
	for {
		select {
		case <-ctx.Done():
			w.log.InfoContext(ctx, "worker shutting down")
			w.logStats(ctx)
			return ctx.Err()
		default:
		}

		if !w.brk.AllowRequest() {
			w.log.WarnContext(ctx, "stream store circuit open, waiting", "retry_after", w.brk.RetryAfter())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}

		if time.Since(lastRecovery) >= w.cfg.RecoveryInterval {
			w.runRecoverySweep(ctx)
			lastRecovery = time.Now()
		}

		msgCtx := telemetry.WithCorrelationID(ctx, "")
		entries, err := w.store.GroupRead(msgCtx, w.cfg.StreamName, w.cfg.Group, w.cfg.ConsumerName, w.cfg.BatchSize, w.cfg.BlockTimeout)
		if err != nil {
			w.brk.RecordFailure(err)
			w.log.ErrorContext(msgCtx, "stream read failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		w.brk.RecordSuccess()

		for _, entry := range entries {
			if ctx.Err() != nil {
				break
			}
			w.handleEntry(msgCtx, entry)
		}

		if w.processed > 0 && w.processed%100 == 0 {
			w.logStats(ctx)
		}
	}
}

func (w *Worker) handleEntry(ctx context.Context, entry model.StreamEntry) {
	success := w.processMessage(ctx, entry)
	if !success {
		w.log.WarnContext(ctx, "message not acknowledged, will retry", "entry_id", entry.ID)
		return
	}
	if _, err := w.store.Ack(ctx, w.cfg.StreamName, w.cfg.Group, entry.ID); err != nil {
		w.log.ErrorContext(ctx, "ack failed", "entry_id", entry.ID, "error", err)
	}
}

// processMessage runs one entry through idempotency, backoff, and the
// processor, returning true if it should be ACKed (processed, skipped
// as duplicate, or routed to DLQ) and false if it should be left
// pending for redelivery (EmailWorker.process_message).
func (w *Worker) processMessage(ctx context.Context, entry model.StreamEntry) bool {
	rec, err := decodeRecord(entry)
	if err != nil {
		w.log.ErrorContext(ctx, "malformed stream entry, routing to DLQ", "entry_id", entry.ID, "error", err)
		return w.sendToDLQ(ctx, entry, err, 0)
	}

	fingerprint := rec.Fingerprint()
	if fingerprint == "" {
		fingerprint = entry.ID
	}

	if dup, err := w.idem.IsDuplicate(ctx, fingerprint); err == nil && dup {
		w.log.InfoContext(ctx, "skipping duplicate message", "message_id", fingerprint)
		atomic.AddInt64(&w.skipped, 1)
		w.metrics.IdempotencyDuplicates.Inc()
		return true
	}

	if !w.backoff.ShouldRetry(fingerprint) {
		attempts := w.backoff.Attempts(fingerprint)
		w.log.WarnContext(ctx, "message exceeded max retries, routing to DLQ", "message_id", fingerprint, "attempts", attempts)
		if !w.sendToDLQ(ctx, entry, fmt.Errorf("max retries exceeded: %d", attempts), attempts) {
			return false
		}
		_, _ = w.idem.MarkProcessed(ctx, fingerprint)
		return true
	}

	start := time.Now()
	_, procErr := w.proc.Process(ctx, rec)
	elapsed := time.Since(start)

	if procErr != nil {
		attempts := w.backoff.RecordFailure(fingerprint)
		atomic.AddInt64(&w.failed, 1)
		w.metrics.EmailsFailed.Inc()
		w.metrics.BackoffRetries.Inc()
		w.log.ErrorContext(ctx, "processing failed", "message_id", fingerprint, "attempt", attempts, "error", procErr)
		return false
	}

	_, _ = w.idem.MarkProcessed(ctx, fingerprint)
	w.backoff.RecordSuccess(fingerprint)
	atomic.AddInt64(&w.processed, 1)
	w.metrics.EmailsProcessed.Inc()
	w.metrics.ObserveProcessingLatency(elapsed)
	w.log.InfoContext(ctx, "processed message", "message_id", fingerprint, "elapsed", elapsed)
	return true
}

func (w *Worker) sendToDLQ(ctx context.Context, entry model.StreamEntry, cause error, retryCount int) bool {
	payload, _ := json.Marshal(entry.Fields)
	_, err := w.dlq.Send(ctx, model.DLQRecord{
		OriginalEntryID: entry.ID,
		ErrorType:       "processing_error",
		ErrorMessage:    cause.Error(),
		RetryCount:      retryCount,
		OriginalData:    string(payload),
	})
	if err != nil {
		w.log.ErrorContext(ctx, "failed to send to DLQ", "entry_id", entry.ID, "error", err)
		return false
	}
	atomic.AddInt64(&w.dlqCount, 1)
	w.metrics.DLQMessages.Inc()
	return true
}

// runRecoverySweep claims orphaned entries and processes them inline,
// routing expired ones straight to the DLQ, matching the startup and
// periodic recovery blocks in EmailWorker.run.
func (w *Worker) runRecoverySweep(ctx context.Context) {
	claimed, expired, err := w.recovery.Sweep(ctx)
	if err != nil {
		w.log.WarnContext(ctx, "orphan recovery failed (non-fatal)", "error", err)
		return
	}

	if len(claimed) > 0 {
		w.metrics.OrphanMessagesClaimed.Add(float64(len(claimed)))
	}

	for _, entry := range claimed {
		w.log.InfoContext(ctx, "processing recovered message", "entry_id", entry.ID)
		if w.processMessage(ctx, entry) {
			if _, err := w.store.Ack(ctx, w.cfg.StreamName, w.cfg.Group, entry.ID); err == nil {
				atomic.AddInt64(&w.recovered, 1)
			}
		}
	}

	for _, entryID := range expired {
		if !w.sendToDLQ(ctx, model.StreamEntry{ID: entryID}, apperrors.PoisonMessage("recovery", fmt.Errorf("exceeded max delivery count")), 0) {
			continue
		}
		if _, err := w.store.Ack(ctx, w.cfg.StreamName, w.cfg.Group, entryID); err != nil {
			w.log.ErrorContext(ctx, "failed to ack expired DLQ entry", "entry_id", entryID, "error", err)
		}
	}
}

func decodeRecord(entry model.StreamEntry) (model.EmailRecord, error) {
	var rec model.EmailRecord
	payload, ok := entry.Fields["payload"]
	if !ok {
		return rec, apperrors.PoisonMessage("decode", fmt.Errorf("entry %s has no payload field", entry.ID))
	}
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return rec, apperrors.PoisonMessage("decode", fmt.Errorf("entry %s: %w", entry.ID, err))
	}
	return rec, nil
}

func (w *Worker) logStats(ctx context.Context) {
	w.metrics.RefreshUptime()
	if n, err := w.dlq.Length(ctx); err == nil {
		w.metrics.SetDLQDepth(n)
	}

	processed, failed, successRate := w.proc.Stats()
	w.log.InfoContext(ctx, "worker stats",
		"processed", atomic.LoadInt64(&w.processed),
		"skipped", atomic.LoadInt64(&w.skipped),
		"failed", atomic.LoadInt64(&w.failed),
		"dlq", atomic.LoadInt64(&w.dlqCount),
		"recovered", atomic.LoadInt64(&w.recovered),
		"processor_processed", processed,
		"processor_failed", failed,
		"processor_success_rate", successRate,
	)
}

// Stats returns a snapshot of the worker's running counters, used by
// the health registry's stats provider.
type Stats struct {
	Processed int64
	Skipped   int64
	Failed    int64
	DLQ       int64
	Recovered int64
}

func (w *Worker) Stats() Stats {
	return Stats{
		Processed: atomic.LoadInt64(&w.processed),
		Skipped:   atomic.LoadInt64(&w.skipped),
		Failed:    atomic.LoadInt64(&w.failed),
		DLQ:       atomic.LoadInt64(&w.dlqCount),
		Recovered: atomic.LoadInt64(&w.recovered),
	}
}
