// Package producer implements the IMAP-to-stream poll cycle from
// spec.md §4.6/§4.8 (C6+C8), ported from
// _examples/original_source/producer.py's EmailProducer.run/
// fetch_and_push_emails, with batching via
// _examples/original_source/src/common/batch.py's BatchProducer
// expressed through streamstore.Store.AppendBatch.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kepler9870u0987/mail-ingestion/internal/apperrors"
	"github.com/kepler9870u0987/mail-ingestion/internal/breaker"
	"github.com/kepler9870u0987/mail-ingestion/internal/imapadapter"
	"github.com/kepler9870u0987/mail-ingestion/internal/mailstate"
	"github.com/kepler9870u0987/mail-ingestion/internal/metrics"
	"github.com/kepler9870u0987/mail-ingestion/internal/model"
	"github.com/kepler9870u0987/mail-ingestion/internal/streamstore"
	"github.com/kepler9870u0987/mail-ingestion/internal/telemetry"
)

// Config tunes one producer pipeline instance (spec.md §6).
type Config struct {
	Mailbox         string
	BatchSize       int
	PollInterval    time.Duration
	StreamName      string
	MaxStreamLength int64
}

func (c Config) withDefaults() Config {
	if c.Mailbox == "" {
		c.Mailbox = "INBOX"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.StreamName == "" {
		c.StreamName = "email_stream"
	}
	return c
}

// Pipeline owns one (account, mailbox) IMAP-to-stream poll loop.
type Pipeline struct {
	cfg Config

	imap     *imapadapter.Client
	store    streamstore.Store
	state    *mailstate.Store
	imapBrk  *breaker.Breaker
	storeBrk *breaker.Breaker
	metrics  *metrics.Collector
	log      *slog.Logger
}

// New constructs a Pipeline.
func New(cfg Config, imap *imapadapter.Client, store streamstore.Store, state *mailstate.Store, imapBrk, storeBrk *breaker.Breaker, m *metrics.Collector, log *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg: cfg.withDefaults(), imap: imap, store: store, state: state,
		imapBrk: imapBrk, storeBrk: storeBrk, metrics: m, log: log,
	}
}

// Run executes poll cycles until ctx is cancelled, sleeping
// PollInterval between them (spec.md §4.6/§4.8 step sequencing,
// ported from producer.py's EmailProducer.run loop). It returns the
// context's error on exit.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx = telemetry.WithComponent(ctx, "producer")
	p.log.InfoContext(ctx, "producer starting", "mailbox", p.cfg.Mailbox, "poll_interval", p.cfg.PollInterval)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		pollCtx := telemetry.WithCorrelationID(ctx, "")
		if n, err := p.PollOnce(pollCtx); err != nil {
			p.log.ErrorContext(pollCtx, "poll cycle failed", "error", err)
		} else if n > 0 {
			p.log.InfoContext(pollCtx, "poll cycle processed emails", "count", n)
		}

		select {
		case <-ctx.Done():
			p.log.InfoContext(ctx, "producer stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce runs a single fetch-and-push cycle (spec.md §4.6 steps 1-8)
// and returns the number of emails successfully pushed to the stream.
func (p *Pipeline) PollOnce(ctx context.Context) (int, error) {
	start := time.Now()
	p.metrics.IMAPPolls.Inc()
	defer func() { p.metrics.ObserveIMAPPollDuration(time.Since(start)) }()

	if err := p.ensureConnected(ctx); err != nil {
		return 0, err
	}

	uidValidity, total, err := p.selectMailbox()
	if err != nil {
		p.imap.Close()
		return 0, err
	}

	changed, err := p.state.CheckUIDValidityChanged(ctx, p.cfg.Mailbox, uidValidity)
	if err != nil {
		return 0, err
	}
	if changed {
		p.log.WarnContext(ctx, "uidvalidity changed, resetting mailbox state", "mailbox", p.cfg.Mailbox)
		if err := p.state.ResetMailbox(ctx, p.cfg.Mailbox); err != nil {
			return 0, err
		}
	}

	lastUID, err := p.state.LastUID(ctx, p.cfg.Mailbox)
	if err != nil {
		return 0, err
	}
	p.log.InfoContext(ctx, "polling mailbox", "mailbox", p.cfg.Mailbox, "uidvalidity", uidValidity, "last_uid", lastUID, "total_messages", total)

	uids, err := p.fetchUIDsSince(lastUID)
	if err != nil {
		p.imap.Close()
		return 0, err
	}
	if len(uids) == 0 {
		return 0, p.state.UpdateLastPoll(ctx, p.cfg.Mailbox)
	}

	records, err := p.fetchMessages(uids)
	if err != nil {
		p.imap.Close()
		return 0, err
	}

	pushed, lastPushedUID, err := p.pushBatch(ctx, records)
	if pushed > 0 {
		if commitErr := p.state.CommitAtomic(ctx, p.cfg.Mailbox, uidValidity, lastPushedUID); commitErr != nil {
			return pushed, commitErr
		}
		_ = p.state.IncrementEmailCount(ctx, p.cfg.Mailbox, uint64(pushed))
		p.metrics.EmailsProduced.Add(float64(pushed))
	}
	return pushed, err
}

func (p *Pipeline) ensureConnected(ctx context.Context) error {
	if p.imap.Connected() {
		return nil
	}
	if !p.imapBrk.AllowRequest() {
		return apperrors.TransientIMAP("imap", fmt.Errorf("circuit open, retry after %s", p.imapBrk.RetryAfter()))
	}
	if err := p.imap.Connect(ctx); err != nil {
		p.imapBrk.RecordFailure(err)
		return err
	}
	p.imapBrk.RecordSuccess()
	return nil
}

func (p *Pipeline) selectMailbox() (uint64, uint32, error) {
	if !p.imapBrk.AllowRequest() {
		return 0, 0, apperrors.TransientIMAP("imap", fmt.Errorf("circuit open"))
	}
	uidValidity, total, err := p.imap.SelectMailbox(p.cfg.Mailbox)
	if err != nil {
		p.imapBrk.RecordFailure(err)
		return 0, 0, err
	}
	p.imapBrk.RecordSuccess()
	return uidValidity, total, nil
}

func (p *Pipeline) fetchUIDsSince(lastUID uint64) ([]uint64, error) {
	if !p.imapBrk.AllowRequest() {
		return nil, apperrors.TransientIMAP("imap", fmt.Errorf("circuit open"))
	}
	uids, err := p.imap.UIDsSince(lastUID, p.cfg.BatchSize)
	if err != nil {
		p.imapBrk.RecordFailure(err)
		return nil, err
	}
	p.imapBrk.RecordSuccess()
	return uids, nil
}

func (p *Pipeline) fetchMessages(uids []uint64) ([]model.EmailRecord, error) {
	if !p.imapBrk.AllowRequest() {
		return nil, apperrors.TransientIMAP("imap", fmt.Errorf("circuit open"))
	}
	records, err := p.imap.FetchMessages(uids)
	if err != nil {
		p.imapBrk.RecordFailure(err)
		return nil, err
	}
	p.imapBrk.RecordSuccess()
	return records, nil
}

// pushBatch serializes records incrementally and appends whatever
// serialized cleanly as a single stream-store batch. A mid-batch
// json.Marshal failure stops serialization but does not discard the
// already-serialized prefix: it still flushes, so the watermark
// committed by the caller advances only to the last successfully
// flushed UID (spec.md §4.6 "Ordering and tie-breaks"), matching
// fetch_and_push_emails's per-message try/except that still commits
// whatever succeeded.
func (p *Pipeline) pushBatch(ctx context.Context, records []model.EmailRecord) (int, uint64, error) {
	if !p.storeBrk.AllowRequest() {
		return 0, 0, apperrors.TransientStreamStore("stream_store", fmt.Errorf("circuit open"))
	}

	batchID := uuid.NewString()
	batch, marshalErr := serializeBatch(records, batchID, json.Marshal)
	if len(batch) == 0 {
		return 0, 0, marshalErr
	}

	ids, err := p.store.AppendBatch(ctx, p.cfg.StreamName, batch, p.cfg.MaxStreamLength)
	if err != nil {
		p.storeBrk.RecordFailure(err)
		if len(ids) == 0 {
			return 0, 0, err
		}
	} else {
		p.storeBrk.RecordSuccess()
	}

	pushed := len(ids)
	if pushed == 0 {
		return 0, 0, err
	}
	if err == nil {
		err = marshalErr
	}
	return pushed, records[pushed-1].UID, err
}

// serializeBatch JSON-encodes each record into a stream field map,
// stopping at the first encoding failure but keeping every entry
// serialized before it (spec.md §4.6 "Ordering and tie-breaks"): a
// mid-batch failure must not discard the already-serialized prefix.
// marshal is injected (production always passes json.Marshal) so
// tests can force a failure partway through a batch.
func serializeBatch(records []model.EmailRecord, batchID string, marshal func(any) ([]byte, error)) ([]map[string]string, error) {
	batch := make([]map[string]string, 0, len(records))
	for _, rec := range records {
		payload, err := marshal(rec)
		if err != nil {
			return batch, apperrors.Processing("marshal", err)
		}
		batch = append(batch, map[string]string{"payload": string(payload), "batch_id": batchID})
	}
	return batch, nil
}
