// Package processor implements the per-email business logic the
// consumer invokes after idempotency and retry gating pass (spec.md
// §4.7, C7), ported from
// _examples/original_source/src/worker/processor.py's EmailProcessor:
// normalize, validate size, classify priority by keyword, and
// optionally forward the result to a downstream stream.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kepler9870u0987/mail-ingestion/internal/apperrors"
	"github.com/kepler9870u0987/mail-ingestion/internal/model"
	"github.com/kepler9870u0987/mail-ingestion/internal/streamstore"
)

// highPriorityKeywords and lowPriorityKeywords drive Classify, ported
// verbatim from processor.py's module-level keyword lists.
var (
	highPriorityKeywords = []string{
		"urgent", "important", "action required", "critical",
		"asap", "immediate", "escalation", "outage", "incident",
	}
	lowPriorityKeywords = []string{
		"newsletter", "unsubscribe", "no-reply", "noreply",
		"marketing", "promotion", "digest",
	}
)

// Config tunes the processor (spec.md §6).
type Config struct {
	MaxEmailSizeBytes int64
	OutputStream      string // empty disables forwarding
	OutputMaxLength   int64
}

func (c Config) withDefaults() Config {
	if c.MaxEmailSizeBytes <= 0 {
		c.MaxEmailSizeBytes = 26_214_400 // 25 MiB
	}
	if c.OutputMaxLength <= 0 {
		c.OutputMaxLength = 10_000
	}
	return c
}

// Result is the outcome of processing one email (processor.py's
// _default_processing return dict).
type Result struct {
	MessageID   string    `json:"message_id"`
	From        string    `json:"from"`
	To          []string  `json:"to"`
	Subject     string    `json:"subject"`
	Date        time.Time `json:"date"`
	Size        int64     `json:"size"`
	Priority    string    `json:"priority"`
	BodyPreview string    `json:"body_preview"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Processor applies the default normalize/validate/classify/forward
// pipeline to one EmailRecord at a time.
type Processor struct {
	cfg   Config
	store streamstore.Store // nil disables forwarding even if cfg.OutputStream is set

	processedCount int64
	failedCount    int64
}

// New constructs a Processor. store may be nil if OutputStream
// forwarding isn't needed.
func New(cfg Config, store streamstore.Store) *Processor {
	return &Processor{cfg: cfg.withDefaults(), store: store}
}

// Process validates, normalizes, classifies, and optionally forwards
// rec, mirroring EmailProcessor.process/_default_processing. Forwarding
// failures are discarded without logging and never fail processing,
// as the source treats them as non-fatal.
func (p *Processor) Process(ctx context.Context, rec model.EmailRecord) (Result, error) {
	if err := p.validate(rec); err != nil {
		atomic.AddInt64(&p.failedCount, 1)
		return Result{}, err
	}

	normalized := normalize(rec)

	if normalized.Size > p.cfg.MaxEmailSizeBytes {
		atomic.AddInt64(&p.failedCount, 1)
		return Result{}, apperrors.Processing("processor", fmt.Errorf(
			"email %s exceeds max size: %d > %d bytes",
			normalized.MessageID, normalized.Size, p.cfg.MaxEmailSizeBytes))
	}

	result := Result{
		MessageID:   normalized.MessageID,
		From:        normalized.From,
		To:          normalized.To,
		Subject:     normalized.Subject,
		Date:        normalized.Date,
		Size:        normalized.Size,
		Priority:    classify(normalized),
		BodyPreview: model.TruncatePreview(normalized.BodyTextPreview, 200),
		ProcessedAt: time.Now().UTC(),
	}

	if p.cfg.OutputStream != "" && p.store != nil {
		p.forward(ctx, result)
	}

	atomic.AddInt64(&p.processedCount, 1)
	return result, nil
}

func (p *Processor) validate(rec model.EmailRecord) error {
	var missing []string
	if rec.MessageID == "" {
		missing = append(missing, "message_id")
	}
	if rec.From == "" {
		missing = append(missing, "from")
	}
	if rec.Subject == "" {
		missing = append(missing, "subject")
	}
	if rec.Date.IsZero() {
		missing = append(missing, "date")
	}
	if len(missing) > 0 {
		return apperrors.Processing("processor", fmt.Errorf("missing required fields: %s", strings.Join(missing, ", ")))
	}
	return nil
}

// normalize returns a copy of rec with From/To lowercased and trimmed
// and Subject trimmed, matching EmailProcessor._normalize_email.
func normalize(rec model.EmailRecord) model.EmailRecord {
	out := rec
	out.From = strings.ToLower(strings.TrimSpace(rec.From))
	out.To = make([]string, len(rec.To))
	for i, addr := range rec.To {
		out.To[i] = strings.ToLower(strings.TrimSpace(addr))
	}
	out.Subject = strings.TrimSpace(rec.Subject)
	return out
}

// classify assigns a priority label by keyword match over subject and
// sender, matching EmailProcessor._classify_priority.
func classify(rec model.EmailRecord) string {
	combined := strings.ToLower(rec.Subject + " " + rec.From)
	for _, kw := range highPriorityKeywords {
		if strings.Contains(combined, kw) {
			return "high"
		}
	}
	for _, kw := range lowPriorityKeywords {
		if strings.Contains(combined, kw) {
			return "low"
		}
	}
	return "normal"
}

func (p *Processor) forward(ctx context.Context, result Result) {
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	_, _ = p.store.Append(ctx, p.cfg.OutputStream, map[string]string{"payload": string(payload)}, p.cfg.OutputMaxLength)
}

// Stats returns the running processed/failed counts and success rate,
// matching EmailProcessor.get_stats.
func (p *Processor) Stats() (processed, failed int64, successRate float64) {
	processed = atomic.LoadInt64(&p.processedCount)
	failed = atomic.LoadInt64(&p.failedCount)
	total := processed + failed
	if total == 0 {
		return processed, failed, 0
	}
	return processed, failed, float64(processed) / float64(total)
}
