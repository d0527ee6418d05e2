package streamstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kepler9870u0987/mail-ingestion/internal/model"
)

// Fake is an in-memory Store, the promised counterpart to RedisStore
// used by internal/producer's and internal/consumer's package tests
// (a _test.go file cannot be imported by another package's tests, so
// this lives in a regular file). It reproduces the subset of Redis
// Streams semantics those tests depend on: monotonic entry IDs,
// consumer-group cursors, and a per-entry pending-entries list (PEL)
// with delivery counts and idle time.
type Fake struct {
	mu      sync.Mutex
	seq     uint64
	streams map[string]*fakeStream
	clock   func() time.Time

	// AppendErr and PingErr, if set, are returned by Append/AppendBatch
	// and Ping respectively instead of performing the operation —
	// used to drive circuit-breaker and watchdog tests.
	AppendErr error
	PingErr   error
}

type fakeStream struct {
	entries []model.StreamEntry
	groups  map[string]*fakeGroup
}

type fakeGroup struct {
	cursor  int // index into entries: how many have been delivered via ">"
	pending map[string]*fakePending
}

type fakePending struct {
	consumer      string
	deliveryCount int64
	deliveredAt   time.Time
}

// NewFake constructs an empty Fake with a real wall clock.
func NewFake() *Fake {
	return &Fake{streams: make(map[string]*fakeStream), clock: time.Now}
}

// SetClock overrides the clock used for PEL idle-time calculations,
// letting tests place an entry's delivery time at an exact offset from
// a later "now" without sleeping.
func (f *Fake) SetClock(fn func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = fn
}

func (f *Fake) now() time.Time {
	if f.clock != nil {
		return f.clock()
	}
	return time.Now()
}

func (f *Fake) stream(name string) *fakeStream {
	s, ok := f.streams[name]
	if !ok {
		s = &fakeStream{groups: make(map[string]*fakeGroup)}
		f.streams[name] = s
	}
	return s
}

func (f *Fake) nextID() string {
	f.seq++
	return fmt.Sprintf("%d-0", f.seq)
}

// Append appends one entry and returns its ID.
func (f *Fake) Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	ids, err := f.AppendBatch(ctx, stream, []map[string]string{fields}, maxLen)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("streamstore: fake append produced no id")
	}
	return ids[0], nil
}

// AppendBatch appends every field map in batch as its own entry.
func (f *Fake) AppendBatch(ctx context.Context, streamName string, batch []map[string]string, maxLen int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.AppendErr != nil {
		return nil, f.AppendErr
	}
	if len(batch) == 0 {
		return nil, nil
	}

	s := f.stream(streamName)
	ids := make([]string, 0, len(batch))
	for _, fields := range batch {
		id := f.nextID()
		cp := make(map[string]string, len(fields))
		for k, v := range fields {
			cp[k] = v
		}
		s.entries = append(s.entries, model.StreamEntry{ID: id, Fields: cp})
		ids = append(ids, id)
	}
	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		trim := int64(len(s.entries)) - maxLen
		s.entries = s.entries[trim:]
		for _, g := range s.groups {
			g.cursor -= int(trim)
			if g.cursor < 0 {
				g.cursor = 0
			}
		}
	}
	return ids, nil
}

// CreateGroup creates group at the start of the stream. Idempotent:
// an existing group is left untouched.
func (f *Fake) CreateGroup(ctx context.Context, streamName, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.stream(streamName)
	if _, ok := s.groups[group]; ok {
		return nil
	}
	s.groups[group] = &fakeGroup{pending: make(map[string]*fakePending)}
	return nil
}

// GroupRead delivers up to count not-yet-delivered entries to
// consumer, advancing the group's cursor and recording each as
// pending with delivery count 1. block is ignored: the fake never
// blocks, it just returns what is immediately available.
func (f *Fake) GroupRead(ctx context.Context, streamName, group, consumer string, count int64, block time.Duration) ([]model.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.stream(streamName)
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("streamstore: fake group %q does not exist on %q", group, streamName)
	}

	if g.cursor >= len(s.entries) {
		return nil, nil
	}
	end := g.cursor + int(count)
	if end > len(s.entries) {
		end = len(s.entries)
	}

	now := f.now()
	out := make([]model.StreamEntry, 0, end-g.cursor)
	for _, e := range s.entries[g.cursor:end] {
		g.pending[e.ID] = &fakePending{consumer: consumer, deliveryCount: 1, deliveredAt: now}
		out = append(out, e)
	}
	g.cursor = end
	return out, nil
}

// Ack removes ids from group's PEL, returning how many were present.
func (f *Fake) Ack(ctx context.Context, streamName, group string, ids ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.stream(streamName)
	g, ok := s.groups[group]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, id := range ids {
		if _, ok := g.pending[id]; ok {
			delete(g.pending, id)
			n++
		}
	}
	return n, nil
}

// PendingRange lists pending entries idle at least minIdle, oldest
// delivery first, up to count.
func (f *Fake) PendingRange(ctx context.Context, streamName, group string, minIdle time.Duration, count int64) ([]model.PendingEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.stream(streamName)
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}

	now := f.now()
	out := make([]model.PendingEntry, 0, len(g.pending))
	for id, p := range g.pending {
		idle := now.Sub(p.deliveredAt)
		if idle < minIdle {
			continue
		}
		out = append(out, model.PendingEntry{
			EntryID:       id,
			Consumer:      p.consumer,
			IdleDuration:  idle,
			DeliveryCount: p.deliveryCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return entrySeq(out[i].EntryID) < entrySeq(out[j].EntryID) })
	if count > 0 && int64(len(out)) > count {
		out = out[:count]
	}
	return out, nil
}

// Claim reassigns idle-enough entries in ids to consumer, bumping
// their delivery count, and returns the corresponding stream entries.
func (f *Fake) Claim(ctx context.Context, streamName, group, consumer string, minIdle time.Duration, ids []string) ([]model.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(ids) == 0 {
		return nil, nil
	}
	s := f.stream(streamName)
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}

	now := f.now()
	byID := make(map[string]model.StreamEntry, len(s.entries))
	for _, e := range s.entries {
		byID[e.ID] = e
	}

	var out []model.StreamEntry
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveryCount++
		p.deliveredAt = now
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Length returns the current entry count of stream.
func (f *Fake) Length(ctx context.Context, streamName string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.stream(streamName).entries)), nil
}

// Range returns entries with IDs in [start,end] (Redis XRANGE
// semantics): "-" means the lowest ID, "+" the highest, anything else
// is matched as an exact ID boundary.
func (f *Fake) Range(ctx context.Context, streamName, start, end string, count int64) ([]model.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.stream(streamName)
	var out []model.StreamEntry
	for _, e := range s.entries {
		if start != "-" && entrySeq(e.ID) < entrySeq(start) {
			continue
		}
		if end != "+" && entrySeq(e.ID) > entrySeq(end) {
			continue
		}
		out = append(out, e)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// Delete removes entries by ID from stream, returning how many were
// present.
func (f *Fake) Delete(ctx context.Context, streamName string, ids ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.stream(streamName)
	remove := make(map[string]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}
	kept := s.entries[:0]
	var n int64
	for _, e := range s.entries {
		if remove[e.ID] {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return n, nil
}

// Ping reports PingErr, or nil if unset.
func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PingErr
}

// entrySeq extracts the sequence component of a fake "<seq>-0" entry
// ID for ordering/comparison, defaulting to 0 on an unrecognized
// format (e.g. the "-"/"+" sentinels, handled by their callers instead).
func entrySeq(id string) uint64 {
	idx := strings.IndexByte(id, '-')
	if idx < 0 {
		idx = len(id)
	}
	n, _ := strconv.ParseUint(id[:idx], 10, 64)
	return n
}

var _ Store = (*Fake)(nil)
