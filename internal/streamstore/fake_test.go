package streamstore

import (
	"context"
	"testing"
	"time"
)

func TestCreateGroupIdempotent(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	if err := f.CreateGroup(ctx, "s", "g"); err != nil {
		t.Fatalf("first CreateGroup: %v", err)
	}
	if err := f.CreateGroup(ctx, "s", "g"); err != nil {
		t.Fatalf("second CreateGroup: %v", err)
	}

	if _, err := f.Append(ctx, "s", map[string]string{"payload": "x"}, 0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	entries, err := f.GroupRead(ctx, "s", "g", "c1", 10, 0)
	if err != nil {
		t.Fatalf("GroupRead: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("a second CreateGroup must not reset the group's cursor: got %d entries, want 1", len(entries))
	}
}

func TestAckOfAlreadyAckedIsNoOp(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	if err := f.CreateGroup(ctx, "s", "g"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	id, err := f.Append(ctx, "s", map[string]string{"payload": "x"}, 0)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := f.GroupRead(ctx, "s", "g", "c1", 10, 0); err != nil {
		t.Fatalf("GroupRead: %v", err)
	}

	n, err := f.Ack(ctx, "s", "g", id)
	if err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if n != 1 {
		t.Fatalf("first Ack = %d, want 1", n)
	}

	n, err = f.Ack(ctx, "s", "g", id)
	if err != nil {
		t.Fatalf("second Ack: %v", err)
	}
	if n != 0 {
		t.Fatalf("Ack of an already-acked id = %d, want 0", n)
	}
}

// TestPendingRangeIdleBoundary is the boundary behavior: an entry whose
// PEL idle time equals min_idle_ms-1 is not reclaimed; at min_idle_ms
// it is.
func TestPendingRangeIdleBoundary(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	minIdle := 100 * time.Millisecond

	if err := f.CreateGroup(ctx, "s", "g"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	base := time.Now()
	f.SetClock(func() time.Time { return base })
	if _, err := f.Append(ctx, "s", map[string]string{"payload": "x"}, 0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := f.GroupRead(ctx, "s", "g", "c1", 10, 0); err != nil {
		t.Fatalf("GroupRead: %v", err)
	}

	f.SetClock(func() time.Time { return base.Add(minIdle - time.Millisecond) })
	pending, err := f.PendingRange(ctx, "s", "g", minIdle, 10)
	if err != nil {
		t.Fatalf("PendingRange: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("idle = min_idle-1ms must not be reclaimed, got %d pending", len(pending))
	}

	f.SetClock(func() time.Time { return base.Add(minIdle) })
	pending, err = f.PendingRange(ctx, "s", "g", minIdle, 10)
	if err != nil {
		t.Fatalf("PendingRange: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("idle = min_idle must be reclaimed, got %d pending", len(pending))
	}
}

func TestClaimReassignsConsumerAndBumpsDeliveryCount(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	minIdle := 50 * time.Millisecond

	if err := f.CreateGroup(ctx, "s", "g"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	base := time.Now()
	f.SetClock(func() time.Time { return base })
	id, err := f.Append(ctx, "s", map[string]string{"payload": "x"}, 0)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := f.GroupRead(ctx, "s", "g", "old", 10, 0); err != nil {
		t.Fatalf("GroupRead: %v", err)
	}

	f.SetClock(func() time.Time { return base.Add(minIdle) })
	claimed, err := f.Claim(ctx, "s", "g", "new", minIdle, []string{id})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatalf("Claim returned %v, want the one pending entry", claimed)
	}

	pending, err := f.PendingRange(ctx, "s", "g", 0, 10)
	if err != nil {
		t.Fatalf("PendingRange: %v", err)
	}
	if len(pending) != 1 || pending[0].Consumer != "new" || pending[0].DeliveryCount != 2 {
		t.Fatalf("pending after claim = %+v, want consumer=new delivery_count=2", pending)
	}
}

func TestDeleteRemovesEntries(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	id, err := f.Append(ctx, "s", map[string]string{"payload": "x"}, 0)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	n, err := f.Delete(ctx, "s", id)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("Delete removed %d entries, want 1", n)
	}
	length, _ := f.Length(ctx, "s")
	if length != 0 {
		t.Fatalf("stream length after delete = %d, want 0", length)
	}
}
