package idempotency

import (
	"context"
	"testing"
	"time"
)

// TestLocalFilterMarkProcessedIdempotent is the "MarkProcessed(fp)
// twice is equivalent to once" law: the second call must report it did
// not newly add the fingerprint.
func TestLocalFilterMarkProcessedIdempotent(t *testing.T) {
	f := NewLocalFilter(10, time.Minute)
	ctx := context.Background()

	first, err := f.MarkProcessed(ctx, "fp-1")
	if err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if !first {
		t.Fatal("first MarkProcessed call must report newly added = true")
	}

	second, err := f.MarkProcessed(ctx, "fp-1")
	if err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if second {
		t.Fatal("second MarkProcessed call on the same fingerprint must report newly added = false")
	}
}

func TestLocalFilterIsDuplicate(t *testing.T) {
	f := NewLocalFilter(10, time.Minute)
	ctx := context.Background()

	if dup, _ := f.IsDuplicate(ctx, "fp-1"); dup {
		t.Fatal("an unseen fingerprint must not be reported as a duplicate")
	}

	if _, err := f.MarkProcessed(ctx, "fp-1"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	if dup, _ := f.IsDuplicate(ctx, "fp-1"); !dup {
		t.Fatal("a marked fingerprint must be reported as a duplicate")
	}
}

func TestLocalFilterCountAndClear(t *testing.T) {
	f := NewLocalFilter(10, time.Minute)
	ctx := context.Background()

	for _, fp := range []string{"a", "b", "c"} {
		if _, err := f.MarkProcessed(ctx, fp); err != nil {
			t.Fatalf("MarkProcessed(%s): %v", fp, err)
		}
	}
	if n, _ := f.Count(ctx); n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}

	if err := f.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := f.Count(ctx); n != 0 {
		t.Fatalf("count after Clear = %d, want 0", n)
	}
	if dup, _ := f.IsDuplicate(ctx, "a"); dup {
		t.Fatal("a cleared fingerprint must no longer be a duplicate")
	}
}

func TestLocalFilterTTLExpiry(t *testing.T) {
	f := NewLocalFilter(10, 10*time.Millisecond)
	ctx := context.Background()

	if _, err := f.MarkProcessed(ctx, "fp"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if dup, _ := f.IsDuplicate(ctx, "fp"); dup {
		t.Fatal("fingerprint must expire after its TTL elapses")
	}
}
