package mailstate

import "testing"

// TestDecideRollover is the "UIDVALIDITY rollover" seed scenario: a
// mailbox previously observed at uidvalidity=1000 whose next select
// reports uidvalidity=2000 must trigger a reset.
func TestDecideRollover(t *testing.T) {
	cases := []struct {
		name    string
		hasPrev bool
		stored  uint64
		current uint64
		want    bool
	}{
		{"first observation never resets", false, 0, 1000, false},
		{"unchanged uidvalidity does not reset", true, 1000, 1000, false},
		{"changed uidvalidity resets", true, 1000, 2000, true},
		{"rollover seed scenario values", true, 1000, 2000, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := decideRollover(c.hasPrev, c.stored, c.current); got != c.want {
				t.Fatalf("decideRollover(%v, %d, %d) = %v, want %v", c.hasPrev, c.stored, c.current, got, c.want)
			}
		})
	}
}
