package ids

import (
	"testing"
	"time"
)

func TestNewULID_SameMillisecondSorts(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	prev := ""
	for i := 0; i < 100; i++ {
		id, err := NewULID(now)
		if err != nil {
			t.Fatalf("NewULID: %v", err)
		}
		if len(id) != 26 {
			t.Fatalf("len(id)=%d want 26", len(id))
		}
		if id <= prev {
			t.Fatalf("id %q not after %q", id, prev)
		}
		prev = id
	}
}

func TestTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 123_000_000, time.UTC)
	id, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	got, err := Time(id)
	if err != nil {
		t.Fatalf("Time: %v", err)
	}
	if !got.Equal(now) {
		t.Fatalf("Time()=%v want %v", got, now)
	}
	if _, err := Time("not-a-ulid"); err == nil {
		t.Fatalf("expected error for malformed id")
	}
}
