package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
)

func TestProcessIDsAreTimeOrdered(t *testing.T) {
	t.Parallel()

	src := NewSource()
	first, err := src.ProcessID()
	if err != nil {
		t.Fatalf("ProcessID() error = %v", err)
	}
	second, err := src.ProcessID()
	if err != nil {
		t.Fatalf("ProcessID() error = %v", err)
	}
	if first == second {
		t.Fatalf("expected unique ids, got %s twice", first)
	}
	if first > second {
		t.Fatalf("expected %s to sort before %s", first, second)
	}
	parsed, err := goUUID.Parse(first)
	if err != nil {
		t.Fatalf("not a valid uuid: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
}

func TestRunID(t *testing.T) {
	t.Parallel()

	id, err := Source{}.RunID()
	if err != nil {
		t.Fatalf("RunID() error = %v", err)
	}
	if id == goUUID.Nil || id.Version() != 7 {
		t.Fatalf("unexpected run id %s", id)
	}
}

func TestMessageIDIsRandom(t *testing.T) {
	t.Parallel()

	id, err := Source{}.MessageID()
	if err != nil {
		t.Fatalf("MessageID() error = %v", err)
	}
	parsed, err := goUUID.Parse(id)
	if err != nil {
		t.Fatalf("not a valid uuid: %v", err)
	}
	if parsed.Version() != 4 {
		t.Fatalf("expected version 4, got %d", parsed.Version())
	}
}

func TestCanonical(t *testing.T) {
	t.Parallel()

	if _, err := Canonical("pid-1"); err == nil {
		t.Fatal("expected error for invalid uuid")
	}
	got, err := Canonical("0190C2D4-0000-7000-8000-000000000001")
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}
	if got != "0190c2d4-0000-7000-8000-000000000001" {
		t.Fatalf("expected lower-case form, got %s", got)
	}
}
