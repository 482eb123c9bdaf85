package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/fnscraper/internal/store"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	runs := NewRunStore()
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	run := store.Run{ID: uuid.New(), Scraper: "us_federal_register", StartedAt: start}

	if err := runs.RecordStart(ctx, run); err != nil {
		t.Fatalf("RecordStart() error = %v", err)
	}
	if err := runs.RecordStart(ctx, run); err == nil {
		t.Fatal("expected duplicate run error")
	}
	if err := runs.RecordItems(ctx, run.ID, store.ItemCounts{Total: 3, Succeeded: 2, Skipped: 1}); err != nil {
		t.Fatalf("RecordItems() error = %v", err)
	}
	if err := runs.RecordFinish(ctx, run.ID, start.Add(time.Minute), store.RunSuccess, 0, nil); err != nil {
		t.Fatalf("RecordFinish() error = %v", err)
	}

	final, err := runs.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if final.Status != store.RunSuccess || final.FinishedAt == nil || final.ExitCode == nil || *final.ExitCode != 0 {
		t.Fatalf("expected finished run, got %+v", final)
	}
	if final.Items.Succeeded != 2 || final.Items.Skipped != 1 {
		t.Fatalf("expected item counts to persist, got %+v", final.Items)
	}
	if !final.Status.Terminal() {
		t.Fatal("expected success to be terminal")
	}

	if _, err := runs.GetRun(ctx, uuid.New()); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunStoreListNewestFirst(t *testing.T) {
	t.Parallel()

	runs := NewRunStore()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, name := range []string{"a", "b", "a"} {
		run := store.Run{ID: uuid.New(), Scraper: name, StartedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := runs.RecordStart(ctx, run); err != nil {
			t.Fatalf("RecordStart() error = %v", err)
		}
	}

	got, err := runs.ListRuns(ctx, "a", 10, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(got) != 2 || !got[0].StartedAt.After(got[1].StartedAt) {
		t.Fatalf("expected two runs newest first, got %+v", got)
	}

	all, _ := runs.ListRuns(ctx, "", 1, 1)
	if len(all) != 1 || !all[0].StartedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("unexpected page %+v", all)
	}
}
