package history

import (
	"context"
	"testing"
	"time"

	"github.com/saltyorg/autolang/internal/autolang"
)

func TestRecordAndRecent(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	records := []autolang.ChangeRecord{
		{Username: "alice", ShowTitle: "Dark", EpisodeName: "'Dark' (S01E01)", EventType: autolang.EventPlayOrActivity, Description: "first", AppliedAt: now.Add(-2 * time.Hour)},
		{Username: "bob", ShowTitle: "Dark", EpisodeName: "'Dark' (S01E02)", EventType: autolang.EventNewEpisode, Description: "second", AppliedAt: now.Add(-time.Hour)},
	}
	for _, record := range records {
		if err := store.RecordChange(ctx, record); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Username != "bob" {
		t.Errorf("expected newest entry first, got %q", entries[0].Username)
	}
	if entries[0].EventType != "new_episode" {
		t.Errorf("unexpected event type %q", entries[0].EventType)
	}

	limited, err := store.Recent(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(limited))
	}
}

func TestPrune(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	old := autolang.ChangeRecord{ShowTitle: "Dark", EpisodeName: "'Dark' (S01E01)", EventType: autolang.EventScheduler, AppliedAt: time.Now().Add(-30 * 24 * time.Hour)}
	recent := autolang.ChangeRecord{ShowTitle: "Dark", EpisodeName: "'Dark' (S01E02)", EventType: autolang.EventScheduler, AppliedAt: time.Now()}
	if err := store.RecordChange(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordChange(ctx, recent); err != nil {
		t.Fatal(err)
	}

	if err := store.Prune(ctx, 7*24*time.Hour); err != nil {
		t.Fatal(err)
	}
	entries, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after prune, got %d", len(entries))
	}
	if entries[0].EpisodeName != "'Dark' (S01E02)" {
		t.Errorf("expected the recent entry to survive, got %q", entries[0].EpisodeName)
	}
}
