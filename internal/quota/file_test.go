package quota_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lumewell/voicelink/internal/quota"
)

func TestFileStore_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, err := quota.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	want := quota.State{
		DailySessionsStarted: 3,
		LastResetDate:        "2026-03-14",
		DailyUsage: []quota.UsageRecord{
			{InputTokens: 10, OutputTokens: 20, Cost: 0.01, Timestamp: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)},
		},
	}
	if err := fs.Save(ctx, "user@example.com", want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := fs.Load(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DailySessionsStarted != want.DailySessionsStarted ||
		got.LastResetDate != want.LastResetDate ||
		len(got.DailyUsage) != 1 ||
		got.DailyUsage[0].InputTokens != 10 {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestFileStore_MissingIdentityIsZero(t *testing.T) {
	t.Parallel()

	fs, err := quota.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	st, err := fs.Load(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.DailySessionsStarted != 0 || st.LastResetDate != "" {
		t.Fatalf("want zero state, got %+v", st)
	}
}

func TestFileStore_CorruptFileIsReplaced(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs, err := quota.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	ctx := context.Background()
	if err := fs.Save(ctx, "u", quota.State{DailySessionsStarted: 2}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Corrupt the single state file on disk.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("want 1 state file, got %d", len(entries))
	}
	if err := os.WriteFile(filepath.Join(dir, entries[0].Name()), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}

	st, err := fs.Load(ctx, "u")
	if err != nil {
		t.Fatalf("Load of corrupt file should not error: %v", err)
	}
	if st.DailySessionsStarted != 0 {
		t.Fatalf("corrupt state should read as zero, got %+v", st)
	}
}

func TestFileStore_IdentityCannotEscapeStateDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs, err := quota.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	ctx := context.Background()
	if err := fs.Save(ctx, "../outside", quota.State{DailySessionsStarted: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Everything must land inside dir.
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "outside.json")); err == nil {
		t.Fatal("state file escaped the state directory")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("want 1 file inside state dir, got %d", len(entries))
	}
}
