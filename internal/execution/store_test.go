package execution

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/defichat/internal/storage"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{Driver: storage.DriverSQLite, DSN: filepath.Join(t.TempDir(), "exec.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewJournal(db)
}

func TestJournalSaveGetList(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	rec := Record{
		ExecutionID:    "exe_1",
		TransactionID:  "tx_1",
		UserPlatformID: "api:alice",
		Type:           "swap",
		Amount:         decimal.NewFromInt(100),
		Status:         StatusConfirmed,
		Steps:          []Step{{Target: routerAddr, Data: "0x", Value: "0"}},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := j.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	rec.Status = StatusMined
	rec.UpdatedAt = now.Add(time.Minute)
	if err := j.Save(ctx, rec); err != nil {
		t.Fatalf("Save update failed: %v", err)
	}
	other := rec
	other.ExecutionID = "exe_2"
	other.Status = StatusHandedOff
	other.UpdatedAt = now.Add(2 * time.Minute)
	if err := j.Save(ctx, other); err != nil {
		t.Fatalf("Save second failed: %v", err)
	}

	got, err := j.Get(ctx, "api:alice", "exe_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusMined || !got.Amount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected record %+v", got)
	}
	all, err := j.List(ctx, "api:alice", "", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 || all[0].ExecutionID != "exe_2" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	mined, err := j.List(ctx, "api:alice", string(StatusMined), 10)
	if err != nil || len(mined) != 1 {
		t.Fatalf("expected one mined record, got %d err=%v", len(mined), err)
	}
	if none, _ := j.List(ctx, "api:bob", "", 10); len(none) != 0 {
		t.Fatalf("expected no records for another user, got %d", len(none))
	}
}

func TestJournalGetMissing(t *testing.T) {
	j := openTestJournal(t)
	if _, err := j.Get(context.Background(), "api:alice", "missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	if err := j.Save(context.Background(), Record{}); err == nil {
		t.Fatal("expected missing id error")
	}
}
