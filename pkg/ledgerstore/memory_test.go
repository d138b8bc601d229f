package ledgerstore

import (
	"context"
	"errors"
	"testing"

	"github.com/crashtestbrandt/adventorator-ledger/pkg/hashing"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/ledger"
)

func TestMemoryHeadEmptyCampaign(t *testing.T) {
	m := NewMemory()
	_, err := m.Head(context.Background(), 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryInsertAndHead(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ev := &ledger.Event{CampaignID: 1, ReplayOrdinal: 0, EventType: "tool.execute"}
	if err := m.Insert(ctx, ev); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if ev.EventID == 0 {
		t.Fatal("expected EventID to be assigned")
	}

	head, err := m.Head(ctx, 1)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head.EventID != ev.EventID {
		t.Fatalf("head mismatch: %d vs %d", head.EventID, ev.EventID)
	}
}

func TestMemoryInsertOrdinalDuplicate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	k1 := hashing.IdempotencyKey{1}
	k2 := hashing.IdempotencyKey{2}
	if err := m.Insert(ctx, &ledger.Event{CampaignID: 1, ReplayOrdinal: 0, IdempotencyKey: k1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err := m.Insert(ctx, &ledger.Event{CampaignID: 1, ReplayOrdinal: 0, IdempotencyKey: k2})
	if !errors.Is(err, ledger.ErrOrdinalDuplicate) {
		t.Fatalf("expected ErrOrdinalDuplicate, got %v", err)
	}
}

func TestMemoryInsertIdempotencyConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	key := hashing.IdempotencyKey{9}
	if err := m.Insert(ctx, &ledger.Event{CampaignID: 1, ReplayOrdinal: 0, IdempotencyKey: key}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err := m.Insert(ctx, &ledger.Event{CampaignID: 1, ReplayOrdinal: 1, IdempotencyKey: key})
	var conflict *ledger.IdempotencyConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ledger.IdempotencyConflict, got %v", err)
	}
}

func TestMemoryWithTransactionRollsBackOnError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Insert(ctx, &ledger.Event{CampaignID: 1, ReplayOrdinal: 0}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	wantErr := errors.New("boom")
	err := m.WithTransaction(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.Insert(ctx, &ledger.Event{CampaignID: 1, ReplayOrdinal: 1}); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped wantErr, got %v", err)
	}

	events, err := m.ListByCampaign(ctx, 1)
	if err != nil {
		t.Fatalf("ListByCampaign: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected rollback to leave exactly 1 event, got %d", len(events))
	}
}

func TestMemoryWithTransactionCommitsOnSuccess(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.WithTransaction(ctx, func(ctx context.Context, tx Store) error {
		return tx.Insert(ctx, &ledger.Event{CampaignID: 1, ReplayOrdinal: 0})
	})
	if err != nil {
		t.Fatalf("WithTransaction: %v", err)
	}

	events, err := m.ListByCampaign(ctx, 1)
	if err != nil {
		t.Fatalf("ListByCampaign: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event committed, got %d", len(events))
	}
}
