package appendcoord

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/crashtestbrandt/adventorator-ledger/pkg/hashing"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/ledger"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/ledgerstore"
)

func TestAppendGenesis(t *testing.T) {
	store := ledgerstore.NewMemory()
	coord := New(store, nil)

	ev, err := coord.Append(context.Background(), 1, nil, "tool.execute", map[string]interface{}{"sides": 20},
		Provenance{ToolName: "dice_roll", RulesetVersion: "rs-v1"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ev.ReplayOrdinal != 0 {
		t.Fatalf("expected ordinal 0, got %d", ev.ReplayOrdinal)
	}
	if ev.PrevEventHash != hashing.GenesisHash {
		t.Fatalf("expected genesis prev hash, got %x", ev.PrevEventHash)
	}
}

func TestAppendChainsOrdinals(t *testing.T) {
	store := ledgerstore.NewMemory()
	coord := New(store, nil)
	ctx := context.Background()

	ev1, err := coord.Append(ctx, 1, nil, "apply_damage", map[string]interface{}{"target": "orc-1", "amount": 5},
		Provenance{ToolName: "apply_damage"})
	if err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	ev2, err := coord.Append(ctx, 1, nil, "heal", map[string]interface{}{"target": "orc-1", "amount": 2},
		Provenance{ToolName: "heal"})
	if err != nil {
		t.Fatalf("Append 2: %v", err)
	}

	if ev2.ReplayOrdinal != ev1.ReplayOrdinal+1 {
		t.Fatalf("expected dense ordinals, got %d then %d", ev1.ReplayOrdinal, ev2.ReplayOrdinal)
	}
	if ev2.PrevEventHash != ev1.PayloadHash {
		t.Fatalf("chain broken: ev2.PrevEventHash=%x, ev1.PayloadHash=%x", ev2.PrevEventHash, ev1.PayloadHash)
	}
}

// TestAppendRetryStormIdempotentReuse exercises spec §8 scenario 5: N
// concurrent appends with identical idempotency inputs must produce
// exactly one stored event, with all callers observing the same event id.
func TestAppendRetryStormIdempotentReuse(t *testing.T) {
	store := ledgerstore.NewMemory()
	coord := New(store, nil)
	ctx := context.Background()

	const n = 15
	planID := "p1"
	args := map[string]interface{}{"sides": 20}
	prov := Provenance{PlanID: &planID, ToolName: "dice_roll", RulesetVersion: "rs-v1"}

	var wg sync.WaitGroup
	results := make([]*ledger.Event, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev, err := coord.Append(ctx, 1, nil, "tool.execute", args, prov)
			results[i] = ev
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("attempt %d failed: %v", i, err)
		}
	}

	firstID := results[0].EventID
	for i, ev := range results {
		if ev.EventID != firstID {
			t.Fatalf("attempt %d got a different event id: %d vs %d", i, ev.EventID, firstID)
		}
	}

	events, err := store.ListByCampaign(ctx, 1)
	if err != nil {
		t.Fatalf("ListByCampaign: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 stored event, got %d", len(events))
	}
}

func TestAppendDifferentPayloadsDoNotCollideKeys(t *testing.T) {
	store := ledgerstore.NewMemory()
	coord := New(store, nil)
	ctx := context.Background()

	ev1, err := coord.Append(ctx, 1, nil, "tool.execute", map[string]interface{}{"sides": 20}, Provenance{ToolName: "dice_roll"})
	if err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	ev2, err := coord.Append(ctx, 1, nil, "tool.execute", map[string]interface{}{"sides": 6}, Provenance{ToolName: "dice_roll"})
	if err != nil {
		t.Fatalf("Append 2: %v", err)
	}
	if ev1.EventID == ev2.EventID {
		t.Fatal("expected distinct events for distinct payloads")
	}
}

func TestResolveIdempotencyKeyHonorsOverride(t *testing.T) {
	store := ledgerstore.NewMemory()
	coord := New(store, nil)

	override := hashing.IdempotencyKey{1, 2, 3}
	key, err := coord.resolveIdempotencyKey(1, "seed.entity_created", map[string]interface{}{}, Provenance{IdempotencyKey: &override})
	if err != nil {
		t.Fatalf("resolveIdempotencyKey: %v", err)
	}
	if key != override {
		t.Fatalf("expected override key to be honored, got %x", key)
	}
}

func TestIsTransientStorageError(t *testing.T) {
	if !isTransientStorageError(errors.New("pq: deadlock detected")) {
		t.Fatal("expected deadlock to be classified transient")
	}
	if !isTransientStorageError(errors.New("database is locked")) {
		t.Fatal("expected sqlite busy message to be classified transient")
	}
	if isTransientStorageError(errors.New("syntax error near SELECT")) {
		t.Fatal("expected non-transient error to not be classified transient")
	}
}
