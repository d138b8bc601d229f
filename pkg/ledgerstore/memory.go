package ledgerstore

import (
	"context"
	"sync"

	"github.com/crashtestbrandt/adventorator-ledger/pkg/hashing"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/ledger"
)

// Memory is an in-process Store, suitable for tests and single-process
// deployments. Its locking pattern (one mutex guarding per-campaign
// slices) mirrors the teacher's InMemoryTotalOrderLog.
type Memory struct {
	mu          sync.RWMutex
	events      map[int64][]*ledger.Event             // campaignID -> events, insertion order
	byIdemKey   map[int64]map[hashing.IdempotencyKey]*ledger.Event
	byOrdinal   map[int64]map[int64]*ledger.Event
	importLogs  map[string][]*ledger.ImportLog
	nextEventID int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		events:     make(map[int64][]*ledger.Event),
		byIdemKey:  make(map[int64]map[hashing.IdempotencyKey]*ledger.Event),
		byOrdinal:  make(map[int64]map[int64]*ledger.Event),
		importLogs: make(map[string][]*ledger.ImportLog),
	}
}

func (m *Memory) Head(ctx context.Context, campaignID int64) (*ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[campaignID]
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events[len(events)-1], nil
}

func (m *Memory) Insert(ctx context.Context, ev *ledger.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ordinals, ok := m.byOrdinal[ev.CampaignID]; ok {
		if _, exists := ordinals[ev.ReplayOrdinal]; exists {
			return ledger.ErrOrdinalDuplicate
		}
	}
	if keys, ok := m.byIdemKey[ev.CampaignID]; ok {
		if _, exists := keys[ev.IdempotencyKey]; exists {
			return &ledger.IdempotencyConflict{CampaignID: ev.CampaignID, Key: ev.IdempotencyKey}
		}
	}

	m.nextEventID++
	ev.EventID = m.nextEventID

	m.events[ev.CampaignID] = append(m.events[ev.CampaignID], ev)
	if m.byOrdinal[ev.CampaignID] == nil {
		m.byOrdinal[ev.CampaignID] = make(map[int64]*ledger.Event)
	}
	m.byOrdinal[ev.CampaignID][ev.ReplayOrdinal] = ev
	if m.byIdemKey[ev.CampaignID] == nil {
		m.byIdemKey[ev.CampaignID] = make(map[hashing.IdempotencyKey]*ledger.Event)
	}
	m.byIdemKey[ev.CampaignID][ev.IdempotencyKey] = ev
	return nil
}

func (m *Memory) GetByIdempotencyKey(ctx context.Context, campaignID int64, key hashing.IdempotencyKey) (*ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys, ok := m.byIdemKey[campaignID]
	if !ok {
		return nil, ErrNotFound
	}
	ev, ok := keys[key]
	if !ok {
		return nil, ErrNotFound
	}
	return ev, nil
}

func (m *Memory) ListByCampaign(ctx context.Context, campaignID int64) ([]*ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.events[campaignID]
	out := make([]*ledger.Event, len(src))
	copy(out, src)
	return out, nil
}

func (m *Memory) AppendImportLog(ctx context.Context, entry *ledger.ImportLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.importLogs[entry.RunID] = append(m.importLogs[entry.RunID], entry)
	return nil
}

func (m *Memory) ListImportLog(ctx context.Context, runID string) ([]*ledger.ImportLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.importLogs[runID]
	out := make([]*ledger.ImportLog, len(src))
	copy(out, src)
	return out, nil
}

// snapshot captures enough state to restore Memory to its current
// contents if a transaction needs to roll back.
type snapshot struct {
	events      map[int64][]*ledger.Event
	byIdemKey   map[int64]map[hashing.IdempotencyKey]*ledger.Event
	byOrdinal   map[int64]map[int64]*ledger.Event
	importLogs  map[string][]*ledger.ImportLog
	nextEventID int64
}

func (m *Memory) takeSnapshot() snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := snapshot{
		events:      make(map[int64][]*ledger.Event, len(m.events)),
		byIdemKey:   make(map[int64]map[hashing.IdempotencyKey]*ledger.Event, len(m.byIdemKey)),
		byOrdinal:   make(map[int64]map[int64]*ledger.Event, len(m.byOrdinal)),
		importLogs:  make(map[string][]*ledger.ImportLog, len(m.importLogs)),
		nextEventID: m.nextEventID,
	}
	for k, v := range m.events {
		cp := make([]*ledger.Event, len(v))
		copy(cp, v)
		s.events[k] = cp
	}
	for k, v := range m.byIdemKey {
		cp := make(map[hashing.IdempotencyKey]*ledger.Event, len(v))
		for kk, vv := range v {
			cp[kk] = vv
		}
		s.byIdemKey[k] = cp
	}
	for k, v := range m.byOrdinal {
		cp := make(map[int64]*ledger.Event, len(v))
		for kk, vv := range v {
			cp[kk] = vv
		}
		s.byOrdinal[k] = cp
	}
	for k, v := range m.importLogs {
		cp := make([]*ledger.ImportLog, len(v))
		copy(cp, v)
		s.importLogs[k] = cp
	}
	return s
}

func (m *Memory) restoreSnapshot(s snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = s.events
	m.byIdemKey = s.byIdemKey
	m.byOrdinal = s.byOrdinal
	m.importLogs = s.importLogs
	m.nextEventID = s.nextEventID
}

// WithTransaction runs fn against this same store, snapshotting state
// first. On error, the snapshot is restored so the importer's
// rollback-cleanliness property (spec §8) holds even for the in-memory
// backend.
func (m *Memory) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	before := m.takeSnapshot()
	if err := fn(ctx, m); err != nil {
		m.restoreSnapshot(before)
		return err
	}
	return nil
}
