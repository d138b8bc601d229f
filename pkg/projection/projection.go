// Package projection implements the canonical folds over an event stream
// (spec §4.5): pure, deterministic reducers that never consult wall time
// and are safe to run concurrently with appends since they operate on an
// immutable snapshot.
package projection

import (
	"sort"

	"github.com/crashtestbrandt/adventorator-ledger/pkg/ledger"
)

// HPFold reduces apply_damage/heal events to a map from target reference
// to net HP delta.
func HPFold(events []*ledger.Event) map[string]int64 {
	out := make(map[string]int64)
	for _, ev := range sortedByOrdinal(events) {
		payload, ok := asMap(ev.Payload)
		if !ok {
			continue
		}
		target, ok := getString(payload, "target")
		if !ok {
			continue
		}
		amount := int64(getFloat64(payload, "amount"))

		switch ev.EventType {
		case "apply_damage":
			out[target] -= amount
		case "heal":
			out[target] += amount
		}
	}
	return out
}

// ConditionState is the current stack count and duration for one
// (target, condition) pair.
type ConditionState struct {
	Stacks   int64
	Duration *int64 // nil when absent
}

// ConditionsFold reduces condition.applied/removed/cleared events to a
// map keyed by "target|condition".
func ConditionsFold(events []*ledger.Event) map[string]ConditionState {
	out := make(map[string]ConditionState)
	for _, ev := range sortedByOrdinal(events) {
		payload, ok := asMap(ev.Payload)
		if !ok {
			continue
		}
		target, ok := getString(payload, "target")
		if !ok {
			continue
		}
		condition, ok := getString(payload, "condition")
		if !ok {
			continue
		}
		key := target + "|" + condition
		state := out[key]

		switch ev.EventType {
		case "condition.applied":
			state.Stacks++
			if dur, ok := getFloat64OK(payload, "duration"); ok {
				d := int64(dur)
				state.Duration = &d
			}
		case "condition.removed":
			if state.Stacks > 0 {
				state.Stacks--
			}
		case "condition.cleared":
			state.Stacks = 0
			state.Duration = nil
		default:
			continue
		}
		out[key] = state
	}
	return out
}

// InitiativeEntry is one row of the initiative table.
type InitiativeEntry struct {
	ID   string
	Init int64
}

// InitiativeFold reduces initiative.set/update/remove events to a table
// sorted by descending initiative, ties broken by ascending id.
func InitiativeFold(events []*ledger.Event) []InitiativeEntry {
	table := make(map[string]int64)

	for _, ev := range sortedByOrdinal(events) {
		payload, ok := asMap(ev.Payload)
		if !ok {
			continue
		}

		switch ev.EventType {
		case "initiative.set":
			entries, ok := payload["entries"].([]interface{})
			if !ok {
				continue
			}
			table = make(map[string]int64, len(entries))
			for _, raw := range entries {
				entry, ok := asMap(raw)
				if !ok {
					continue
				}
				id, ok := getString(entry, "id")
				if !ok {
					continue
				}
				table[id] = int64(getFloat64(entry, "init"))
			}
		case "initiative.update":
			id, ok := getString(payload, "id")
			if !ok {
				continue
			}
			table[id] = int64(getFloat64(payload, "init"))
		case "initiative.remove":
			id, ok := getString(payload, "id")
			if !ok {
				continue
			}
			delete(table, id)
		}
	}

	out := make([]InitiativeEntry, 0, len(table))
	for id, init := range table {
		out = append(out, InitiativeEntry{ID: id, Init: init})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Init != out[j].Init {
			return out[i].Init > out[j].Init
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortedByOrdinal(events []*ledger.Event) []*ledger.Event {
	out := make([]*ledger.Event, len(events))
	copy(out, events)
	sort.Slice(out, func(i, j int) bool { return out[i].ReplayOrdinal < out[j].ReplayOrdinal })
	return out
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func getString(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

func getFloat64(m map[string]interface{}, key string) float64 {
	v, _ := getFloat64OK(m, key)
	return v
}

// getFloat64OK accepts float64 (the default shape after
// encoding/json.Unmarshal into interface{}) as well as int64 and int, for
// payloads built in Go; any other type, including json.Number, reports
// false.
func getFloat64OK(m map[string]interface{}, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
