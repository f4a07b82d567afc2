// SPDX-License-Identifier: AGPL-3.0-only

package fetcher

import "container/list"

// partitionStateTable is an ordered map from PartitionID to
// PartitionFetchState with O(1) move-to-end semantics. It is realized as a
// doubly-linked list of entries plus a hash map from PartitionID to the
// corresponding list element, the same intrusive-list-over-map shape the
// teacher uses for ordered, mutate-in-place collections (container/list.List
// keyed by a map, as in inflightFetchWants).
//
// Not safe for concurrent use: callers rely on the single-threaded fetcher
// event loop (§5) to serialize access.
type partitionStateTable struct {
	order   *list.List
	entries map[PartitionID]*list.Element
}

type tableEntry struct {
	id    PartitionID
	state PartitionFetchState
}

func newPartitionStateTable() *partitionStateTable {
	return &partitionStateTable{
		order:   list.New(),
		entries: make(map[PartitionID]*list.Element),
	}
}

// update inserts or overwrites tp's state. A newly inserted entry is
// appended at the tail; an overwritten entry keeps its current position.
func (t *partitionStateTable) update(tp PartitionID, state PartitionFetchState) {
	if el, ok := t.entries[tp]; ok {
		el.Value.(*tableEntry).state = state
		return
	}
	el := t.order.PushBack(&tableEntry{id: tp, state: state})
	t.entries[tp] = el
}

// updateAndMoveToEnd upserts tp's state and moves it to the tail, realizing
// the approximate round-robin fairness described in §4.1: a partition just
// serviced moves behind the others so they drain first.
func (t *partitionStateTable) updateAndMoveToEnd(tp PartitionID, state PartitionFetchState) {
	if el, ok := t.entries[tp]; ok {
		el.Value.(*tableEntry).state = state
		t.order.MoveToBack(el)
		return
	}
	el := t.order.PushBack(&tableEntry{id: tp, state: state})
	t.entries[tp] = el
}

// remove deletes tp from the table. Idempotent.
func (t *partitionStateTable) remove(tp PartitionID) {
	el, ok := t.entries[tp]
	if !ok {
		return
	}
	t.order.Remove(el)
	delete(t.entries, tp)
}

// stateValue returns tp's current state, or the zero value and false if tp
// is absent. Callers must handle absence explicitly; there is no implicit
// default state.
func (t *partitionStateTable) stateValue(tp PartitionID) (PartitionFetchState, bool) {
	el, ok := t.entries[tp]
	if !ok {
		return PartitionFetchState{}, false
	}
	return el.Value.(*tableEntry).state, true
}

// contains reports whether tp is present in the table.
func (t *partitionStateTable) contains(tp PartitionID) bool {
	_, ok := t.entries[tp]
	return ok
}

// size returns the number of partitions currently tracked.
func (t *partitionStateTable) size() int {
	return len(t.entries)
}

// stream calls fn for every entry in tail order (oldest-serviced first).
// Enumeration must not observe concurrent mutation: callers only invoke
// stream from the fetcher's single event-loop goroutine.
func (t *partitionStateTable) stream(fn func(tp PartitionID, state PartitionFetchState)) {
	for el := t.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*tableEntry)
		fn(entry.id, entry.state)
	}
}

// ids returns a snapshot slice of all partition IDs currently tracked, in
// tail order.
func (t *partitionStateTable) ids() []PartitionID {
	out := make([]PartitionID, 0, len(t.entries))
	t.stream(func(tp PartitionID, _ PartitionFetchState) {
		out = append(out, tp)
	})
	return out
}
