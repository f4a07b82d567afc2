// SPDX-License-Identifier: AGPL-3.0-only

package fetcher

import "sync"

// failedPartitions is the set of partitions this fetcher has given up on
// until an operator or the manager re-adds them via a ModifyPartitions
// control event (§4.2). It decouples transient retry (handled by delay/
// back-off inside the table) from permanent quarantine.
//
// The event loop goroutine is the only writer, but the manager reads this
// set for status queries from other goroutines, so access is guarded by a
// mutex (per §5's "reads must be atomic" requirement).
type failedPartitions struct {
	mu sync.RWMutex
	m  map[PartitionID]struct{}
}

func newFailedPartitions() *failedPartitions {
	return &failedPartitions{m: make(map[PartitionID]struct{})}
}

func (f *failedPartitions) add(tp PartitionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[tp] = struct{}{}
}

func (f *failedPartitions) removeAll(tps []PartitionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tp := range tps {
		delete(f.m, tp)
	}
}

func (f *failedPartitions) remove(tp PartitionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, tp)
}

func (f *failedPartitions) contains(tp PartitionID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.m[tp]
	return ok
}

// size returns the number of partitions currently quarantined.
func (f *failedPartitions) size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.m)
}
