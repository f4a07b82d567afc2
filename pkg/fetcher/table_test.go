// SPDX-License-Identifier: AGPL-3.0-only

package fetcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionStateTable_UpdatePreservesPosition(t *testing.T) {
	table := newPartitionStateTable()
	a := PartitionID{Topic: "t", Partition: 0}
	b := PartitionID{Topic: "t", Partition: 1}
	c := PartitionID{Topic: "t", Partition: 2}

	table.update(a, PartitionFetchState{FetchOffset: 1})
	table.update(b, PartitionFetchState{FetchOffset: 2})
	table.update(c, PartitionFetchState{FetchOffset: 3})

	// Overwriting b must not move it to the tail.
	table.update(b, PartitionFetchState{FetchOffset: 20})

	require.Equal(t, []PartitionID{a, b, c}, table.ids())

	state, ok := table.stateValue(b)
	require.True(t, ok)
	assert.Equal(t, int64(20), state.FetchOffset)
}

func TestPartitionStateTable_UpdateAndMoveToEnd(t *testing.T) {
	table := newPartitionStateTable()
	a := PartitionID{Topic: "t", Partition: 0}
	b := PartitionID{Topic: "t", Partition: 1}
	c := PartitionID{Topic: "t", Partition: 2}

	table.updateAndMoveToEnd(a, PartitionFetchState{FetchOffset: 1})
	table.updateAndMoveToEnd(b, PartitionFetchState{FetchOffset: 2})
	table.updateAndMoveToEnd(c, PartitionFetchState{FetchOffset: 3})

	table.updateAndMoveToEnd(a, PartitionFetchState{FetchOffset: 10})

	assert.Equal(t, []PartitionID{b, c, a}, table.ids())
}

func TestPartitionStateTable_RemoveIsIdempotent(t *testing.T) {
	table := newPartitionStateTable()
	tp := PartitionID{Topic: "t", Partition: 0}
	table.update(tp, PartitionFetchState{})

	table.remove(tp)
	require.False(t, table.contains(tp))
	require.NotPanics(t, func() { table.remove(tp) })
	assert.Equal(t, 0, table.size())
}

func TestPartitionStateTable_StateValueAbsent(t *testing.T) {
	table := newPartitionStateTable()
	_, ok := table.stateValue(PartitionID{Topic: "missing"})
	assert.False(t, ok)
}

func TestPartitionStateTable_Stream(t *testing.T) {
	table := newPartitionStateTable()
	a := PartitionID{Topic: "t", Partition: 0}
	b := PartitionID{Topic: "t", Partition: 1}
	table.update(a, PartitionFetchState{FetchOffset: 1})
	table.update(b, PartitionFetchState{FetchOffset: 2})

	var seen []PartitionID
	table.stream(func(tp PartitionID, _ PartitionFetchState) {
		seen = append(seen, tp)
	})
	assert.Equal(t, []PartitionID{a, b}, seen)
}
