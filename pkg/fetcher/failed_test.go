// SPDX-License-Identifier: AGPL-3.0-only

package fetcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFailedPartitions(t *testing.T) {
	f := newFailedPartitions()
	a := PartitionID{Topic: "t", Partition: 0}
	b := PartitionID{Topic: "t", Partition: 1}

	assert.False(t, f.contains(a))

	f.add(a)
	f.add(b)
	assert.True(t, f.contains(a))
	assert.True(t, f.contains(b))
	assert.Equal(t, 2, f.size())

	f.remove(a)
	assert.False(t, f.contains(a))
	assert.Equal(t, 1, f.size())

	f.add(a)
	f.removeAll([]PartitionID{a, b})
	assert.Equal(t, 0, f.size())
}
