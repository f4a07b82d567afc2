// SPDX-License-Identifier: AGPL-3.0-only

package fetcher

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// managerFakeLeader is a minimal LeaderClient double: it never supplies
// records, so every fetcher it backs sits idle with no network traffic,
// which is all FetcherManager's own bookkeeping needs.
type managerFakeLeader struct{}

func (managerFakeLeader) FetchFromLeader(context.Context, FetchRequest) (map[PartitionID]PartitionData, error) {
	return map[PartitionID]PartitionData{}, nil
}
func (managerFakeLeader) FetchEpochEndOffsets(context.Context, map[PartitionID]EpochData) (map[PartitionID]EpochEndOffset, error) {
	return map[PartitionID]EpochEndOffset{}, nil
}
func (managerFakeLeader) FetchLatestOffset(context.Context, PartitionID, int32) (int64, error) {
	return 0, nil
}
func (managerFakeLeader) FetchEarliestOffset(context.Context, PartitionID, int32) (int64, error) {
	return 0, nil
}
func (managerFakeLeader) IsOffsetForLeaderEpochSupported() bool { return false }

// managerFakeLog is a minimal LogAccessor double matching managerFakeLeader:
// every partition looks freshly truncated, so maybeTruncate always takes the
// "no epoch support" high-watermark path and immediately marks it Fetching.
type managerFakeLog struct{}

func (managerFakeLog) ProcessPartitionData(PartitionID, int64, PartitionData) (*LogAppendInfo, error) {
	return nil, nil
}
func (managerFakeLog) Truncate(PartitionID, OffsetTruncationState) error        { return nil }
func (managerFakeLog) TruncateFullyAndStartAt(PartitionID, int64) error         { return nil }
func (managerFakeLog) LatestEpoch(PartitionID) (int32, bool)                    { return 0, false }
func (managerFakeLog) LogEndOffset(PartitionID) int64                           { return 0 }
func (managerFakeLog) EndOffsetForEpoch(PartitionID, int32) (OffsetAndEpoch, bool) {
	return OffsetAndEpoch{}, false
}
func (managerFakeLog) BuildFetch(map[PartitionID]PartitionFetchState) BuildFetchResult {
	return BuildFetchResult{}
}

func testManager(t *testing.T) *FetcherManager {
	t.Helper()
	cfg := Config{ClientID: "test", FetchBackoff: time.Second, NumReplicaFetchers: 1}
	m := NewFetcherManager(cfg, func(SourceBroker) (LeaderClient, error) {
		return managerFakeLeader{}, nil
	}, managerFakeLog{}, prometheus.NewRegistry(), log.NewNopLogger())

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), m))
	t.Cleanup(func() {
		_ = services.StopAndAwaitTerminated(context.Background(), m)
	})
	return m
}

func TestFetcherManager_CreatesOneFetcherPerDestination(t *testing.T) {
	m := testManager(t)
	broker0 := SourceBroker{ID: 0, Host: "h0", Port: 9092}
	broker1 := SourceBroker{ID: 1, Host: "h1", Port: 9092}

	tp0 := PartitionID{Topic: "t", Partition: 0}
	tp1 := PartitionID{Topic: "t", Partition: 1}
	tp2 := PartitionID{Topic: "t", Partition: 2}

	err := m.ModifyPartitionsAndShutdownIdleFetchers(context.Background(), PartitionAssignments{
		ToMakeFollower: []AssignedPartition{
			{Partition: tp0, Broker: broker0, FetcherID: 0},
			{Partition: tp1, Broker: broker0, FetcherID: 0},
			{Partition: tp2, Broker: broker1, FetcherID: 0},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, m.FetcherCount())

	stats0, ok := m.Stats(BrokerIDAndFetcherID{SourceBrokerID: 0, FetcherID: 0})
	require.True(t, ok)
	assert.Equal(t, 0, stats0.Failed)

	_, ok = m.Stats(BrokerIDAndFetcherID{SourceBrokerID: 99, FetcherID: 0})
	assert.False(t, ok)
}

func TestFetcherManager_ShutsDownFetcherLeftWithZeroPartitions(t *testing.T) {
	m := testManager(t)
	broker0 := SourceBroker{ID: 0, Host: "h0", Port: 9092}
	tp0 := PartitionID{Topic: "t", Partition: 0}

	require.NoError(t, m.ModifyPartitionsAndShutdownIdleFetchers(context.Background(), PartitionAssignments{
		ToMakeFollower: []AssignedPartition{{Partition: tp0, Broker: broker0, FetcherID: 0}},
	}))
	require.Equal(t, 1, m.FetcherCount())

	require.NoError(t, m.ModifyPartitionsAndShutdownIdleFetchers(context.Background(), PartitionAssignments{
		ToRemove: []PartitionID{tp0},
	}))
	assert.Equal(t, 0, m.FetcherCount())
}

func TestFetcherManager_RemovalOfUnknownPartitionIsANoop(t *testing.T) {
	m := testManager(t)
	tp0 := PartitionID{Topic: "t", Partition: 0}

	err := m.ModifyPartitionsAndShutdownIdleFetchers(context.Background(), PartitionAssignments{
		ToRemove: []PartitionID{tp0},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, m.FetcherCount())
}

func TestFetcherManager_ReassignmentMovesOwnershipBetweenFetchers(t *testing.T) {
	m := testManager(t)
	broker0 := SourceBroker{ID: 0, Host: "h0", Port: 9092}
	broker1 := SourceBroker{ID: 1, Host: "h1", Port: 9092}
	tp0 := PartitionID{Topic: "t", Partition: 0}

	require.NoError(t, m.ModifyPartitionsAndShutdownIdleFetchers(context.Background(), PartitionAssignments{
		ToMakeFollower: []AssignedPartition{{Partition: tp0, Broker: broker0, FetcherID: 0}},
	}))
	require.Equal(t, 1, m.FetcherCount())

	// Reassign tp0 to broker1's fetcher in the same call that removes it
	// from broker0's: broker0's fetcher should shut down (now idle) while
	// broker1's is created.
	require.NoError(t, m.ModifyPartitionsAndShutdownIdleFetchers(context.Background(), PartitionAssignments{
		ToMakeFollower: []AssignedPartition{{Partition: tp0, Broker: broker1, FetcherID: 0}},
		ToRemove:       []PartitionID{tp0},
	}))

	assert.Equal(t, 1, m.FetcherCount())
	_, ok := m.Stats(BrokerIDAndFetcherID{SourceBrokerID: 0, FetcherID: 0})
	assert.False(t, ok, "broker0's fetcher should have shut down once idle")
	_, ok = m.Stats(BrokerIDAndFetcherID{SourceBrokerID: 1, FetcherID: 0})
	assert.True(t, ok)
}

func TestFetcherManager_StoppingTerminatesAllFetchers(t *testing.T) {
	cfg := Config{ClientID: "test", FetchBackoff: time.Second, NumReplicaFetchers: 1}
	m := NewFetcherManager(cfg, func(SourceBroker) (LeaderClient, error) {
		return managerFakeLeader{}, nil
	}, managerFakeLog{}, prometheus.NewRegistry(), log.NewNopLogger())
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), m))

	broker0 := SourceBroker{ID: 0, Host: "h0", Port: 9092}
	tp0 := PartitionID{Topic: "t", Partition: 0}
	require.NoError(t, m.ModifyPartitionsAndShutdownIdleFetchers(context.Background(), PartitionAssignments{
		ToMakeFollower: []AssignedPartition{{Partition: tp0, Broker: broker0, FetcherID: 0}},
	}))
	require.Equal(t, 1, m.FetcherCount())

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), m))
	assert.Equal(t, 0, m.FetcherCount())
}
