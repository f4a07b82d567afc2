// SPDX-License-Identifier: AGPL-3.0-only

package fetcher

import "context"

// LeaderClient is the abstract RPC surface a FetcherCore uses to talk to the
// source broker. A concrete implementation (e.g. package kafkaclient) binds
// this to the wire protocol; the core never depends on any specific wire
// format.
type LeaderClient interface {
	// FetchFromLeader issues a fetch request and returns per-partition
	// results. An error here is treated as a transient-RPC failure (§7):
	// the whole request is considered to have failed, regardless of
	// whether any individual partition might have otherwise succeeded.
	FetchFromLeader(ctx context.Context, req FetchRequest) (map[PartitionID]PartitionData, error)

	// FetchEpochEndOffsets resolves, for each requested partition, the end
	// offset of the given leader epoch on the leader.
	FetchEpochEndOffsets(ctx context.Context, req map[PartitionID]EpochData) (map[PartitionID]EpochEndOffset, error)

	// FetchLatestOffset returns the leader's current log end offset for
	// tp, fenced by currentLeaderEpoch. Implementations should return
	// ErrFencedLeaderEpoch, ErrUnknownTopicOrPartition,
	// ErrUnknownLeaderEpoch, or ErrNotLeaderForPartition where applicable.
	FetchLatestOffset(ctx context.Context, tp PartitionID, currentLeaderEpoch int32) (int64, error)

	// FetchEarliestOffset returns the leader's current log start offset
	// for tp, with the same error set as FetchLatestOffset.
	FetchEarliestOffset(ctx context.Context, tp PartitionID, currentLeaderEpoch int32) (int64, error)

	// IsOffsetForLeaderEpochSupported reports whether the leader protocol
	// supports the OffsetsForLeaderEpoch RPC used by
	// FetchEpochEndOffsets. When false, partitions fall back to the
	// high-watermark truncation path (§4.3 maybeTruncate).
	IsOffsetForLeaderEpochSupported() bool
}
