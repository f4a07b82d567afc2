// SPDX-License-Identifier: AGPL-3.0-only

// Package fetcher implements the replica fetcher core: the event-driven
// engine that, for a single (source broker, fetcher id) pair, truncates and
// fetches a set of partitions from a leader and applies the results to a
// local log.
package fetcher

import (
	"strconv"
	"time"
)

// UndefinedEpoch is the sentinel leader epoch meaning "no epoch information
// available", used by older protocol peers that predate leader-epoch
// fencing.
const UndefinedEpoch int32 = -1

// UndefinedEpochOffset is the sentinel end-offset paired with UndefinedEpoch
// or returned when the leader has no log for the requested epoch at all.
const UndefinedEpochOffset int64 = -1

// NoInitialOffset is the sentinel fetch offset meaning "derive the initial
// offset from the leader instead of starting at a known position".
const NoInitialOffset int64 = -1

// PartitionID identifies a partition of a topic, the unit of replication.
type PartitionID struct {
	Topic     string
	Partition int32
}

func (p PartitionID) String() string {
	return p.Topic + "-" + strconv.Itoa(int(p.Partition))
}

// BrokerIDAndFetcherID identifies one fetcher instance: the source broker it
// pulls from and its index within the destination broker's fetcher pool.
type BrokerIDAndFetcherID struct {
	SourceBrokerID int32
	FetcherID      int
}

// SourceBroker describes the peer a fetcher pulls records from.
type SourceBroker struct {
	ID   int32
	Host string
	Port int
}

// OffsetAndEpoch is a fetch offset paired with the leader epoch the follower
// believes is authoritative for it. A negative Offset is the sentinel
// "derive the initial offset" (NoInitialOffset).
type OffsetAndEpoch struct {
	Offset      int64
	LeaderEpoch int32
}

// FollowerPartitionStateInFetcher is the portion of a partition-assignment
// delta relevant to exactly one fetcher: which fetcher owns the partition,
// and where it should start reading from.
type FollowerPartitionStateInFetcher struct {
	BrokerIDAndFetcherID BrokerIDAndFetcherID
	InitialOffsetAndEpoch OffsetAndEpoch
}

// OffsetTruncationState is the result of the divergence policy (§4.3-T):
// where to truncate to, and whether that decision is final or needs another
// round-trip with the leader.
type OffsetTruncationState struct {
	Offset              int64
	TruncationCompleted bool
}

// EpochData is the per-partition request half of the OffsetsForLeaderEpoch
// protocol.
type EpochData struct {
	RequestedLeaderEpoch int32
	ObservedFollowerEpoch int32
}

// EpochEndOffset is the per-partition response half of the
// OffsetsForLeaderEpoch protocol.
type EpochEndOffset struct {
	LeaderEpoch int32
	EndOffset   int64
	Err         error
}

// FetchState is the phase of the replication protocol a partition is in.
type FetchState int

const (
	// StateTruncating means the follower has been assigned the partition
	// but has not yet reconciled its divergence point with the leader.
	StateTruncating FetchState = iota
	// StateFetching means truncation completed and the follower is
	// pulling records.
	StateFetching
)

func (s FetchState) String() string {
	switch s {
	case StateTruncating:
		return "truncating"
	case StateFetching:
		return "fetching"
	default:
		return "unknown"
	}
}

// DelayedItem marks a back-off window; a partition carrying one contributes
// no requests until ExpireAt.
type DelayedItem struct {
	ExpireAt time.Time
}

// Expired reports whether the delay window has passed as of now.
func (d *DelayedItem) Expired(now time.Time) bool {
	return d == nil || !now.Before(d.ExpireAt)
}

// PartitionFetchState is the per-partition record held in the
// PartitionStateTable.
type PartitionFetchState struct {
	FetchOffset        int64
	CurrentLeaderEpoch int32
	Delay              *DelayedItem
	State              FetchState
}

// IsTruncating reports whether the partition is in the Truncating phase.
func (s PartitionFetchState) IsTruncating() bool {
	return s.State == StateTruncating
}

// IsDelayed reports whether the partition is currently backed off.
func (s PartitionFetchState) IsDelayed(now time.Time) bool {
	return s.Delay != nil && !s.Delay.Expired(now)
}

// IsReadyForFetch reports whether the partition should be included in the
// next fetch request.
func (s PartitionFetchState) IsReadyForFetch(now time.Time) bool {
	return s.State == StateFetching && !s.IsDelayed(now)
}

// LogAppendInfo summarizes the result of successfully appending a batch of
// fetched records to the local log.
type LogAppendInfo struct {
	ValidBytes    int64
	LastOffset    int64
	HighWatermark int64
}

// PartitionData is one partition's worth of a fetch response: either a set
// of records ready for append, or an error code describing why there aren't
// any.
type PartitionData struct {
	Records       []byte
	HighWatermark int64
	Err           error
}

// FetchTarget is one partition's contribution to a FetchRequest: the offset
// to resume at and the leader epoch the follower believes is authoritative,
// carried on the wire so the leader can fence a stale request (KIP-320).
type FetchTarget struct {
	FetchOffset        int64
	CurrentLeaderEpoch int32
}

// FetchRequest aggregates the partitions a single fetch RPC should cover.
type FetchRequest struct {
	Partitions map[PartitionID]FetchTarget
}
