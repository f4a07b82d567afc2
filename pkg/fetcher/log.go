// SPDX-License-Identifier: AGPL-3.0-only

package fetcher

// BuildFetchResult is the outcome of assembling a fetch request from the
// partitions that are ready to be fetched: the request itself (nil if no
// partition qualified) and the subset of partitions that could not be
// included due to a recoverable build error (e.g. a request-size limit).
type BuildFetchResult struct {
	Request             *FetchRequest
	PartitionsWithError []PartitionID
}

// LogAccessor is the abstract follower-side log and leader-epoch-cache
// surface a FetcherCore uses to apply truncation and append fetched
// records. A concrete implementation owns on-disk segment layout; this
// package only depends on the interface.
type LogAccessor interface {
	// ProcessPartitionData appends data to tp's local log, having been
	// told the follower's fetch offset the data corresponds to. Returns
	// nil if nothing was appended (e.g. empty batch).
	ProcessPartitionData(tp PartitionID, fetchOffset int64, data PartitionData) (*LogAppendInfo, error)

	// Truncate truncates tp's local log per the given truncation state.
	// May return ErrKafkaStorage.
	Truncate(tp PartitionID, state OffsetTruncationState) error

	// TruncateFullyAndStartAt discards tp's entire local log and resets it
	// to start at offset, used when the follower is so far behind the
	// leader's retention window that no overlap remains.
	TruncateFullyAndStartAt(tp PartitionID, offset int64) error

	// LatestEpoch returns the newest leader epoch recorded in tp's local
	// epoch cache, or false if the follower has no epoch history for it.
	LatestEpoch(tp PartitionID) (int32, bool)

	// LogEndOffset returns tp's local log end offset (LEO): the next
	// offset that would be appended.
	LogEndOffset(tp PartitionID) int64

	// EndOffsetForEpoch returns the end offset the follower's own epoch
	// cache associates with the given leader epoch, or false if unknown.
	EndOffsetForEpoch(tp PartitionID, epoch int32) (OffsetAndEpoch, bool)

	// BuildFetch assembles a single fetch request covering the eligible
	// partitions in state (those ready for fetch and not failed).
	BuildFetch(state map[PartitionID]PartitionFetchState) BuildFetchResult
}
