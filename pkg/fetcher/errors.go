// SPDX-License-Identifier: AGPL-3.0-only

package fetcher

import "errors"

// Sentinel errors returned by LeaderClient and LogAccessor implementations.
// The core classifies errors with errors.Is against these rather than
// switching on wire-protocol error codes directly, so it never needs to
// import a Kafka client package.
var (
	// ErrFencedLeaderEpoch means the request's leader epoch is older than
	// the one the leader now considers authoritative.
	ErrFencedLeaderEpoch = errors.New("fenced leader epoch")
	// ErrUnknownTopicOrPartition means the broker has no record of the
	// requested topic-partition.
	ErrUnknownTopicOrPartition = errors.New("unknown topic or partition")
	// ErrUnknownLeaderEpoch means the requested leader epoch is unknown to
	// the broker (usually a mid-flight leader election).
	ErrUnknownLeaderEpoch = errors.New("unknown leader epoch")
	// ErrNotLeaderForPartition means the contacted broker is no longer (or
	// never was) the leader for this partition.
	ErrNotLeaderForPartition = errors.New("not leader for partition")
	// ErrOffsetOutOfRange means the requested fetch offset falls outside
	// [log start offset, log end offset] on the leader.
	ErrOffsetOutOfRange = errors.New("offset out of range")
	// ErrCorruptRecord means the fetched batch failed validation.
	ErrCorruptRecord = errors.New("corrupt record")
	// ErrKafkaStorage means the leader or the local log hit a storage-level
	// failure while serving the request.
	ErrKafkaStorage = errors.New("storage error")
)
