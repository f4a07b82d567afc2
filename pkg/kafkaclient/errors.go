// SPDX-License-Identifier: AGPL-3.0-only

// Package kafkaclient implements fetcher.LeaderClient over franz-go, the way
// the teacher's pkg/storage/ingest.concurrentFetchers talks to a Kafka-API
// broker: kmsg requests built and parsed by hand, kerr codes classified with
// errors.Is, kadm used for topic metadata, kotel/kprom wired in as client
// hooks.
package kafkaclient

import (
	"errors"

	"github.com/twmb/franz-go/pkg/kerr"

	"github.com/grafana/replica-fetcher/pkg/fetcher"
)

// classifyErrCode maps a kmsg/kerr response error code to the sentinel
// errors pkg/fetcher classifies against (errors.go there), so the core never
// imports a Kafka client package.
func classifyErrCode(code int16) error {
	if code == 0 {
		return nil
	}
	kerrErr := kerr.ErrorForCode(code)
	switch {
	case errors.Is(kerrErr, kerr.FencedLeaderEpoch):
		return fetcher.ErrFencedLeaderEpoch
	case errors.Is(kerrErr, kerr.UnknownTopicOrPartition):
		return fetcher.ErrUnknownTopicOrPartition
	case errors.Is(kerrErr, kerr.UnknownLeaderEpoch):
		return fetcher.ErrUnknownLeaderEpoch
	case errors.Is(kerrErr, kerr.NotLeaderForPartition):
		return fetcher.ErrNotLeaderForPartition
	case errors.Is(kerrErr, kerr.ReplicaNotAvailable):
		return fetcher.ErrNotLeaderForPartition
	case errors.Is(kerrErr, kerr.OffsetOutOfRange):
		return fetcher.ErrOffsetOutOfRange
	case errors.Is(kerrErr, kerr.CorruptMessage):
		return fetcher.ErrCorruptRecord
	case errors.Is(kerrErr, kerr.KafkaStorageError):
		return fetcher.ErrKafkaStorage
	default:
		return kerrErr
	}
}
