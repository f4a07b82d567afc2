// SPDX-License-Identifier: AGPL-3.0-only

package fetcher

import (
	"time"

	"github.com/google/uuid"
)

// eventPriority orders events within the bus: higher value wins, so control
// events preempt data-plane ticks.
type eventPriority int

const (
	priorityTruncateAndFetch eventPriority = 1
	priorityModifyPartitions eventPriority = 2
)

// event is the tagged variant the bus carries, selected by kind. The modify
// payload is set only for ModifyPartitions events; TruncateAndFetch carries
// no payload. Priority is baked into the variant rather than dispatched
// through a virtual method.
type event struct {
	kind eventKind

	modify *modifyPartitionsPayload
}

type eventKind int

const (
	eventTruncateAndFetch eventKind = iota
	eventModifyPartitions
)

func (e event) priority() eventPriority {
	switch e.kind {
	case eventModifyPartitions:
		return priorityModifyPartitions
	default:
		return priorityTruncateAndFetch
	}
}

// truncateAndFetchEvent is the recurring data-plane tick.
func truncateAndFetchEvent() event {
	return event{kind: eventTruncateAndFetch}
}

// modifyPartitionsPayload carries a control request: remove a set of
// partitions, add another set (filtered to this fetcher), and report back
// the resulting partition count once applied. correlationID is not
// protocol-visible; it exists solely so one ModifyPartitions call can be
// traced end to end through logs, from the manager's call site through the
// event loop that applies it.
type modifyPartitionsPayload struct {
	toRemove      []PartitionID
	toAdd         map[PartitionID]FollowerPartitionStateInFetcher
	completion    chan int
	correlationID string
}

// modifyPartitionsEvent builds a ModifyPartitions control event. completion
// is a buffered channel of capacity 1: the event loop writes to it exactly
// once, after the modification has been applied, and never closes it with an
// error — per §7, this control path never fails.
func modifyPartitionsEvent(toRemove []PartitionID, toAdd map[PartitionID]FollowerPartitionStateInFetcher) (event, <-chan int) {
	completion := make(chan int, 1)
	return event{
		kind: eventModifyPartitions,
		modify: &modifyPartitionsPayload{
			toRemove:      toRemove,
			toAdd:         toAdd,
			completion:    completion,
			correlationID: uuid.New().String(),
		},
	}, completion
}

// delayedEvent wraps a TruncateAndFetch event with the time at which it
// becomes eligible for delivery.
type delayedEvent struct {
	event    event
	expireAt time.Time
}
