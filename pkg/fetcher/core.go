// SPDX-License-Identifier: AGPL-3.0-only

package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// FetcherCore is the truncate/fetch/append state machine (§4.3). It owns the
// PartitionStateTable and FailedPartitions for one (source broker, fetcher
// id) pair and drives the LeaderClient/LogAccessor collaborators.
//
// FetcherCore is not safe for concurrent use. Its process method is invoked
// exclusively by the owning eventLoop's single goroutine; nothing else may
// call it. This is what lets the rest of the state machine assume
// single-threaded, cooperative execution (§5) without any locking of its
// own.
type FetcherCore struct {
	id           BrokerIDAndFetcherID
	fetchBackoff time.Duration

	leader LeaderClient
	log    LogAccessor

	table  *partitionStateTable
	failed *failedPartitions

	bus     *eventBus
	metrics *metrics
	logger  log.Logger

	// Partition-phase counts, refreshed at the end of every tick and
	// readable lock-free by FetcherStats snapshots (§3.1) from any
	// goroutine without contending with the event loop.
	truncatingCount atomic.Int32
	fetchingCount   atomic.Int32
	delayedCount    atomic.Int32
}

func newFetcherCore(cfg Config, id BrokerIDAndFetcherID, leader LeaderClient, logAccessor LogAccessor, bus *eventBus, m *metrics, logger log.Logger) *FetcherCore {
	return &FetcherCore{
		id:           id,
		fetchBackoff: cfg.FetchBackoff,
		leader:       leader,
		log:          logAccessor,
		table:        newPartitionStateTable(),
		failed:       newFailedPartitions(),
		bus:          bus,
		metrics:      m,
		logger:       logger,
	}
}

// process dispatches a single event (§4.3's "Event dispatch").
func (c *FetcherCore) process(ctx context.Context, ev event) {
	switch ev.kind {
	case eventModifyPartitions:
		c.processModifyPartitions(ctx, ev.modify)
	case eventTruncateAndFetch:
		c.truncateAndFetch(ctx)
	}
}

func (c *FetcherCore) processModifyPartitions(ctx context.Context, p *modifyPartitionsPayload) {
	c.removePartitions(p.toRemove)

	filtered := make(map[PartitionID]OffsetAndEpoch, len(p.toAdd))
	for tp, st := range p.toAdd {
		if st.BrokerIDAndFetcherID == c.id {
			filtered[tp] = st.InitialOffsetAndEpoch
		}
	}
	c.addPartitions(ctx, filtered)

	level.Debug(c.logger).Log(
		"msg", "applied partition modification",
		"correlation_id", p.correlationID,
		"removed", len(p.toRemove),
		"added", len(filtered),
		"partitions", c.table.size(),
	)

	// Single-shot, never-failing completion: the control path always
	// reports the partition count after applying the modification (§7).
	p.completion <- c.table.size()
}

// truncateAndFetch is one tick of the event-driven loop (§4.3). It always
// re-arms exactly one TruncateAndFetch event, immediately on progress or
// after fetchBackoff otherwise, which is what keeps P1 ("exactly one
// TruncateAndFetch pending per fetcher") true across every cycle.
func (c *FetcherCore) truncateAndFetch(ctx context.Context) {
	c.maybeTruncate(ctx)
	backoff := c.maybeFetch(ctx)
	c.refreshCounts()
	if backoff {
		c.bus.schedule(delayedEvent{
			event:    truncateAndFetchEvent(),
			expireAt: time.Now().Add(c.fetchBackoff),
		})
		return
	}
	c.bus.put(truncateAndFetchEvent())
}

// refreshCounts recomputes the partition-phase snapshot consumed by
// FetcherStats. Called only from the event loop's goroutine; the atomics it
// writes to may be read from any goroutine.
func (c *FetcherCore) refreshCounts() {
	var truncating, fetching, delayed int32
	now := time.Now()
	c.table.stream(func(_ PartitionID, state PartitionFetchState) {
		if state.IsTruncating() {
			truncating++
		} else {
			fetching++
		}
		if state.IsDelayed(now) {
			delayed++
		}
	})
	c.truncatingCount.Store(truncating)
	c.fetchingCount.Store(fetching)
	c.delayedCount.Store(delayed)
}

// addPartitions inserts or preserves partitions per §4.3's addPartitions.
func (c *FetcherCore) addPartitions(ctx context.Context, initial map[PartitionID]OffsetAndEpoch) []PartitionID {
	touched := make([]PartitionID, 0, len(initial))
	for tp, oe := range initial {
		c.failed.remove(tp)

		if existing, ok := c.table.stateValue(tp); ok && existing.CurrentLeaderEpoch == oe.LeaderEpoch {
			// Identical epoch already tracked: avoid needless re-truncation.
			touched = append(touched, tp)
			continue
		}

		fetchOffset := oe.Offset
		if fetchOffset < 0 {
			newOffset, err := c.fetchOffsetAndTruncate(ctx, tp, oe.LeaderEpoch)
			if err != nil {
				level.Warn(c.logger).Log("msg", "failed to resolve initial offset for added partition; marking failed", "partition", tp, "err", err)
				c.failed.add(tp)
				continue
			}
			fetchOffset = newOffset
		}

		c.table.updateAndMoveToEnd(tp, PartitionFetchState{
			FetchOffset:        fetchOffset,
			CurrentLeaderEpoch: oe.LeaderEpoch,
			State:              StateTruncating,
		})
		touched = append(touched, tp)
	}
	return touched
}

// maybeTruncate splits Truncating partitions by whether epoch-based
// reconciliation is available and dispatches each group to its truncation
// path (§4.3).
func (c *FetcherCore) maybeTruncate(ctx context.Context) {
	withEpochs := make(map[PartitionID]EpochData)
	var withoutEpochs []PartitionID

	c.table.stream(func(tp PartitionID, state PartitionFetchState) {
		if !state.IsTruncating() {
			return
		}
		if epoch, ok := c.log.LatestEpoch(tp); ok && c.leader.IsOffsetForLeaderEpochSupported() {
			withEpochs[tp] = EpochData{
				RequestedLeaderEpoch:  state.CurrentLeaderEpoch,
				ObservedFollowerEpoch: epoch,
			}
		} else {
			withoutEpochs = append(withoutEpochs, tp)
		}
	})

	if len(withEpochs) > 0 {
		c.truncateToEpochEndOffsets(ctx, withEpochs)
	}
	if len(withoutEpochs) > 0 {
		c.truncateToHighWatermark(withoutEpochs)
	}
}

func (c *FetcherCore) truncateToEpochEndOffsets(ctx context.Context, requested map[PartitionID]EpochData) {
	responses, err := c.leader.FetchEpochEndOffsets(ctx, requested)
	if err != nil {
		ids := make([]PartitionID, 0, len(requested))
		for tp := range requested {
			ids = append(ids, tp)
		}
		c.delayPartitions(ids, c.fetchBackoff)
		return
	}

	updates := make(map[PartitionID]OffsetTruncationState)
	for tp, reqEpoch := range requested {
		resp, ok := responses[tp]
		if !ok {
			continue
		}

		// Fencing filter: the partition must still be present with the
		// exact epoch we asked about, or it changed under us and must be
		// retried on a future cycle.
		state, ok := c.table.stateValue(tp)
		if !ok || state.CurrentLeaderEpoch != reqEpoch.RequestedLeaderEpoch {
			continue
		}

		switch {
		case resp.Err == nil:
			ts := c.getOffsetTruncationState(tp, resp)
			if truncErr := c.log.Truncate(tp, ts); truncErr != nil {
				level.Error(c.logger).Log("msg", "failed to truncate partition to epoch end offset", "partition", tp, "err", truncErr)
				c.markPartitionFailed(tp)
				continue
			}
			updates[tp] = ts
		case errors.Is(resp.Err, ErrFencedLeaderEpoch):
			if reqEpoch.RequestedLeaderEpoch == state.CurrentLeaderEpoch {
				c.markPartitionFailed(tp)
			} else {
				c.delayPartitions([]PartitionID{tp}, c.fetchBackoff)
			}
		default:
			c.delayPartitions([]PartitionID{tp}, c.fetchBackoff)
		}
	}

	if len(updates) > 0 {
		c.updateFetchOffsetAndMaybeMarkTruncationComplete(updates)
	}
}

// getOffsetTruncationState implements the divergence policy of §4.3-T.
func (c *FetcherCore) getOffsetTruncationState(tp PartitionID, leaderEpochOffset EpochEndOffset) OffsetTruncationState {
	replicaLEO := c.log.LogEndOffset(tp)

	if leaderEpochOffset.EndOffset == UndefinedEpochOffset {
		state, _ := c.table.stateValue(tp)
		return OffsetTruncationState{Offset: state.FetchOffset, TruncationCompleted: true}
	}
	if leaderEpochOffset.LeaderEpoch == UndefinedEpoch {
		return OffsetTruncationState{Offset: min64(leaderEpochOffset.EndOffset, replicaLEO), TruncationCompleted: true}
	}
	if followerEnd, ok := c.log.EndOffsetForEpoch(tp, leaderEpochOffset.LeaderEpoch); ok {
		if followerEnd.LeaderEpoch == leaderEpochOffset.LeaderEpoch {
			return OffsetTruncationState{
				Offset:              min64(followerEnd.Offset, leaderEpochOffset.EndOffset, replicaLEO),
				TruncationCompleted: true,
			}
		}
		return OffsetTruncationState{Offset: min64(followerEnd.Offset, replicaLEO), TruncationCompleted: false}
	}
	return OffsetTruncationState{Offset: min64(leaderEpochOffset.EndOffset, replicaLEO), TruncationCompleted: true}
}

func (c *FetcherCore) truncateToHighWatermark(partitions []PartitionID) {
	updates := make(map[PartitionID]OffsetTruncationState)
	for _, tp := range partitions {
		state, ok := c.table.stateValue(tp)
		if !ok {
			continue
		}
		ts := OffsetTruncationState{Offset: state.FetchOffset, TruncationCompleted: true}
		if err := c.log.Truncate(tp, ts); err != nil {
			level.Error(c.logger).Log("msg", "failed to truncate partition to high watermark", "partition", tp, "err", err)
			c.markPartitionFailed(tp)
			continue
		}
		updates[tp] = ts
	}
	if len(updates) > 0 {
		c.updateFetchOffsetAndMaybeMarkTruncationComplete(updates)
	}
}

// updateFetchOffsetAndMaybeMarkTruncationComplete rewrites exactly the
// partitions present in fetchOffsets, leaving everything else untouched.
func (c *FetcherCore) updateFetchOffsetAndMaybeMarkTruncationComplete(fetchOffsets map[PartitionID]OffsetTruncationState) {
	for tp, ts := range fetchOffsets {
		existing, ok := c.table.stateValue(tp)
		if !ok {
			continue
		}
		newState := PartitionFetchState{
			FetchOffset:        ts.Offset,
			CurrentLeaderEpoch: existing.CurrentLeaderEpoch,
			Delay:              existing.Delay,
			State:              StateTruncating,
		}
		if ts.TruncationCompleted {
			newState.State = StateFetching
		}
		c.table.update(tp, newState)
	}
}

// maybeFetch builds and issues at most one fetch request for the eligible
// partitions in the table (§4.3).
func (c *FetcherCore) maybeFetch(ctx context.Context) bool {
	snapshot := make(map[PartitionID]PartitionFetchState, c.table.size())
	c.table.stream(func(tp PartitionID, state PartitionFetchState) {
		snapshot[tp] = state
	})

	result := c.log.BuildFetch(snapshot)
	c.delayPartitions(result.PartitionsWithError, c.fetchBackoff)

	if result.Request == nil {
		return true
	}
	return c.processFetchRequest(ctx, snapshot, *result.Request)
}

// processFetchRequest issues the request and applies the response (§4.3).
func (c *FetcherCore) processFetchRequest(ctx context.Context, snapshot map[PartitionID]PartitionFetchState, req FetchRequest) bool {
	resp, err := c.leader.FetchFromLeader(ctx, req)
	if err != nil {
		c.metrics.incRequestFailures()
		c.delayPartitions(c.table.ids(), c.fetchBackoff)
		return true
	}
	c.metrics.incRequests()

	var retrySet []PartitionID
	now := time.Now()
	for tp, data := range resp {
		currentFetchState, ok := c.table.stateValue(tp)
		if !ok {
			continue
		}
		fetchState, ok := snapshot[tp]
		if !ok {
			continue
		}
		// Stale-response guard (§5): the partition may have been
		// re-added, removed, or truncated while the RPC was outstanding.
		if fetchState.FetchOffset != currentFetchState.FetchOffset || !currentFetchState.IsReadyForFetch(now) {
			continue
		}

		switch {
		case data.Err == nil:
			appendInfo, appendErr := c.log.ProcessPartitionData(tp, currentFetchState.FetchOffset, data)
			switch {
			case appendErr == nil:
				c.applyAppend(tp, currentFetchState, appendInfo)
			case errors.Is(appendErr, ErrCorruptRecord):
				level.Warn(c.logger).Log("msg", "received corrupt record; will retry", "partition", tp, "err", appendErr)
				retrySet = append(retrySet, tp)
			default:
				level.Error(c.logger).Log("msg", "failed to append fetched records; marking partition failed", "partition", tp, "err", appendErr)
				c.markPartitionFailed(tp)
			}
		case errors.Is(data.Err, ErrOffsetOutOfRange):
			if c.handleOutOfRangeError(ctx, tp, currentFetchState, currentFetchState.CurrentLeaderEpoch) {
				retrySet = append(retrySet, tp)
			}
		case errors.Is(data.Err, ErrUnknownLeaderEpoch):
			retrySet = append(retrySet, tp)
		case errors.Is(data.Err, ErrFencedLeaderEpoch):
			if c.onPartitionFenced(tp, currentFetchState.CurrentLeaderEpoch) {
				retrySet = append(retrySet, tp)
			}
		case errors.Is(data.Err, ErrNotLeaderForPartition), errors.Is(data.Err, ErrUnknownTopicOrPartition):
			retrySet = append(retrySet, tp)
		default:
			retrySet = append(retrySet, tp)
		}
	}

	c.delayPartitions(retrySet, c.fetchBackoff)
	return false
}

func (c *FetcherCore) applyAppend(tp PartitionID, currentFetchState PartitionFetchState, appendInfo *LogAppendInfo) {
	if appendInfo == nil {
		return
	}
	nextOffset := currentFetchState.FetchOffset
	if appendInfo.ValidBytes > 0 {
		nextOffset = appendInfo.LastOffset + 1
	}
	lag := appendInfo.HighWatermark - nextOffset
	if lag < 0 {
		lag = 0
	}
	c.metrics.setLag(tp, lag)

	if appendInfo.ValidBytes > 0 {
		if c.table.contains(tp) {
			c.table.updateAndMoveToEnd(tp, PartitionFetchState{
				FetchOffset:        nextOffset,
				CurrentLeaderEpoch: currentFetchState.CurrentLeaderEpoch,
				State:              StateFetching,
			})
		}
		c.metrics.addBytes(appendInfo.ValidBytes)
	}
}

// handleOutOfRangeError implements §4.3-O.
func (c *FetcherCore) handleOutOfRangeError(ctx context.Context, tp PartitionID, fetchState PartitionFetchState, requestEpoch int32) (retry bool) {
	newOffset, err := c.fetchOffsetAndTruncate(ctx, tp, fetchState.CurrentLeaderEpoch)
	if err == nil {
		if c.table.contains(tp) {
			c.table.updateAndMoveToEnd(tp, PartitionFetchState{
				FetchOffset:        newOffset,
				CurrentLeaderEpoch: fetchState.CurrentLeaderEpoch,
				State:              StateFetching,
			})
		}
		return false
	}
	if errors.Is(err, ErrFencedLeaderEpoch) {
		return c.onPartitionFenced(tp, requestEpoch)
	}
	// Unknown topic/epoch, not-leader, or any other exception: retry.
	return true
}

// fetchOffsetAndTruncate implements §4.3's offset-reset/unclean-leader
// reconciliation. Data divergence from an unclean leader election is
// accepted and not repaired (§4.3, §9); it is only surfaced via the
// uncleanLeaderElections metric.
func (c *FetcherCore) fetchOffsetAndTruncate(ctx context.Context, tp PartitionID, currentLeaderEpoch int32) (int64, error) {
	replicaLEO := c.log.LogEndOffset(tp)

	leaderLEO, err := c.leader.FetchLatestOffset(ctx, tp, currentLeaderEpoch)
	if err != nil {
		return 0, err
	}

	if leaderLEO < replicaLEO {
		if err := c.log.Truncate(tp, OffsetTruncationState{Offset: leaderLEO, TruncationCompleted: true}); err != nil {
			return 0, err
		}
		c.metrics.uncleanLeaderElections.Inc()
		return leaderLEO, nil
	}

	leaderStartOffset, err := c.leader.FetchEarliestOffset(ctx, tp, currentLeaderEpoch)
	if err != nil {
		return 0, err
	}
	if leaderStartOffset > replicaLEO {
		if err := c.log.TruncateFullyAndStartAt(tp, leaderStartOffset); err != nil {
			return 0, err
		}
		return leaderStartOffset, nil
	}
	return max64(leaderStartOffset, replicaLEO), nil
}

// onPartitionFenced implements §4.3's onPartitionFenced.
func (c *FetcherCore) onPartitionFenced(tp PartitionID, requestEpoch int32) (retry bool) {
	state, ok := c.table.stateValue(tp)
	if !ok {
		return false
	}
	if requestEpoch == state.CurrentLeaderEpoch {
		c.markPartitionFailed(tp)
		return false
	}
	return true
}

// delayPartitions backs off the given partitions by delay, skipping any
// already delayed or no longer present.
func (c *FetcherCore) delayPartitions(partitions []PartitionID, delay time.Duration) {
	if len(partitions) == 0 {
		return
	}
	expireAt := time.Now().Add(delay)
	for _, tp := range partitions {
		state, ok := c.table.stateValue(tp)
		if !ok || state.IsDelayed(time.Now()) {
			continue
		}
		state.Delay = &DelayedItem{ExpireAt: expireAt}
		c.table.updateAndMoveToEnd(tp, state)
	}
}

// removePartitions implements §4.3's removePartitions: idempotent removal
// plus lag-metric cleanup.
func (c *FetcherCore) removePartitions(partitions []PartitionID) {
	for _, tp := range partitions {
		c.table.remove(tp)
		c.metrics.deleteLag(tp)
	}
}

func (c *FetcherCore) markPartitionFailed(tp PartitionID) {
	c.table.remove(tp)
	c.metrics.deleteLag(tp)
	c.failed.add(tp)
	c.metrics.partitionsFailed.Set(float64(c.failed.size()))
}

func min64(vs ...int64) int64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
