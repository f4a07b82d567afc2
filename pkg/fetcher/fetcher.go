// SPDX-License-Identifier: AGPL-3.0-only

package fetcher

import (
	"context"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
)

// Fetcher is the externally visible unit for one (source broker, fetcher id)
// pair: an event bus, the FetcherCore state machine consuming it, and the
// eventLoop driving that consumption as a dskit service. Callers (the
// FetcherManager) interact with it only through ModifyPartitions, Service,
// and the status queries below — never with the core directly, preserving
// the single-goroutine-owns-state invariant (§5).
type Fetcher struct {
	core *FetcherCore
	bus  *eventBus
	loop *eventLoop
}

// NewFetcher constructs a Fetcher for one (sourceBroker, fetcherID) pair. The
// returned Fetcher's Service must be started before ModifyPartitions is
// called; a call made before the loop is running blocks until it is.
func NewFetcher(cfg Config, id BrokerIDAndFetcherID, broker SourceBroker, leader LeaderClient, log_ LogAccessor, reg prometheus.Registerer, logger log.Logger) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := newMetrics(reg, cfg.ClientID, broker.Host, broker.Port)
	bus := newEventBus()
	core := newFetcherCore(cfg, id, leader, log_, bus, m, logger)
	loop := newEventLoop(core, bus, logger)

	return &Fetcher{core: core, bus: bus, loop: loop}, nil
}

// Service returns the dskit service controlling this fetcher's lifecycle.
func (f *Fetcher) Service() services.Service {
	return f.loop
}

// ModifyPartitions posts a ModifyPartitions control event and waits for it
// to be applied, returning the fetcher's resulting partition count and the
// correlation ID assigned to this call, which the core logs when it applies
// the modification so the two log lines can be joined. This event always
// preempts any pending data-plane tick (§4.4) and never fails once posted
// (§7); the only error this can return is ctx's.
func (f *Fetcher) ModifyPartitions(ctx context.Context, toRemove []PartitionID, toAdd map[PartitionID]FollowerPartitionStateInFetcher) (int, string, error) {
	ev, completion := modifyPartitionsEvent(toRemove, toAdd)
	correlationID := ev.modify.correlationID
	f.bus.put(ev)

	select {
	case n := <-completion:
		return n, correlationID, nil
	case <-ctx.Done():
		return 0, correlationID, ctx.Err()
	}
}

// FailedPartitionsCount reports how many partitions are currently
// quarantined in this fetcher's FailedPartitions set. Safe to call from any
// goroutine.
func (f *Fetcher) FailedPartitionsCount() int {
	return f.core.failed.size()
}

// PartitionCount reports how many partitions this fetcher currently tracks.
// Only meaningful when called from the loop's own goroutine (e.g. from
// within a test that drives the loop directly); external callers should
// prefer the count returned by ModifyPartitions.
func (f *Fetcher) PartitionCount() int {
	return f.core.table.size()
}
