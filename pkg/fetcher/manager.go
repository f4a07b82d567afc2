// SPDX-License-Identifier: AGPL-3.0-only

package fetcher

import (
	"context"
	"errors"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
)

// errUnknownFetcher is returned internally when a removal-only group names a
// fetcher that was never created (e.g. a stale or duplicate ToRemove entry).
var errUnknownFetcher = errors.New("fetcher: removal for unknown fetcher")

// LeaderClientFactory dials a LeaderClient for a source broker. Kept as a
// function value rather than a concrete constructor so the manager never
// depends on the wire protocol package directly; package kafkaclient
// supplies the real implementation.
type LeaderClientFactory func(broker SourceBroker) (LeaderClient, error)

// AssignedPartition is one partition's destination within a
// PartitionAssignments delta: which broker it should now follow, on which
// fetcher, and where to start reading.
type AssignedPartition struct {
	Partition             PartitionID
	Broker                SourceBroker
	FetcherID             int
	InitialOffsetAndEpoch OffsetAndEpoch
}

// PartitionAssignments is the delta a cluster-membership change produces
// (§4.5): partitions this broker should now replicate as a follower, and
// partitions it should stop replicating altogether.
type PartitionAssignments struct {
	ToMakeFollower []AssignedPartition
	ToRemove       []PartitionID
}

type fetcherGroup struct {
	broker    SourceBroker
	hasBroker bool
	toAdd     map[PartitionID]FollowerPartitionStateInFetcher
	toRemove  []PartitionID
}

// FetcherManager is the thin map from (sourceBrokerId, fetcherId) to
// FetcherCore described by §4.5: it groups assignment deltas by destination
// fetcher, applies each as a single ModifyPartitions control event, and
// shuts down any fetcher left with zero partitions.
type FetcherManager struct {
	services.Service

	cfg                 Config
	leaderClientFactory LeaderClientFactory
	log                 LogAccessor
	reg                 prometheus.Registerer
	logger              log.Logger

	mu       sync.Mutex
	fetchers map[BrokerIDAndFetcherID]*Fetcher
	owner    map[PartitionID]BrokerIDAndFetcherID
}

// NewFetcherManager constructs a FetcherManager. Its Service must be started
// before ModifyPartitionsAndShutdownIdleFetchers is called.
func NewFetcherManager(cfg Config, leaderClientFactory LeaderClientFactory, logAccessor LogAccessor, reg prometheus.Registerer, logger log.Logger) *FetcherManager {
	m := &FetcherManager{
		cfg:                 cfg,
		leaderClientFactory: leaderClientFactory,
		log:                 logAccessor,
		reg:                 reg,
		logger:              logger,
		fetchers:            make(map[BrokerIDAndFetcherID]*Fetcher),
		owner:               make(map[PartitionID]BrokerIDAndFetcherID),
	}
	m.Service = services.NewBasicService(nil, m.running, m.stopping)
	return m
}

func (m *FetcherManager) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (m *FetcherManager) stopping(_ error) error {
	m.mu.Lock()
	fetchers := make([]*Fetcher, 0, len(m.fetchers))
	for _, f := range m.fetchers {
		fetchers = append(fetchers, f)
	}
	m.fetchers = make(map[BrokerIDAndFetcherID]*Fetcher)
	m.owner = make(map[PartitionID]BrokerIDAndFetcherID)
	m.mu.Unlock()

	errs := multierror.New()
	for _, f := range fetchers {
		errs.Add(services.StopAndAwaitTerminated(context.Background(), f.Service()))
	}
	return errs.Err()
}

// ModifyPartitionsAndShutdownIdleFetchers applies a PartitionAssignments
// delta (§4.5): groups toMakeFollower by destination fetcher, creates any
// fetcher that doesn't exist yet, submits one ModifyPartitions event per
// affected fetcher, and shuts down any fetcher left tracking zero
// partitions.
func (m *FetcherManager) ModifyPartitionsAndShutdownIdleFetchers(ctx context.Context, mods PartitionAssignments) error {
	groups := make(map[BrokerIDAndFetcherID]*fetcherGroup)

	groupFor := func(id BrokerIDAndFetcherID) *fetcherGroup {
		g, ok := groups[id]
		if !ok {
			g = &fetcherGroup{toAdd: make(map[PartitionID]FollowerPartitionStateInFetcher)}
			groups[id] = g
		}
		return g
	}

	for _, ap := range mods.ToMakeFollower {
		id := BrokerIDAndFetcherID{SourceBrokerID: ap.Broker.ID, FetcherID: ap.FetcherID}
		g := groupFor(id)
		g.broker = ap.Broker
		g.hasBroker = true
		g.toAdd[ap.Partition] = FollowerPartitionStateInFetcher{
			BrokerIDAndFetcherID:  id,
			InitialOffsetAndEpoch: ap.InitialOffsetAndEpoch,
		}
	}

	m.mu.Lock()
	for _, tp := range mods.ToRemove {
		id, ok := m.owner[tp]
		if !ok {
			continue
		}
		groupFor(id).toRemove = append(groupFor(id).toRemove, tp)
	}
	m.mu.Unlock()

	errs := multierror.New()
	for id, g := range groups {
		f, err := m.ensureFetcher(ctx, id, g)
		if err != nil {
			errs.Add(err)
			continue
		}

		n, correlationID, err := f.ModifyPartitions(ctx, g.toRemove, g.toAdd)
		if err != nil {
			errs.Add(err)
			continue
		}
		level.Debug(m.logger).Log(
			"msg", "modified fetcher partitions",
			"correlation_id", correlationID,
			"source_broker_id", id.SourceBrokerID,
			"fetcher_id", id.FetcherID,
			"removed", len(g.toRemove),
			"added", len(g.toAdd),
			"partitions", n,
		)

		m.mu.Lock()
		for tp := range g.toAdd {
			m.owner[tp] = id
		}
		for _, tp := range g.toRemove {
			delete(m.owner, tp)
		}
		m.mu.Unlock()

		if n == 0 {
			m.shutdownFetcher(id)
		}
	}
	return errs.Err()
}

func (m *FetcherManager) ensureFetcher(ctx context.Context, id BrokerIDAndFetcherID, g *fetcherGroup) (*Fetcher, error) {
	m.mu.Lock()
	if f, ok := m.fetchers[id]; ok {
		m.mu.Unlock()
		return f, nil
	}
	m.mu.Unlock()

	if !g.hasBroker {
		// Removal-only group whose fetcher no longer exists: nothing to do.
		return nil, errUnknownFetcher
	}
	return m.createFetcherThread(ctx, id, g.broker)
}

// createFetcherThread instantiates a new FetcherCore, its bus, and its
// single consumer goroutine, and starts it (§4.5).
func (m *FetcherManager) createFetcherThread(ctx context.Context, id BrokerIDAndFetcherID, broker SourceBroker) (*Fetcher, error) {
	client, err := m.leaderClientFactory(broker)
	if err != nil {
		return nil, err
	}

	f, err := NewFetcher(m.cfg, id, broker, client, m.log, m.reg, m.logger)
	if err != nil {
		return nil, err
	}
	if err := services.StartAndAwaitRunning(ctx, f.Service()); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.fetchers[id] = f
	m.mu.Unlock()
	return f, nil
}

func (m *FetcherManager) shutdownFetcher(id BrokerIDAndFetcherID) {
	m.mu.Lock()
	f, ok := m.fetchers[id]
	if ok {
		delete(m.fetchers, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := services.StopAndAwaitTerminated(context.Background(), f.Service()); err != nil {
		level.Warn(m.logger).Log("msg", "error stopping idle fetcher", "source_broker_id", id.SourceBrokerID, "fetcher_id", id.FetcherID, "err", err)
	}
}

// FetcherCount returns the number of fetchers currently running.
func (m *FetcherManager) FetcherCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fetchers)
}

// Stats returns a snapshot of the named fetcher's counters, or false if no
// such fetcher is running.
func (m *FetcherManager) Stats(id BrokerIDAndFetcherID) (FetcherStats, bool) {
	m.mu.Lock()
	f, ok := m.fetchers[id]
	m.mu.Unlock()
	if !ok {
		return FetcherStats{}, false
	}
	return f.Stats(), true
}
