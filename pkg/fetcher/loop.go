// SPDX-License-Identifier: AGPL-3.0-only

package fetcher

import (
	"context"
	"errors"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
)

// eventLoop is the single consumer that drains a fetcher's bus and
// dispatches events to its core (§4.4). No other goroutine invokes
// core.process; this is the sole point from which it is called, which is
// what makes the core's single-threaded-cooperative model (§5) hold.
//
// Lifecycle is modeled as a dskit services.Service, matching the teacher's
// convention for long-running components (grafana/tempo's PartitionReader).
type eventLoop struct {
	services.Service

	core   *FetcherCore
	bus    *eventBus
	logger log.Logger
}

func newEventLoop(core *FetcherCore, bus *eventBus, logger log.Logger) *eventLoop {
	l := &eventLoop{core: core, bus: bus, logger: logger}
	l.Service = services.NewBasicService(nil, l.running, l.stopping)
	return l
}

func (l *eventLoop) running(ctx context.Context) error {
	// Arm the self-rescheduling TruncateAndFetch tick that the core relies
	// on always having exactly one instance of in flight (P1).
	l.bus.put(truncateAndFetchEvent())

	for {
		ev, err := l.bus.take(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, errBusClosed) {
				return nil
			}
			return err
		}
		l.core.process(ctx, ev)
	}
}

func (l *eventLoop) stopping(failureCase error) error {
	l.bus.close()
	if failureCase != nil {
		level.Warn(l.logger).Log("msg", "fetcher event loop stopped with error", "err", failureCase)
	}
	return nil
}
