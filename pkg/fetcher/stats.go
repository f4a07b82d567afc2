// SPDX-License-Identifier: AGPL-3.0-only

package fetcher

// FetcherStats is a point-in-time snapshot of a fetcher's counters (§3.1),
// safe to read from any goroutine: the rate counters are lock-free atomics
// updated alongside their Prometheus counterparts, and the phase counts are
// a cache refreshed by the event loop at the end of every tick. It carries
// no synchronization of its own and is not guaranteed internally consistent
// across fields (e.g. Truncating+Fetching may not sum to the Failed-exclusive
// partition count observed a moment later).
type FetcherStats struct {
	RequestsTotal        int64
	RequestFailuresTotal int64
	BytesTotal           int64

	Truncating int
	Fetching   int
	Delayed    int
	Failed     int
}

// Stats returns a snapshot of this fetcher's counters.
func (f *Fetcher) Stats() FetcherStats {
	return FetcherStats{
		RequestsTotal:        f.core.metrics.requestsCount.Load(),
		RequestFailuresTotal: f.core.metrics.requestFailuresCount.Load(),
		BytesTotal:           f.core.metrics.bytesCount.Load(),
		Truncating:           int(f.core.truncatingCount.Load()),
		Fetching:             int(f.core.fetchingCount.Load()),
		Delayed:              int(f.core.delayedCount.Load()),
		Failed:               f.core.failed.size(),
	}
}
