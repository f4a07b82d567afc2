// SPDX-License-Identifier: AGPL-3.0-only

package fetcher

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// metrics holds the Prometheus instruments exposed per fetcher (§6), tagged
// with clientId/brokerHost/brokerPort as constant labels.
//
// requestsCount/requestFailuresCount/bytesCount mirror the three Prometheus
// counters above as lock-free atomics, so FetcherStats snapshots (§3.1) can
// be read from any goroutine without touching the fetcher's single-threaded
// core, the way the teacher's fetcher.go tracks in-flight request counters.
type metrics struct {
	requestsTotal          prometheus.Counter
	requestFailuresTotal   prometheus.Counter
	bytesTotal             prometheus.Counter
	partitionsFailed       prometheus.Gauge
	uncleanLeaderElections prometheus.Counter
	lag                    *prometheus.GaugeVec

	requestsCount        atomic.Int64
	requestFailuresCount atomic.Int64
	bytesCount           atomic.Int64
}

func newMetrics(reg prometheus.Registerer, clientID, brokerHost string, brokerPort int) *metrics {
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{
		"client_id":   clientID,
		"broker_host": brokerHost,
		"broker_port": strconv.Itoa(brokerPort),
	}

	return &metrics{
		requestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "replica_fetcher_requests_total",
			Help:        "Total number of fetch requests issued to the source broker.",
			ConstLabels: constLabels,
		}),
		requestFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "replica_fetcher_request_failures_total",
			Help:        "Total number of fetch requests that failed outright (transient RPC errors).",
			ConstLabels: constLabels,
		}),
		bytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "replica_fetcher_bytes_total",
			Help:        "Total number of record bytes appended to the local log.",
			ConstLabels: constLabels,
		}),
		partitionsFailed: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "replica_fetcher_partitions_failed",
			Help:        "Number of partitions currently quarantined in FailedPartitions.",
			ConstLabels: constLabels,
		}),
		uncleanLeaderElections: factory.NewCounter(prometheus.CounterOpts{
			Name:        "replica_fetcher_unclean_leader_elections_total",
			Help:        "Total number of times fetchOffsetAndTruncate observed the leader's end offset behind the local log end offset, accepting divergence without repairing it.",
			ConstLabels: constLabels,
		}),
		lag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "replica_fetcher_lag",
			Help:        "max(0, leader high watermark - follower next offset) per partition.",
			ConstLabels: constLabels,
		}, []string{"topic", "partition"}),
	}
}

func (m *metrics) setLag(tp PartitionID, value int64) {
	m.lag.WithLabelValues(tp.Topic, strconv.Itoa(int(tp.Partition))).Set(float64(value))
}

func (m *metrics) deleteLag(tp PartitionID) {
	m.lag.DeleteLabelValues(tp.Topic, strconv.Itoa(int(tp.Partition)))
}

func (m *metrics) incRequests() {
	m.requestsTotal.Inc()
	m.requestsCount.Inc()
}

func (m *metrics) incRequestFailures() {
	m.requestFailuresTotal.Inc()
	m.requestFailuresCount.Inc()
}

func (m *metrics) addBytes(n int64) {
	m.bytesTotal.Add(float64(n))
	m.bytesCount.Add(n)
}
