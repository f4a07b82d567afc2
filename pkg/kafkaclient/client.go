// SPDX-License-Identifier: AGPL-3.0-only

package kafkaclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/grafana/replica-fetcher/pkg/fetcher"
)

// transientRetryBackoff bounds how long a single RPC will retry a
// connection-level failure before surfacing it to FetcherCore, which applies
// its own per-tick backoff (§4.3) on top. Unlike the teacher's
// concurrentFetchers.run, which retries a fetchWant forever in its own
// goroutine, this client is called synchronously from the single-threaded
// event loop, so retries here must stay bounded.
func transientRetryBackoff(ctx context.Context) *backoff.Backoff {
	return backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 500 * time.Millisecond,
		MaxRetries: 3,
	})
}

// kmsgRequest is satisfied by every generated *kmsg.XRequest type's
// RequestWith method when issued directly against a *kgo.Client (as opposed
// to a single broker, which the teacher uses for the broker-pinned
// DescribeVoterEligibility calls this client has no equivalent of).
type kmsgRequest[Resp any] interface {
	RequestWith(ctx context.Context, cl *kgo.Client) (Resp, error)
}

// requestWithRetry issues req, retrying connection-level failures (err !=
// nil) with transientRetryBackoff. Kafka protocol-level error codes embedded
// in a successful response are left to the caller and classifyErrCode.
func requestWithRetry[Resp any](ctx context.Context, cl *kgo.Client, req kmsgRequest[Resp]) (Resp, error) {
	b := transientRetryBackoff(ctx)
	var (
		resp Resp
		err  error
	)
	for b.Ongoing() {
		resp, err = req.RequestWith(ctx, cl)
		if err == nil {
			return resp, nil
		}
		b.Wait()
	}
	return resp, err
}

// Client implements fetcher.LeaderClient over a *kgo.Client pointed at one
// source broker, the concrete collaborator the teacher's concurrentFetchers
// plays for the ingest reader, adapted from a speculative multi-want
// pipeline to the tick-based single-request protocol fetcher.FetcherCore
// drives.
type Client struct {
	client      *kgo.Client
	admin       *kadm.Client
	maxWaitTime time.Duration
	logger      log.Logger

	mu       sync.Mutex
	topicIDs map[string]kadm.TopicID
}

// Config holds the dial-time tunables for a source-broker connection.
type Config struct {
	SeedBrokers []string      `yaml:"seed_brokers"`
	ClientID    string        `yaml:"client_id"`
	MaxWaitTime time.Duration `yaml:"max_wait_time"`
}

// NewClient dials the given source broker. reg should already be scoped to
// this broker (e.g. via prometheus.WrapRegistererWith) so per-broker kprom
// metrics don't collide across fetchers.
func NewClient(cfg Config, reg prometheus.Registerer, logger log.Logger) (*Client, error) {
	tracer := kotel.NewTracer()
	kotelService := kotel.NewKotel(kotel.WithTracer(tracer))
	promMetrics := kprom.NewMetrics("replica_fetcher_kafka_client", kprom.Registerer(reg))

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.SeedBrokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.WithHooks(promMetrics),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.FetchMaxWait(cfg.MaxWaitTime),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}

	return &Client{
		client:      client,
		admin:       kadm.NewClient(client),
		maxWaitTime: cfg.MaxWaitTime,
		logger:      logger,
		topicIDs:    make(map[string]kadm.TopicID),
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.client.Close()
}

func (c *Client) topicID(ctx context.Context, topic string) (kadm.TopicID, error) {
	c.mu.Lock()
	if id, ok := c.topicIDs[topic]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	topics, err := c.admin.ListTopics(ctx, topic)
	if err != nil {
		return kadm.TopicID{}, fmt.Errorf("listing topic %q: %w", topic, err)
	}
	details, ok := topics[topic]
	if !ok {
		return kadm.TopicID{}, fmt.Errorf("topic %q not found", topic)
	}
	if details.Err != nil {
		return kadm.TopicID{}, details.Err
	}

	c.mu.Lock()
	c.topicIDs[topic] = details.ID
	c.mu.Unlock()
	return details.ID, nil
}

// FetchFromLeader implements fetcher.LeaderClient, building a single
// multi-topic kmsg.FetchRequest the way buildFetchRequest does in the
// teacher, except aggregating every requested partition into one request
// instead of one fetchWant per partition.
func (c *Client) FetchFromLeader(ctx context.Context, req fetcher.FetchRequest) (map[fetcher.PartitionID]fetcher.PartitionData, error) {
	byTopic := make(map[string][]fetcher.PartitionID)
	for tp := range req.Partitions {
		byTopic[tp.Topic] = append(byTopic[tp.Topic], tp)
	}

	kreq := kmsg.NewFetchRequest()
	kreq.MinBytes = 1
	kreq.Version = 13
	kreq.MaxWaitMillis = int32(c.maxWaitTime / time.Millisecond)
	kreq.MaxBytes = 50 << 20

	for topic, partitions := range byTopic {
		topicID, err := c.topicID(ctx, topic)
		if err != nil {
			return nil, err
		}

		kreqTopic := kmsg.NewFetchRequestTopic()
		kreqTopic.Topic = topic
		kreqTopic.TopicID = topicID
		for _, tp := range partitions {
			target := req.Partitions[tp]
			kreqPartition := kmsg.NewFetchRequestTopicPartition()
			kreqPartition.Partition = tp.Partition
			kreqPartition.FetchOffset = target.FetchOffset
			kreqPartition.CurrentLeaderEpoch = target.CurrentLeaderEpoch
			kreqPartition.PartitionMaxBytes = kreq.MaxBytes
			kreqTopic.Partitions = append(kreqTopic.Partitions, kreqPartition)
		}
		kreq.Topics = append(kreq.Topics, kreqTopic)
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, "kafkaclient.FetchFromLeader")
	defer span.Finish()

	kresp, err := requestWithRetry(ctx, c.client, &kreq)
	if err != nil {
		return nil, fmt.Errorf("issuing fetch request: %w", err)
	}

	result := make(map[fetcher.PartitionID]fetcher.PartitionData, len(req.Partitions))
	for _, t := range kresp.Topics {
		for _, p := range t.Partitions {
			tp := fetcher.PartitionID{Topic: t.Topic, Partition: p.Partition}
			data := fetcher.PartitionData{HighWatermark: p.HighWatermark}
			if errCode := classifyErrCode(p.ErrorCode); errCode != nil {
				data.Err = errCode
			} else {
				data.Records = p.RecordBatches
			}
			result[tp] = data
		}
	}
	return result, nil
}

// FetchEpochEndOffsets implements fetcher.LeaderClient via
// OffsetForLeaderEpoch (KIP-320), grouped by topic the same way
// buildFetchRequest groups partitions.
func (c *Client) FetchEpochEndOffsets(ctx context.Context, req map[fetcher.PartitionID]fetcher.EpochData) (map[fetcher.PartitionID]fetcher.EpochEndOffset, error) {
	byTopic := make(map[string][]fetcher.PartitionID)
	for tp := range req {
		byTopic[tp.Topic] = append(byTopic[tp.Topic], tp)
	}

	kreq := kmsg.NewOffsetForLeaderEpochRequest()
	kreq.Version = 4
	for topic, partitions := range byTopic {
		kreqTopic := kmsg.NewOffsetForLeaderEpochRequestTopic()
		kreqTopic.Topic = topic
		for _, tp := range partitions {
			ed := req[tp]
			kreqPartition := kmsg.NewOffsetForLeaderEpochRequestTopicPartition()
			kreqPartition.Partition = tp.Partition
			kreqPartition.CurrentLeaderEpoch = ed.RequestedLeaderEpoch
			kreqPartition.LeaderEpoch = ed.ObservedFollowerEpoch
			kreqTopic.Partitions = append(kreqTopic.Partitions, kreqPartition)
		}
		kreq.Topics = append(kreq.Topics, kreqTopic)
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, "kafkaclient.FetchEpochEndOffsets")
	defer span.Finish()

	kresp, err := requestWithRetry(ctx, c.client, &kreq)
	if err != nil {
		return nil, fmt.Errorf("issuing offset-for-leader-epoch request: %w", err)
	}

	result := make(map[fetcher.PartitionID]fetcher.EpochEndOffset, len(req))
	for _, t := range kresp.Topics {
		for _, p := range t.Partitions {
			tp := fetcher.PartitionID{Topic: t.Topic, Partition: p.Partition}
			result[tp] = fetcher.EpochEndOffset{
				LeaderEpoch: p.LeaderEpoch,
				EndOffset:   p.EndOffset,
				Err:         classifyErrCode(p.ErrorCode),
			}
		}
	}
	return result, nil
}

// FetchLatestOffset implements fetcher.LeaderClient via a ListOffsets
// request anchored at the end of the log (-1).
func (c *Client) FetchLatestOffset(ctx context.Context, tp fetcher.PartitionID, currentLeaderEpoch int32) (int64, error) {
	return c.fetchOffset(ctx, tp, currentLeaderEpoch, -1)
}

// FetchEarliestOffset implements fetcher.LeaderClient via a ListOffsets
// request anchored at the start of the log (-2).
func (c *Client) FetchEarliestOffset(ctx context.Context, tp fetcher.PartitionID, currentLeaderEpoch int32) (int64, error) {
	return c.fetchOffset(ctx, tp, currentLeaderEpoch, -2)
}

func (c *Client) fetchOffset(ctx context.Context, tp fetcher.PartitionID, currentLeaderEpoch int32, timestamp int64) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "kafkaclient.fetchOffset")
	span.SetTag("partition", tp.String())
	defer span.Finish()

	kreq := kmsg.NewListOffsetsRequest()
	kreq.Version = 4

	kreqTopic := kmsg.NewListOffsetsRequestTopic()
	kreqTopic.Topic = tp.Topic
	kreqPartition := kmsg.NewListOffsetsRequestTopicPartition()
	kreqPartition.Partition = tp.Partition
	kreqPartition.CurrentLeaderEpoch = currentLeaderEpoch
	kreqPartition.Timestamp = timestamp
	kreqTopic.Partitions = append(kreqTopic.Partitions, kreqPartition)
	kreq.Topics = append(kreq.Topics, kreqTopic)

	kresp, err := requestWithRetry(ctx, c.client, &kreq)
	if err != nil {
		return 0, fmt.Errorf("issuing list-offsets request: %w", err)
	}
	if len(kresp.Topics) != 1 || len(kresp.Topics[0].Partitions) != 1 {
		return 0, fmt.Errorf("unexpected list-offsets response shape for %s", tp)
	}
	p := kresp.Topics[0].Partitions[0]
	if errCode := classifyErrCode(p.ErrorCode); errCode != nil {
		return 0, errCode
	}
	return p.Offset, nil
}

// IsOffsetForLeaderEpochSupported implements fetcher.LeaderClient by probing
// the broker's advertised API versions for OffsetForLeaderEpoch, logging and
// defaulting to unsupported on any discovery failure.
func (c *Client) IsOffsetForLeaderEpochSupported() bool {
	req := kmsg.NewApiVersionsRequest()
	resp, err := req.RequestWith(context.Background(), c.client)
	if err != nil {
		level.Warn(c.logger).Log("msg", "failed to discover API versions; assuming OffsetForLeaderEpoch is unsupported", "err", err)
		return false
	}
	wantKey := kmsg.NewOffsetForLeaderEpochRequest().Key()
	for _, k := range resp.ApiKeys {
		if k.ApiKey == wantKey {
			return true
		}
	}
	return false
}
