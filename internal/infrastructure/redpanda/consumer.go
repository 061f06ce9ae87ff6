package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drfirst/go-obsfhir/pkg/workerpool"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeout is the group session timeout
	SessionTimeout time.Duration
	// HeartbeatInterval is the group heartbeat interval
	HeartbeatInterval time.Duration
	// MaxPollRecords is the maximum records per poll
	MaxPollRecords int
	// FetchMaxBytes is the maximum fetch size
	FetchMaxBytes int32
	// StartOffset is the initial offset (earliest or latest)
	StartOffset string
	// Pool configures the workers that run the handler for each polled batch
	Pool workerpool.Config
}

// DefaultConsumerConfig returns defaults for submission processing
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "obsfhir-relay",
		Topics:            []string{TopicFormSubmissions},
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		MaxPollRecords:    200,
		FetchMaxBytes:     50 * 1024 * 1024,
		StartOffset:       "earliest",
		Pool:              workerpool.DefaultConfig(),
	}
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// offsetStore is the part of *kgo.Client that records progress.
type offsetStore interface {
	MarkCommitRecords(rs ...*kgo.Record)
	CommitMarkedOffsets(ctx context.Context) error
	SetOffsets(setOffsets map[string]map[int32]kgo.EpochOffset)
}

// Consumer polls record batches, fans them out to a worker pool and commits
// each partition up to its first failed record. A partition with a failure is
// rewound so the failed record is fetched again by the next poll.
type Consumer struct {
	client  *kgo.Client
	offsets offsetStore
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler
	pool    *workerpool.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.RWMutex
	messagesRead   int64
	bytesRead      int64
	errorCount     int64
	lastCommitTime time.Time
}

// NewConsumer creates a new Redpanda consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(5*time.Second),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, client *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := client.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}

	switch cfg.StartOffset {
	case "earliest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	c := &Consumer{
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
	}

	pool, err := workerpool.New(cfg.Pool, c.work, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	c.client = client
	c.offsets = client
	c.pool = pool
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.pool.Start()
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	if err := c.pool.Stop(); err != nil {
		c.logger.Warn("worker pool stop", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}

	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.incrementErrorCount()
		})

		if records := fetches.Records(); len(records) > 0 {
			c.processBatch(records)
		}
		c.client.AllowRebalance()
	}
}

func (c *Consumer) processBatch(records []*kgo.Record) {
	tasks := make([]*workerpool.Task, len(records))
	for i, record := range records {
		tasks[i] = &workerpool.Task{
			ID:      fmt.Sprintf("%s/%d/%d", record.Topic, record.Partition, record.Offset),
			Payload: record,
			Context: c.ctx,
		}
	}

	results := c.pool.Run(c.ctx, tasks)
	ok := make([]bool, len(results))
	for i, r := range results {
		ok[i] = r.Success
		if !r.Success {
			c.logger.Error("message handler failed",
				zap.String("task", r.TaskID),
				zap.Int("attempts", r.Attempts),
				zap.Error(r.Error))
			c.incrementErrorCount()
		}
	}

	if commit := committable(records, ok); len(commit) > 0 {
		c.offsets.MarkCommitRecords(commit...)
		if err := c.CommitOffsets(c.ctx); err != nil {
			c.logger.Error("failed to commit offsets", zap.Error(err))
		}
	}

	if rewind := rewindOffsets(records, ok); len(rewind) > 0 {
		c.logger.Warn("rewinding partitions to failed records", zap.Any("offsets", rewind))
		c.offsets.SetOffsets(rewind)
	}
}

// work adapts a polled record to the message handler.
func (c *Consumer) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	record := task.Payload.(*kgo.Record)

	ctx = otel.GetTextMapPropagator().Extract(ctx, recordCarrier{record})
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	if err := c.handler(ctx, toConsumedMessage(record)); err != nil {
		span.RecordError(err)
		return &workerpool.Result{TaskID: task.ID, Error: err}
	}

	c.incrementMetrics(len(record.Value))
	return &workerpool.Result{TaskID: task.ID, Success: true}
}

func toConsumedMessage(record *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

type topicPartition struct {
	topic     string
	partition int32
}

// committable returns, per partition, the records before the first failure.
// Failed records and everything after them stay uncommitted.
func committable(records []*kgo.Record, ok []bool) []*kgo.Record {
	blocked := make(map[topicPartition]bool)
	var out []*kgo.Record
	for i, r := range records {
		key := topicPartition{r.Topic, r.Partition}
		if blocked[key] {
			continue
		}
		if !ok[i] {
			blocked[key] = true
			continue
		}
		out = append(out, r)
	}
	return out
}

// rewindOffsets returns the position of the first failed record of each
// partition, for the next poll to start from.
func rewindOffsets(records []*kgo.Record, ok []bool) map[string]map[int32]kgo.EpochOffset {
	var out map[string]map[int32]kgo.EpochOffset
	for i, r := range records {
		if ok[i] {
			continue
		}
		if _, seen := out[r.Topic][r.Partition]; seen {
			continue
		}
		if out == nil {
			out = make(map[string]map[int32]kgo.EpochOffset)
		}
		if out[r.Topic] == nil {
			out[r.Topic] = make(map[int32]kgo.EpochOffset)
		}
		out[r.Topic][r.Partition] = kgo.EpochOffset{Epoch: r.LeaderEpoch, Offset: r.Offset}
	}
	return out
}

// CommitOffsets commits marked offsets
func (c *Consumer) CommitOffsets(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "commit_offsets")
	defer span.End()

	if err := c.offsets.CommitMarkedOffsets(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit offsets: %w", err)
	}

	c.mu.Lock()
	c.lastCommitTime = time.Now()
	c.mu.Unlock()
	return nil
}

// Healthy reports whether the worker queue has headroom.
func (c *Consumer) Healthy() bool {
	return c.pool.IsHealthy()
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead   int64
	BytesRead      int64
	ErrorCount     int64
	LastCommitTime time.Time
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConsumerStats{
		MessagesRead:   c.messagesRead,
		BytesRead:      c.bytesRead,
		ErrorCount:     c.errorCount,
		LastCommitTime: c.lastCommitTime,
	}
}

func (c *Consumer) incrementMetrics(bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messagesRead++
	c.bytesRead += int64(bytes)
}

func (c *Consumer) incrementErrorCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
}
