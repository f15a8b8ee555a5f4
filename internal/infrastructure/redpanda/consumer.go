package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig configures the extraction.raw consumer.
type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	Topics   []string
	ClientID string

	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	FetchMaxBytes     int32
	// MaxPollRecords bounds how many records are in flight per poll.
	MaxPollRecords int
	// ResetToEarliest starts a new group at the oldest retained record.
	ResetToEarliest bool

	// RetryBackoff is the first delay before a failed record is redelivered
	// to the handler; it doubles up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultConsumerConfig returns defaults for the normalizer worker.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "normalizer-worker",
		Topics:            []string{TopicExtractionRaw},
		ClientID:          "rxintake-normalizer",
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		FetchMaxBytes:     16 << 20,
		MaxPollRecords:    200,
		ResetToEarliest:   true,
		RetryBackoff:      250 * time.Millisecond,
		MaxRetryBackoff:   30 * time.Second,
	}
}

// MessageHandler handles one record. A non-nil error means the record was
// not settled and must be delivered again.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is a record read from the broker.
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Source returns the extraction source header, or "" when the producer did
// not set one.
func (m *ConsumedMessage) Source() string {
	return m.Headers[HeaderSource]
}

func newConsumedMessage(r *kgo.Record) *ConsumedMessage {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &ConsumedMessage{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

// Consumer reads extraction records in a consumer group. Partitions of one
// poll are handled concurrently, records within a partition in offset order.
// Offsets are committed only after the handler settled every record of the
// poll, so delivery is at least once.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool

	messagesRead atomic.Int64
	bytesRead    atomic.Int64
	errorCount   atomic.Int64
	redelivered  atomic.Int64
	lastCommit   atomic.Int64
}

// NewConsumer joins cfg.GroupID. Consumption begins with Start.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 200
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = cfg.RetryBackoff
	}

	reset := kgo.NewOffset().AtEnd()
	if cfg.ResetToEarliest {
		reset = kgo.NewOffset().AtStart()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}
	if cfg.HeartbeatInterval > 0 {
		opts = append(opts, kgo.HeartbeatInterval(cfg.HeartbeatInterval))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create consumer client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger.With(zap.String("group", cfg.GroupID)),
		tracer:  otel.Tracer("rxintake/redpanda"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}, nil
}

// Start runs the poll loop in the background.
func (c *Consumer) Start() {
	if c.started.CompareAndSwap(false, true) {
		go c.run()
	}
}

// Stop cancels polling, waits for in-flight records, commits what was
// settled and leaves the group.
func (c *Consumer) Stop() error {
	c.cancel()
	if c.started.Load() {
		<-c.done
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.client.CommitMarkedOffsets(ctx)
	if err != nil {
		c.logger.Warn("final commit failed", zap.Error(err))
	}
	c.client.Close()
	return err
}

func (c *Consumer) run() {
	defer close(c.done)

	for c.ctx.Err() == nil {
		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.errorCount.Add(1)
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		var wg sync.WaitGroup
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.drainPartition(p.Records)
			}()
		})
		wg.Wait()

		c.commit()
		c.client.AllowRebalance()
	}
}

// drainPartition settles records in order. A record that fails is retried
// with backoff until the handler accepts it or the consumer stops; later
// records of the partition wait behind it.
func (c *Consumer) drainPartition(records []*kgo.Record) {
	for _, r := range records {
		if !c.settle(r) {
			return
		}
		c.client.MarkCommitRecords(r)
	}
}

func (c *Consumer) settle(r *kgo.Record) bool {
	backoff := c.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := c.handle(r, attempt)
		if err == nil {
			c.messagesRead.Add(1)
			c.bytesRead.Add(int64(len(r.Value)))
			return true
		}
		c.errorCount.Add(1)
		c.logger.Warn("record not settled, redelivering",
			zap.String("topic", r.Topic),
			zap.Int32("partition", r.Partition),
			zap.Int64("offset", r.Offset),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(backoff):
		}
		c.redelivered.Add(1)
		backoff = min(backoff*2, c.config.MaxRetryBackoff)
	}
}

func (c *Consumer) handle(r *kgo.Record, attempt int) error {
	ctx, span := c.tracer.Start(extractTraceContext(c.ctx, r), "consume "+r.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", r.Topic),
			attribute.Int64("messaging.kafka.partition", int64(r.Partition)),
			attribute.Int64("messaging.kafka.offset", r.Offset),
			attribute.String("extraction.source", string(headerValue(r, HeaderSource))),
			attribute.Int("delivery.attempt", attempt+1),
		))
	defer span.End()

	if err := c.handler(ctx, newConsumedMessage(r)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (c *Consumer) commit() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.errorCount.Add(1)
		c.logger.Error("offset commit failed", zap.Error(err))
		return
	}
	c.lastCommit.Store(time.Now().UnixNano())
}

// ConsumerStats is a snapshot of consumer counters.
type ConsumerStats struct {
	MessagesRead   int64     `json:"messages_read"`
	BytesRead      int64     `json:"bytes_read"`
	ErrorCount     int64     `json:"error_count"`
	Redeliveries   int64     `json:"redeliveries"`
	LastCommitTime time.Time `json:"last_commit_time"`
}

// Stats returns current counters.
func (c *Consumer) Stats() ConsumerStats {
	s := ConsumerStats{
		MessagesRead: c.messagesRead.Load(),
		BytesRead:    c.bytesRead.Load(),
		ErrorCount:   c.errorCount.Load(),
		Redeliveries: c.redelivered.Load(),
	}
	if ns := c.lastCommit.Load(); ns > 0 {
		s.LastCommitTime = time.Unix(0, ns)
	}
	return s
}
