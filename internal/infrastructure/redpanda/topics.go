package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Intake pipeline topics.
const (
	// TopicExtractionRaw carries model output, keyed by prescription reference.
	TopicExtractionRaw = "extraction.raw"
	// TopicPrescriptionNormalized carries extraction.normalized events from the outbox.
	TopicPrescriptionNormalized = "prescription.normalized"
	// TopicPrescriptionReviewed carries corrections and review decisions.
	TopicPrescriptionReviewed = "prescription.reviewed"
	// TopicDeadLetter holds records the worker gave up on.
	TopicDeadLetter = "dead.letter"
)

// TopicConfig describes one topic of the intake layout.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Retention         time.Duration
	Compression       string
	// MaxMessageBytes is left to the broker default when zero.
	MaxMessageBytes int
}

// Configs renders the topic-level settings for CreateTopics.
func (t TopicConfig) Configs() map[string]*string {
	set := func(v string) *string { return &v }
	configs := map[string]*string{
		"cleanup.policy": set("delete"),
		"retention.ms":   set(strconv.FormatInt(t.Retention.Milliseconds(), 10)),
	}
	if t.Compression != "" {
		configs["compression.type"] = set(t.Compression)
	}
	if t.MaxMessageBytes > 0 {
		configs["max.message.bytes"] = set(strconv.Itoa(t.MaxMessageBytes))
	}
	return configs
}

const day = 24 * time.Hour

// DefaultTopicConfigs returns the topic layout for extraction intake.
// Replication is 1 for single-node development clusters.
func DefaultTopicConfigs() []TopicConfig {
	return []TopicConfig{
		{Name: TopicExtractionRaw, Partitions: 6, ReplicationFactor: 1, Retention: 3 * day, Compression: "zstd", MaxMessageBytes: 4 << 20},
		{Name: TopicPrescriptionNormalized, Partitions: 6, ReplicationFactor: 1, Retention: 7 * day, Compression: "lz4"},
		{Name: TopicPrescriptionReviewed, Partitions: 3, ReplicationFactor: 1, Retention: 30 * day, Compression: "lz4"},
		{Name: TopicDeadLetter, Partitions: 3, ReplicationFactor: 1, Retention: 14 * day, Compression: "lz4", MaxMessageBytes: 4 << 20},
	}
}

// Admin manages the intake topics and reports consumer lag.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client for brokers.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...), kgo.ClientID("rxintake-admin"))
	if err != nil {
		return nil, fmt.Errorf("create admin client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// Close releases the underlying client.
func (a *Admin) Close() {
	a.client.Close()
}

// EnsureTopics creates the missing intake topics. Existing topics are left
// untouched; a partition count below the layout is logged.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	return a.ensure(ctx, DefaultTopicConfigs())
}

func (a *Admin) ensure(ctx context.Context, layout []TopicConfig) error {
	names := make([]string, len(layout))
	for i, t := range layout {
		names[i] = t.Name
	}
	existing, err := a.client.ListTopics(ctx, names...)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	for _, t := range layout {
		if detail, ok := existing[t.Name]; ok && detail.Err == nil {
			if got := int32(len(detail.Partitions)); got < t.Partitions {
				a.logger.Warn("topic has fewer partitions than configured",
					zap.String("topic", t.Name),
					zap.Int32("partitions", got),
					zap.Int32("want", t.Partitions))
			}
			continue
		}

		resp, err := a.client.CreateTopic(ctx, t.Partitions, t.ReplicationFactor, t.Configs(), t.Name)
		if err == nil {
			err = resp.Err
		}
		switch {
		case errors.Is(err, kerr.TopicAlreadyExists):
			a.logger.Info("topic created concurrently", zap.String("topic", t.Name))
		case err != nil:
			return fmt.Errorf("create topic %s: %w", t.Name, err)
		default:
			a.logger.Info("topic created",
				zap.String("topic", t.Name),
				zap.Int32("partitions", t.Partitions),
				zap.Duration("retention", t.Retention))
		}
	}
	return nil
}

// DeleteTopics deletes topics and reports every topic that could not be
// deleted.
func (a *Admin) DeleteTopics(ctx context.Context, topics ...string) error {
	resp, err := a.client.DeleteTopics(ctx, topics...)
	if err != nil {
		return fmt.Errorf("delete topics: %w", err)
	}
	var errs []error
	for _, r := range resp.Sorted() {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("delete topic %s: %w", r.Topic, r.Err))
			continue
		}
		a.logger.Info("topic deleted", zap.String("topic", r.Topic))
	}
	return errors.Join(errs...)
}

// ListTopics returns the names of non-internal topics, sorted.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	names := make([]string, 0, len(topics))
	for name, t := range topics {
		if t.IsInternal || strings.HasPrefix(name, "_") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// TopicDetails is the partition layout of one topic.
type TopicDetails struct {
	Name       string
	Partitions []PartitionDetails
}

// PartitionDetails is the leadership of one partition.
type PartitionDetails struct {
	ID       int32
	Leader   int32
	Replicas []int32
	ISR      []int32
}

// DescribeTopic returns partitions ordered by ID.
func (a *Admin) DescribeTopic(ctx context.Context, topic string) (*TopicDetails, error) {
	topics, err := a.client.ListTopics(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("describe topic %s: %w", topic, err)
	}
	t, ok := topics[topic]
	if !ok || errors.Is(t.Err, kerr.UnknownTopicOrPartition) {
		return nil, fmt.Errorf("topic %s not found", topic)
	}
	if t.Err != nil {
		return nil, fmt.Errorf("describe topic %s: %w", topic, t.Err)
	}

	details := &TopicDetails{Name: topic}
	for _, p := range t.Partitions.Sorted() {
		details.Partitions = append(details.Partitions, PartitionDetails{
			ID:       p.Partition,
			Leader:   p.Leader,
			Replicas: p.Replicas,
			ISR:      p.ISR,
		})
	}
	return details, nil
}

// GetConsumerGroupLag returns lag per topic and partition for groupID.
func (a *Admin) GetConsumerGroupLag(ctx context.Context, groupID string) (map[string]map[int32]int64, error) {
	lags, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("consumer group lag: %w", err)
	}
	group, ok := lags[groupID]
	if !ok {
		return nil, fmt.Errorf("consumer group %s not found", groupID)
	}
	if err := errors.Join(group.DescribeErr, group.FetchErr); err != nil {
		return nil, fmt.Errorf("consumer group %s: %w", groupID, err)
	}

	result := make(map[string]map[int32]int64, len(group.Lag))
	for topic, partitions := range group.Lag {
		result[topic] = make(map[int32]int64, len(partitions))
		for partition, l := range partitions {
			result[topic][partition] = l.Lag
		}
	}
	return result, nil
}

// HealthCheck pings brokers with a short-lived client.
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer cl.Close()
	if err := cl.Ping(ctx); err != nil {
		return fmt.Errorf("ping brokers: %w", err)
	}
	return nil
}
