package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxintake/internal/infrastructure/redpanda"
)

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit [file|-]",
		Short: "Publish extractor output to " + redpanda.TopicExtractionRaw,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, _ := cmd.Flags().GetString("source")
			key, _ := cmd.Flags().GetString("key")

			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			record, err := submitRecord(data, source, key)
			if err != nil {
				return err
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			producerCfg := redpanda.DefaultProducerConfig()
			producerCfg.Brokers = cfg.Brokers()
			producer, err := redpanda.NewProducer(producerCfg, logger)
			if err != nil {
				return err
			}
			defer producer.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			if err := producer.ProduceBatch(ctx, []*redpanda.Record{record}); err != nil {
				return err
			}
			logger.Info("extraction submitted",
				zap.String("key", record.Key),
				zap.String("source", source))
			return nil
		},
	}
	cmd.Flags().String("source", "cli", "extraction source recorded on the message")
	cmd.Flags().String("key", "", "message key (random when empty)")
	return cmd
}

// submitRecord builds the extraction.raw record. The payload is sent as is;
// the worker reports unreadable payloads as issues.
func submitRecord(data []byte, source, key string) (*redpanda.Record, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if source == "" {
		return nil, fmt.Errorf("--source must not be empty")
	}
	if key == "" {
		key = uuid.NewString()
	}
	return &redpanda.Record{
		Topic:   redpanda.TopicExtractionRaw,
		Key:     key,
		Value:   data,
		Headers: map[string]string{redpanda.HeaderSource: source},
	}, nil
}
