package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxintake/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxintake/internal/infrastructure/redpanda"
)

const adminTimeout = 30 * time.Second

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()

			pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.EnsureSchema(ctx, pool); err != nil {
				return err
			}
			logger.Info("schema applied")
			return nil
		},
	}
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	// topics ensure
	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the intake topics if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin, logger *zap.Logger) error {
				if err := admin.EnsureTopics(ctx); err != nil {
					return err
				}
				logger.Info("topics ensured")
				return nil
			})
		},
	})

	// topics list
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics on the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin, _ *zap.Logger) error {
				names, err := admin.ListTopics(ctx)
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	})

	// topics describe
	cmd.AddCommand(&cobra.Command{
		Use:   "describe <topic>",
		Short: "Show partition leaders and replicas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin, _ *zap.Logger) error {
				details, err := admin.DescribeTopic(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s (%d partitions)\n", details.Name, len(details.Partitions))
				for _, p := range details.Partitions {
					fmt.Fprintf(out, "  partition %d leader=%d replicas=%v isr=%v\n", p.ID, p.Leader, p.Replicas, p.ISR)
				}
				return nil
			})
		},
	})

	// topics lag
	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag per partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin, _ *zap.Logger) error {
				lag, err := admin.GetConsumerGroupLag(ctx, group)
				if err != nil {
					return err
				}
				printLag(cmd.OutOrStdout(), lag)
				return nil
			})
		},
	}
	lagCmd.Flags().String("group", "normalizer-worker", "consumer group")
	cmd.AddCommand(lagCmd)

	// topics delete
	deleteCmd := &cobra.Command{
		Use:   "delete <topic>...",
		Short: "Delete topics",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return fmt.Errorf("refusing to delete %v without --yes", args)
			}
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin, _ *zap.Logger) error {
				return admin.DeleteTopics(ctx, args...)
			})
		},
	}
	deleteCmd.Flags().Bool("yes", false, "confirm deletion")
	cmd.AddCommand(deleteCmd)

	return cmd
}

func printLag(w io.Writer, lag map[string]map[int32]int64) {
	topics := make([]string, 0, len(lag))
	for topic := range lag {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		partitions := make([]int32, 0, len(lag[topic]))
		var total int64
		for p, n := range lag[topic] {
			partitions = append(partitions, p)
			total += n
		}
		sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

		fmt.Fprintf(w, "%s total=%d\n", topic, total)
		for _, p := range partitions {
			fmt.Fprintf(w, "  partition %d lag=%d\n", p, lag[topic][p])
		}
	}
}

func withAdmin(cmd *cobra.Command, fn func(context.Context, *redpanda.Admin, *zap.Logger) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	admin, err := redpanda.NewAdmin(cfg.Brokers(), logger)
	if err != nil {
		return err
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
	defer cancel()
	return fn(ctx, admin, logger)
}
