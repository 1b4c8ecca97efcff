package cmd

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"example.com/backstage/services/stocksync/internal/database"
	"example.com/backstage/services/stocksync/internal/dlq"
	"example.com/backstage/services/stocksync/internal/messaging"
	"example.com/backstage/services/stocksync/internal/metrics"
	"example.com/backstage/services/stocksync/internal/models"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	dlqStatus string
	dlqLimit  int
	dlqOffset int
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and operate the dead letter queue",
	Long: `Operator commands for failed publications: show counts per status,
list entries, force a retry, cancel an entry or purge old ones.`,
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show failed publication counts per status",
	Args:  cobra.NoArgs,
	RunE: withScheduler(func(ctx context.Context, cmd *cobra.Command, s *dlq.Scheduler, args []string) (interface{}, error) {
		return s.Stats(ctx)
	}),
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed publications",
	Args:  cobra.NoArgs,
	RunE: withScheduler(func(ctx context.Context, cmd *cobra.Command, s *dlq.Scheduler, args []string) (interface{}, error) {
		status := models.PublicationStatus(strings.ToUpper(dlqStatus))
		if status != "" && !status.Valid() {
			return nil, errors.Errorf("unknown status %q", dlqStatus)
		}
		return s.List(ctx, status, dlqLimit, dlqOffset)
	}),
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <eventId>",
	Short: "Retry a failed publication now, even if its retries are exhausted",
	Args:  cobra.ExactArgs(1),
	RunE: withScheduler(func(ctx context.Context, cmd *cobra.Command, s *dlq.Scheduler, args []string) (interface{}, error) {
		return s.ForceRetry(ctx, args[0])
	}),
}

var dlqCancelCmd = &cobra.Command{
	Use:   "cancel <eventId>",
	Short: "Stop retrying a failed publication",
	Args:  cobra.ExactArgs(1),
	RunE: withScheduler(func(ctx context.Context, cmd *cobra.Command, s *dlq.Scheduler, args []string) (interface{}, error) {
		return s.Cancel(ctx, args[0])
	}),
}

var dlqRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one retry pass over every due entry",
	Args:  cobra.NoArgs,
	RunE: withScheduler(func(ctx context.Context, cmd *cobra.Command, s *dlq.Scheduler, args []string) (interface{}, error) {
		if _, err := s.ReleaseStale(ctx); err != nil {
			return nil, err
		}
		return s.RunOnce(ctx)
	}),
}

var dlqCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete succeeded and failed entries past their retention",
	Args:  cobra.NoArgs,
	RunE: withScheduler(func(ctx context.Context, cmd *cobra.Command, s *dlq.Scheduler, args []string) (interface{}, error) {
		deleted, err := s.Cleanup(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"deleted": deleted}, nil
	}),
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqStatus, "status", "", "filter by status (PENDING, PROCESSING, SUCCEEDED, FAILED, CANCELLED)")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "maximum entries to return")
	dlqListCmd.Flags().IntVar(&dlqOffset, "offset", 0, "entries to skip")

	dlqCmd.AddCommand(dlqStatsCmd, dlqListCmd, dlqRetryCmd, dlqCancelCmd, dlqRunCmd, dlqCleanupCmd)
	rootCmd.AddCommand(dlqCmd)
}

type schedulerAction func(ctx context.Context, cmd *cobra.Command, s *dlq.Scheduler, args []string) (interface{}, error)

// withScheduler opens the configured DLQ store, runs action and prints its result as JSON
func withScheduler(action schedulerAction) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if !cfg.DLQ.Enabled {
			return errors.New("DLQ is disabled")
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		cl := &closer{}
		defer cl.Close()

		var db *database.Database
		if cfg.DLQ.Store == "postgres" {
			var err error
			if db, err = initDatabase(cfg, cl); err != nil {
				return err
			}
		}

		store, err := initDLQStore(cfg, db, cl)
		if err != nil {
			return err
		}

		broker := &lazyBroker{ctx: ctx, cl: cl}
		scheduler := newScheduler(cfg, store, broker, metrics.NewMetrics())

		result, err := action(ctx, cmd, scheduler, args)
		if err != nil {
			return err
		}

		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}
}

// lazyBroker connects on the first Send, so read-only commands never touch the broker
type lazyBroker struct {
	ctx    context.Context
	cl     *closer
	once   sync.Once
	broker messaging.Broker
	err    error
}

func (b *lazyBroker) Send(ctx context.Context, topic, partitionKey string, payload []byte) error {
	b.once.Do(func() {
		b.broker, b.err = initBroker(b.ctx, cfg, b.cl)
	})
	if b.err != nil {
		return b.err
	}
	return b.broker.Send(ctx, topic, partitionKey, payload)
}

// Close is a no-op; the underlying broker is closed with the command's closer
func (b *lazyBroker) Close() error {
	return nil
}
