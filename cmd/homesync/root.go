package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/charlesng35/homesync/internal/coordinator"
	"github.com/charlesng35/homesync/internal/credentials"
	"github.com/charlesng35/homesync/pkg/logger"
)

type rootOptions struct {
	configPath string
}

// queueRow is the CLI view of a queued mutation. Headers are omitted so stored
// credentials never reach the terminal.
type queueRow struct {
	ID             uint64    `json:"id"`
	Method         string    `json:"method"`
	URL            string    `json:"url"`
	BodyBytes      int       `json:"body_bytes"`
	IdempotencyKey string    `json:"idempotency_key"`
	QueuedAt       time.Time `json:"queued_at"`
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "homesync",
		Short:         "Offline-first sync agent for the household API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a config file or directory")

	queue := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or clear deferred mutations",
	}
	queue.AddCommand(newQueueListCommand(opts), newQueueClearCommand(opts))

	cache := &cobra.Command{
		Use:   "cache",
		Short: "Manage cached read responses",
	}
	cache.AddCommand(newCacheClearCommand(opts))

	root.AddCommand(
		newServeCommand(opts),
		newDrainCommand(opts),
		newStatusCommand(opts),
		queue,
		cache,
	)
	return root
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync proxy and background coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts.configPath)
		},
	}
}

func newDrainCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Probe connectivity and replay queued mutations once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(cmd.Context(), opts.configPath, func(ctx context.Context, stack *runtimeStack) error {
				stack.Probe(ctx)
				result, err := stack.Coordinator.Drain(ctx)
				if err != nil {
					return fmt.Errorf("drain: %w", err)
				}
				return printDrainResult(cmd.OutOrStdout(), result)
			})
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report connectivity, queue depth and token state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(cmd.Context(), opts.configPath, func(ctx context.Context, stack *runtimeStack) error {
				online := stack.Probe(ctx)
				depth, err := stack.Store.QueueLen(ctx)
				if err != nil {
					return fmt.Errorf("queue depth: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "online:      %t\n", online)
				fmt.Fprintf(out, "degraded:    %t\n", stack.Store.Degraded())
				fmt.Fprintf(out, "queue depth: %d\n", depth)
				fmt.Fprintf(out, "token:       %s\n", describeToken(stack.Tokens.Token(), time.Now()))
				return nil
			})
		},
	}
}

func newQueueListCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deferred mutations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(cmd.Context(), opts.configPath, func(ctx context.Context, stack *runtimeStack) error {
				entries, err := stack.Store.QueueListAll(ctx)
				if err != nil {
					return fmt.Errorf("list queue: %w", err)
				}

				out := cmd.OutOrStdout()
				if asJSON {
					rows := make([]queueRow, 0, len(entries))
					for _, entry := range entries {
						rows = append(rows, queueRow{
							ID:             entry.ID,
							Method:         entry.Method,
							URL:            entry.URL,
							BodyBytes:      len(entry.Body),
							IdempotencyKey: entry.IdempotencyKey,
							QueuedAt:       time.UnixMilli(entry.Timestamp).UTC(),
						})
					}
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(rows)
				}
				if len(entries) == 0 {
					fmt.Fprintln(out, "queue is empty")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tMETHOD\tURL\tBODY\tQUEUED")
				for _, entry := range entries {
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
						entry.ID,
						entry.Method,
						entry.URL,
						len(entry.Body),
						time.UnixMilli(entry.Timestamp).UTC().Format(time.RFC3339),
					)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func newQueueClearCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard every deferred mutation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(cmd.Context(), opts.configPath, func(ctx context.Context, stack *runtimeStack) error {
				removed, err := stack.Store.QueueClear(ctx)
				if err != nil {
					return fmt.Errorf("clear queue: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d queued mutation(s)\n", removed)
				return nil
			})
		},
	}
}

func newCacheClearCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard every cached read response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(cmd.Context(), opts.configPath, func(ctx context.Context, stack *runtimeStack) error {
				removed, err := stack.Store.CacheClear(ctx)
				if err != nil {
					return fmt.Errorf("clear cache: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d cached response(s)\n", removed)
				return nil
			})
		},
	}
}

// withStack bootstraps the runtime for a one-shot command and tears it down afterwards.
func withStack(ctx context.Context, configPath string, fn func(context.Context, *runtimeStack) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	stack, err := prepare(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), stack.Config.Server.ShutdownTimeout)
		defer cancel()
		err = errors.Join(err, stack.Shutdown(shutdownCtx))
		_ = logger.Sync()
	}()

	return fn(ctx, stack)
}

func serve(ctx context.Context, configPath string) error {
	stack, err := prepare(ctx, configPath)
	if err != nil {
		return err
	}
	log := logger.WithModule("server")

	defer func() {
		_ = logger.Sync()
	}()

	cfg := stack.Config
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           stack.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := stack.Start(ctx); err != nil {
		_ = stack.Shutdown(context.Background())
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("sync agent listening",
			zap.String("addr", server.Addr),
			zap.String("upstream", cfg.Upstream.BaseURL),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err, ok := <-serverErr:
		if ok && err != nil {
			runErr = fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
		runErr = errors.Join(runErr, fmt.Errorf("shutdown server: %w", err))
	}
	if err := stack.Shutdown(shutdownCtx); err != nil {
		log.Error("runtime shutdown failed", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}

	log.Info("sync agent stopped")
	return runErr
}

func printDrainResult(out io.Writer, result coordinator.Result) error {
	if result.Skipped {
		_, err := fmt.Fprintf(out, "drain skipped: %s\n", result.Reason)
		return err
	}
	if result.FailedID != 0 {
		_, err := fmt.Fprintf(out, "replayed %d, stopped at %d: %s (%d remaining)\n",
			result.Replayed, result.FailedID, result.Error, result.Remaining)
		return err
	}
	_, err := fmt.Fprintf(out, "replayed %d (%d remaining)\n", result.Replayed, result.Remaining)
	return err
}

func describeToken(token string, now time.Time) string {
	if strings.TrimSpace(token) == "" {
		return "none"
	}

	info, err := credentials.Inspect(token)
	if err != nil {
		return "opaque"
	}

	subject := info.Subject
	if subject == "" {
		subject = "unknown subject"
	}
	switch {
	case info.ExpiresAt.IsZero():
		return subject + ", no expiry"
	case info.Expired(now):
		return fmt.Sprintf("%s, expired %s", subject, info.ExpiresAt.UTC().Format(time.RFC3339))
	default:
		return fmt.Sprintf("%s, expires %s", subject, info.ExpiresAt.UTC().Format(time.RFC3339))
	}
}
