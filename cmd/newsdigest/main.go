package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"NewsDigest/internal/app"
	"NewsDigest/internal/config"
	"NewsDigest/internal/logging"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "newsdigest",
		Short:         "Mailbox-driven newsletter and repost service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default $NEWS_DIGEST_CONFIG)")

	rootCmd.AddCommand(runCmd(), digestCmd(), nextFireCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll the mailbox and deliver scheduled digests until interrupted",
		RunE:  runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg := config.Load(configPath)
	logger := logging.NewWithFormat(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	if err := application.Run(ctx); err != nil {
		logger.Error("application stopped", "error", err)
		return err
	}
	return nil
}

func digestCmd() *cobra.Command {
	var (
		dryRun  bool
		outPath string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Build and send one digest now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			cfg := config.Load(configPath)
			logger := logging.NewWithFormat(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

			application, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			out, err := application.Digest(ctx, dryRun, outPath)
			if err != nil {
				return err
			}

			status := "sent"
			if !out.Sent {
				status = out.Reason
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d candidates, %d articles, %s\n",
				out.RunID, out.Candidates, len(out.Articles), status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Render without sending or tagging messages")
	cmd.Flags().StringVarP(&outPath, "output", "o", "files/digest_preview.html", "Where --dry-run writes the rendered HTML")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Minute, "Abort the run after this long")
	return cmd
}

func nextFireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next-fire",
		Short: "Print the next scheduled delivery",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load(configPath)
			logger := logging.NewWithFormat(os.Stderr, "warn", cfg.Logging.Format)

			next, ok, err := app.NextFire(cfg, logger)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "idle: schedule inactive or incomplete")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (in %s)\n",
				next.Format(time.RFC3339), time.Until(next).Round(time.Second))
			return nil
		},
	}
}
