package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yoockh/coachloop/config"
	"github.com/yoockh/coachloop/internal/bootstrap"
	"github.com/yoockh/coachloop/internal/logger"
	pgrepo "github.com/yoockh/coachloop/internal/repositories/postgres"
)

var jsonOutput bool

func main() {
	rootCmd := &cobra.Command{
		Use:          "coachctl",
		Short:        "Operate the coaching session pipeline",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.New()
			if _, err := config.Load(); err != nil {
				return err
			}
			if err := config.InitPostgres(); err != nil {
				return err
			}
			if err := pgrepo.Migrate(config.PostgresDB); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				summary, err := app.Reconciler.Sweep(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(summary)
				}
				fmt.Printf("run %s: %d candidates, outcomes %v (%dms)\n", summary.RunID, summary.Candidates, summary.Outcomes, summary.DurationMS)
				if summary.Skipped {
					fmt.Println("another sweep holds the lock; nothing done")
				}
				return nil
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "dispatch",
		Short: "Run the queue dispatcher until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				if err := app.Dispatcher().Start(ctx); err != nil {
					return err
				}
				app.Log.Info("dispatcher running")
				<-ctx.Done()
				return nil
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "enqueue <session-id>",
		Short: "Reset a session's retries and enqueue a fresh analysis job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				jobID, err := app.Ingest.Requeue(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]string{"sessionId": args[0], "jobId": jobID})
				}
				fmt.Printf("enqueued %s as job %s\n", args[0], jobID)
				return nil
			})
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func withApp(ctx context.Context, fn func(context.Context, *bootstrap.App) error) error {
	log := logger.New()
	if jsonOutput {
		log.SetLevel(logrus.WarnLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := bootstrap.InitBackends(cfg, log); err != nil {
		return err
	}
	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
