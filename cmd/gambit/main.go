// Command gambit analyzes PGN game collections with a pool of UCI engines
// and writes annotated games plus a run report.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/gambitlab/gambit/internal/config"
	"github.com/gambitlab/gambit/internal/logging"
	"github.com/gambitlab/gambit/internal/metrics"
	"github.com/gambitlab/gambit/internal/orchestrator"
	"github.com/gambitlab/gambit/internal/scheduler"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gambit",
		Short:         "Concurrent chess game analysis over a pool of UCI engines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		configPath  string
		inputPath   string
		outputPath  string
		participant string
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Analyze every game in a PGN file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if inputPath != "" {
				cfg.Input.PGN = inputPath
			}
			if outputPath != "" {
				cfg.Output.Annotated = outputPath
			}
			if participant != "" {
				cfg.Participant = participant
			}

			logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			collector := metrics.NewCollector()
			if addr := cfg.Output.MetricsAddr; addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", collector.Handler())
				srv := &http.Server{Addr: addr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Warnw("metrics server failed", "addr", addr, "error", err)
					}
				}()
				defer srv.Close()
			}

			opts := []orchestrator.Option{orchestrator.WithMetrics(collector)}
			var bar *progressbar.ProgressBar
			if !quiet {
				opts = append(opts, orchestrator.WithProgress(func(done, total int) {
					if bar == nil {
						bar = progressbar.NewOptions(total,
							progressbar.OptionSetDescription("analyzing"),
							progressbar.OptionShowCount(),
							progressbar.OptionSetWriter(os.Stderr),
						)
					}
					_ = bar.Set(done)
				}))
			}

			report := orchestrator.New(cfg, logger, opts...).Run(ctx)
			if bar != nil {
				_ = bar.Finish()
				fmt.Fprintln(os.Stderr)
			}

			printReport(report)
			if report.FailedCount > 0 || len(report.Warnings) > 0 {
				return fmt.Errorf("run finished with %d failed jobs, %d warnings",
					report.FailedCount, len(report.Warnings))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gambit.yaml", "path to the run configuration")
	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "PGN file to analyze (overrides config)")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "annotated output path (overrides config)")
	cmd.Flags().StringVar(&participant, "participant", "", "player name to look for (overrides config)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress the progress bar")
	return cmd
}

func printReport(report *orchestrator.RunReport) {
	bold := color.New(color.Bold)
	bold.Printf("run %s finished in %s\n\n", report.RunID, report.Duration.Round(time.Millisecond))

	table := tablewriter.NewTable(os.Stdout)
	table.Header("Game", "Status", "Attempts", "White", "Black", "Sharp", "Mean Swing")
	for _, r := range report.Results {
		row := []string{r.JobID, statusCell(r.Status), fmt.Sprintf("%d", r.Attempts), "", "", "", ""}
		if r.Summary != nil {
			row[3] = r.Summary.White
			row[4] = r.Summary.Black
			row[5] = fmt.Sprintf("%d", r.Summary.SharpMoves)
			row[6] = fmt.Sprintf("%.0f cp", r.Summary.MeanSwingCP)
		}
		if err := table.Append(row); err != nil {
			break
		}
	}
	if err := table.Render(); err != nil {
		fmt.Fprintf(os.Stderr, "rendering report: %v\n", err)
	}

	fmt.Printf("\nprocessed %d  succeeded %d  failed %d\n",
		report.ProcessedCount, report.SucceededCount, report.FailedCount)
	if report.ParticipantFound {
		color.Green("participant found")
	}
	for _, w := range report.Warnings {
		color.Yellow("warning: %s", w)
	}
}

func statusCell(s scheduler.Status) string {
	switch s {
	case scheduler.StatusSucceeded:
		return color.GreenString(string(s))
	case scheduler.StatusFailed:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}
