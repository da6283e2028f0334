package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"text/tabwriter"
	"time"

	"treefuzz/config"
	"treefuzz/internal/campaign"
	"treefuzz/internal/types"
	"treefuzz/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

type fuzzOptions struct {
	flags      *campaignFlags
	configFile string
	verbosity  int
}

func newFuzzCmd() *cobra.Command {
	return (&fuzzOptions{flags: newCampaignFlags()}).command()
}

func (o *fuzzOptions) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "treefuzz [flags] <corpus-dir|corpus.tar.gz> -- <target> [args... @@ ...]",
		Short: "Grammar-based black-box fuzzer",
		Long: `treefuzz mutates a corpus of inputs, runs the target on every candidate and keeps one
input per unique crash in the output directory. "@@" in the target command is replaced by the
path of the candidate, otherwise the candidate is written to the target's stdin.`,
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.campaignConfig(cmd, args)
			if err != nil {
				return err
			}
			appConfig := config.LoadConfig()
			if cmd.Flags().Changed("verbose") || appConfig.LogLevel == "" {
				appConfig.LogLevel = logger.VerbosityLevel(max(o.verbosity, 1))
			}

			summary, err := runCampaign(cmd.Context(), appConfig, cfg)
			if summary != nil {
				printSummary(cmd.OutOrStdout(), cfg, summary)
			}
			return err
		},
	}
	o.flags.register(cmd)
	cmd.Flags().StringVar(&o.configFile, "config", "", "YAML campaign file, flags override its values")
	cmd.Flags().CountVarP(&o.verbosity, "verbose", "v", "more logging (-v info, -vv debug)")
	return cmd
}

// campaignConfig layers defaults, the campaign file, the flags that were set and the
// positional arguments, in that order.
func (o *fuzzOptions) campaignConfig(cmd *cobra.Command, args []string) (*config.CampaignConfig, error) {
	before, target := splitArgs(cmd, args)
	if len(before) > 1 {
		return nil, fmt.Errorf("expected one corpus, got %d arguments before --", len(before))
	}

	cfg := config.DefaultCampaignConfig()
	if o.configFile != "" {
		if err := config.LoadCampaignFile(o.configFile, cfg); err != nil {
			return nil, err
		}
	}
	o.flags.apply(cmd, cfg)
	if len(before) == 1 {
		cfg.Corpus = before[0]
	}
	if len(target) > 0 {
		cfg.Command = target
	}
	if !cmd.Flags().Changed("seed") && cfg.Seed == 0 {
		cfg.Seed = rand.Uint64()
	}
	return cfg, nil
}

func runCampaign(ctx context.Context, appConfig *config.AppConfig, cfg *config.CampaignConfig) (*types.Summary, error) {
	var ctrl *campaign.Controller
	app := fx.New(appOptions(appConfig, cfg), fx.Populate(&ctrl))
	if err := app.Err(); err != nil {
		return nil, err
	}

	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return nil, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	ctrl.HandleSignals(runCtx)
	return ctrl.Run(runCtx)
}

func printSummary(w io.Writer, cfg *config.CampaignConfig, s *types.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "campaign\t%s\n", s.CampaignId)
	fmt.Fprintf(tw, "seed\t%d\n", cfg.Seed)
	fmt.Fprintf(tw, "executions\t%d (%.1f/s)\n", s.Executions, s.ExecsPerSecond())
	fmt.Fprintf(tw, "interesting\t%d\n", s.Interesting)
	fmt.Fprintf(tw, "unique crashes\t%d\n", s.Unique)
	if s.Skipped > 0 {
		fmt.Fprintf(tw, "skipped\t%d (%d execution errors, %d generator errors)\n", s.Skipped, s.ExecErrors, s.GeneratorErrors)
	}
	if cfg.Minimizer.Enabled {
		fmt.Fprintf(tw, "minimized\t%d\n", s.Minimized)
		if s.MinimizeDeferred > 0 {
			fmt.Fprintf(tw, "handed off\t%d\n", s.MinimizeDeferred)
		}
		if s.MinimizeDropped > 0 {
			fmt.Fprintf(tw, "not minimized\t%d (campaign ended first)\n", s.MinimizeDropped)
		}
	}
	fmt.Fprintf(tw, "elapsed\t%s\n", s.Elapsed.Round(time.Millisecond))
	if s.Interrupted {
		fmt.Fprintf(tw, "interrupted\tyes\n")
	}
	tw.Flush()
	for _, path := range s.Artifacts {
		fmt.Fprintln(w, path)
	}
}
