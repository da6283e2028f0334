package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"treefuzz/config"
	"treefuzz/internal/classify"
	"treefuzz/internal/executor"
	"treefuzz/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	checkInteresting = 0
	checkBoring      = 1
	checkError       = 2
)

// stdinInput makes check read the input from stdin.
const stdinInput = "-"

func newCheckCmd() *cobra.Command {
	cfg := config.DefaultCampaignConfig()
	var verbosity int

	cmd := &cobra.Command{
		Use:   "check [rule flags] <input-file|-> -- <target> [args... @@ ...]",
		Short: "Run the target once and report whether the input is interesting",
		Long: `check runs the target on one input and classifies the result with the same rules as a
campaign. It exits 0 when the input is interesting, 1 when it is not and 2 on errors, so it can
serve as the interestingness test of a test-case reducer.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			before, target := splitArgs(cmd, args)
			if len(before) != 1 || len(target) == 0 {
				return &exitCode{code: checkError, err: errors.New("usage: treefuzz check [flags] <input> -- <target...>")}
			}
			cfg.Command = target
			lg := logger.Build(logger.ParseLevel(logger.VerbosityLevel(verbosity)))
			defer lg.Sync()

			interesting, err := runCheck(cmd.Context(), cfg, before[0], cmd.InOrStdin(), cmd.OutOrStdout(), lg)
			switch {
			case err != nil:
				fmt.Fprintln(cmd.ErrOrStderr(), "treefuzz check:", err)
				return &exitCode{code: checkError, err: err}
			case !interesting:
				return &exitCode{code: checkBoring}
			}
			return nil
		},
	}
	addExecFlags(cmd, cfg)
	addRuleFlags(cmd, &cfg.Rules)
	cmd.Flags().CountVarP(&verbosity, "verbose", "v", "more logging (-v info, -vv debug)")
	return cmd
}

func runCheck(ctx context.Context, cfg *config.CampaignConfig, input string, stdin io.Reader, out io.Writer, lg *zap.Logger) (bool, error) {
	var data []byte
	var err error
	if input == stdinInput {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(input)
	}
	if err != nil {
		return false, err
	}

	rules, err := classify.FromConfig(cfg.Rules)
	if err != nil {
		return false, err
	}
	exec, err := executor.New(executor.OptionsFrom(cfg, filepath.Ext(input)), lg)
	if err != nil {
		return false, err
	}
	defer exec.Close()

	res, verdict, err := classify.NewCheck(exec, rules).Evaluate(ctx, data)
	if err != nil {
		return false, err
	}
	if verdict.Interesting() {
		fmt.Fprintf(out, "interesting: %s %s (%s)\n", verdict.Evidence.Rule, verdict.Evidence.Detail, res.Status())
		return true, nil
	}
	fmt.Fprintf(out, "boring: %s\n", res.Status())
	return false, nil
}
