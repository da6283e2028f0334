package main

import (
	"strings"

	"treefuzz/config"

	"github.com/spf13/cobra"
)

// override copies the value of one flag from the flag-bound config into the effective one.
type override func(dst, src *config.CampaignConfig)

// campaignFlags binds every campaign flag to a scratch config. Only flags set on the command
// line are copied, so a YAML campaign file keeps the values the user did not override.
type campaignFlags struct {
	cfg       config.CampaignConfig
	overrides map[string]override

	mutator string
	reducer string
}

func newCampaignFlags() *campaignFlags {
	return &campaignFlags{
		cfg:       *config.DefaultCampaignConfig(),
		overrides: make(map[string]override),
	}
}

func (f *campaignFlags) on(name string, fn override) {
	f.overrides[name] = fn
}

func (f *campaignFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	c := &f.cfg

	flags.StringVarP(&c.Output, "output", "o", c.Output, "directory for crash artifacts")
	f.on("output", func(dst, src *config.CampaignConfig) { dst.Output = src.Output })
	flags.Uint64Var(&c.Seed, "seed", 0, "RNG seed (random when unset)")
	f.on("seed", func(dst, src *config.CampaignConfig) { dst.Seed = src.Seed })
	flags.IntVarP(&c.Jobs, "jobs", "j", c.Jobs, "number of workers")
	f.on("jobs", func(dst, src *config.CampaignConfig) { dst.Jobs = src.Jobs })
	flags.BoolVarP(&c.Debug, "debug", "d", false, "single worker, log target output")
	f.on("debug", func(dst, src *config.CampaignConfig) { dst.Debug = src.Debug })

	addExecFlags(cmd, c)
	for _, name := range []string{"timeout", "grace", "capture-limit", "retries"} {
		f.on(name, execOverrides[name])
	}

	flags.DurationVar(&c.Duration, "duration", 0, "stop after this long (0 = no limit)")
	f.on("duration", func(dst, src *config.CampaignConfig) { dst.Duration = src.Duration })
	flags.Uint64Var(&c.Iterations, "iterations", 0, "stop after this many iterations (0 = no limit)")
	f.on("iterations", func(dst, src *config.CampaignConfig) { dst.Iterations = src.Iterations })
	flags.IntVar(&c.MaxConsecutiveErrors, "max-consecutive-errors", c.MaxConsecutiveErrors, "stop a worker after this many execution errors in a row")
	f.on("max-consecutive-errors", func(dst, src *config.CampaignConfig) { dst.MaxConsecutiveErrors = src.MaxConsecutiveErrors })
	flags.DurationVar(&c.StatusInterval, "status-interval", c.StatusInterval, "interval between progress reports")
	f.on("status-interval", func(dst, src *config.CampaignConfig) { dst.StatusInterval = src.StatusInterval })

	addRuleFlags(cmd, &c.Rules)
	for name, fn := range ruleOverrides {
		f.on(name, fn)
	}

	g := &c.Generator
	flags.IntVar(&g.Chaos, "chaos", g.Chaos, "percentage of chaotic byte mutations")
	f.on("chaos", func(dst, src *config.CampaignConfig) { dst.Generator.Chaos = src.Generator.Chaos })
	flags.IntVar(&g.Deletions, "deletions", g.Deletions, "percentage of deletions")
	f.on("deletions", func(dst, src *config.CampaignConfig) { dst.Generator.Deletions = src.Generator.Deletions })
	flags.IntVar(&g.Mutations, "mutations", g.Mutations, "mutations per candidate")
	f.on("mutations", func(dst, src *config.CampaignConfig) { dst.Generator.Mutations = src.Generator.Mutations })
	flags.IntVar(&g.MaxSize, "max-size", g.MaxSize, "maximum candidate size in bytes")
	f.on("max-size", func(dst, src *config.CampaignConfig) { dst.Generator.MaxSize = src.Generator.MaxSize })
	flags.DurationVar(&g.Timeout, "generator-timeout", g.Timeout, "time limit for producing one candidate")
	f.on("generator-timeout", func(dst, src *config.CampaignConfig) { dst.Generator.Timeout = src.Generator.Timeout })
	flags.StringVar(&f.mutator, "mutator", "", "external mutator command, gets a seed on stdin and prints a candidate ({seed} is replaced by a random number)")
	f.on("mutator", func(dst, src *config.CampaignConfig) { dst.Generator.Command = strings.Fields(f.mutator) })

	m := &c.Minimizer
	flags.BoolVar(&m.Enabled, "minimize", false, "minimize new crashes in the background")
	f.on("minimize", func(dst, src *config.CampaignConfig) { dst.Minimizer.Enabled = src.Minimizer.Enabled })
	flags.StringVar(&f.reducer, "reducer", "", "reducer command with {input} and {output} placeholders")
	f.on("reducer", func(dst, src *config.CampaignConfig) { dst.Minimizer.Command = strings.Fields(f.reducer) })
	flags.DurationVar(&m.Timeout, "minimize-timeout", m.Timeout, "time limit for minimizing one crash")
	f.on("minimize-timeout", func(dst, src *config.CampaignConfig) { dst.Minimizer.Timeout = src.Minimizer.Timeout })
	flags.IntVar(&m.MaxConcurrent, "minimize-jobs", m.MaxConcurrent, "concurrent minimizations")
	f.on("minimize-jobs", func(dst, src *config.CampaignConfig) { dst.Minimizer.MaxConcurrent = src.Minimizer.MaxConcurrent })
}

// apply copies the flags that were set into cfg.
func (f *campaignFlags) apply(cmd *cobra.Command, cfg *config.CampaignConfig) {
	for name, fn := range f.overrides {
		if cmd.Flags().Changed(name) {
			fn(cfg, &f.cfg)
		}
	}
}

var execOverrides = map[string]override{
	"timeout":       func(dst, src *config.CampaignConfig) { dst.Timeout = src.Timeout },
	"grace":         func(dst, src *config.CampaignConfig) { dst.GracePeriod = src.GracePeriod },
	"capture-limit": func(dst, src *config.CampaignConfig) { dst.CaptureLimit = src.CaptureLimit },
	"retries":       func(dst, src *config.CampaignConfig) { dst.Retries = src.Retries },
}

// addExecFlags registers the flags that control a single execution of the target.
func addExecFlags(cmd *cobra.Command, c *config.CampaignConfig) {
	flags := cmd.Flags()
	flags.DurationVar(&c.Timeout, "timeout", config.DefaultTimeout, "time limit per execution")
	flags.DurationVar(&c.GracePeriod, "grace", config.DefaultGracePeriod, "time between SIGTERM and SIGKILL on shutdown")
	flags.IntVar(&c.CaptureLimit, "capture-limit", config.DefaultCaptureLimit, "bytes of stdout and stderr kept per execution")
	flags.IntVar(&c.Retries, "retries", config.DefaultRetries, "retries of transient spawn failures")
}

var ruleOverrides = map[string]override{
	"signals":               func(dst, src *config.CampaignConfig) { dst.Rules.Signals = src.Rules.Signals },
	"interesting-exit-code": func(dst, src *config.CampaignConfig) { dst.Rules.ExitCodes = src.Rules.ExitCodes },
	"any-nonzero-exit":      func(dst, src *config.CampaignConfig) { dst.Rules.AnyNonzeroExit = src.Rules.AnyNonzeroExit },
	"timeout-is-crash":      func(dst, src *config.CampaignConfig) { dst.Rules.TimeoutIsCrash = src.Rules.TimeoutIsCrash },
	"interesting-stderr":    func(dst, src *config.CampaignConfig) { dst.Rules.InterestingStderr = src.Rules.InterestingStderr },
	"interesting-stdout":    func(dst, src *config.CampaignConfig) { dst.Rules.InterestingStdout = src.Rules.InterestingStdout },
	"uninteresting-stderr":  func(dst, src *config.CampaignConfig) { dst.Rules.UninterestingStderr = src.Rules.UninterestingStderr },
	"uninteresting-stdout":  func(dst, src *config.CampaignConfig) { dst.Rules.UninterestingStdout = src.Rules.UninterestingStdout },
}

// addRuleFlags registers the classification flags shared by the campaign and check commands.
func addRuleFlags(cmd *cobra.Command, r *config.RulesConfig) {
	flags := cmd.Flags()
	flags.StringSliceVar(&r.Signals, "signals", config.DefaultSignals, "signals that count as a crash (empty to disable)")
	flags.IntSliceVar(&r.ExitCodes, "interesting-exit-code", nil, "exit code that counts as a crash (repeatable)")
	flags.BoolVar(&r.AnyNonzeroExit, "any-nonzero-exit", false, "any nonzero exit code counts as a crash")
	flags.BoolVar(&r.TimeoutIsCrash, "timeout-is-crash", false, "timeouts count as crashes")
	flags.StringVar(&r.InterestingStderr, "interesting-stderr", "", "regex on stderr that marks a crash")
	flags.StringVar(&r.InterestingStdout, "interesting-stdout", "", "regex on stdout that marks a crash")
	flags.StringVar(&r.UninterestingStderr, "uninteresting-stderr", "", "regex on stderr that vetoes --interesting-stderr")
	flags.StringVar(&r.UninterestingStdout, "uninteresting-stdout", "", "regex on stdout that vetoes --interesting-stdout")
}

// splitArgs separates the positional arguments before "--" from the target command after it.
func splitArgs(cmd *cobra.Command, args []string) (before, target []string) {
	dash := cmd.ArgsLenAtDash()
	if dash < 0 {
		return args, nil
	}
	return args[:dash], args[dash:]
}

