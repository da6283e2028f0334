package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"treefuzz/internal/types"

	"gopkg.in/yaml.v3"
)

// Placeholder is replaced by the candidate file path in the target command.
const Placeholder = "@@"

const (
	DefaultOutput               = "treefuzz.out"
	DefaultTimeout              = 500 * time.Millisecond
	DefaultGracePeriod          = 2 * time.Second
	DefaultCaptureLimit         = 64 << 10
	DefaultRetries              = 3
	DefaultMaxConsecutiveErrors = 16
	DefaultStatusInterval       = 30 * time.Second
	DefaultGeneratorTimeout     = 5 * time.Second
	DefaultMinimizerTimeout     = 5 * time.Minute
	DefaultMaxSize              = 1 << 20
)

type CampaignConfig struct {
	Corpus  string   `yaml:"corpus"`
	Output  string   `yaml:"output"`
	Command []string `yaml:"command"` // target argv, may contain Placeholder

	Jobs int    `yaml:"jobs"`
	Seed uint64 `yaml:"seed"`

	Timeout      time.Duration `yaml:"timeout"`       // per execution
	GracePeriod  time.Duration `yaml:"grace_period"`  // SIGTERM -> SIGKILL on shutdown
	CaptureLimit int           `yaml:"capture_limit"` // bytes kept per output stream
	Retries      int           `yaml:"retries"`       // transient spawn failures

	Duration   time.Duration `yaml:"duration"`   // wall-clock budget, 0 = unbounded
	Iterations uint64        `yaml:"iterations"` // total iteration budget, 0 = unbounded

	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	StatusInterval       time.Duration `yaml:"status_interval"`
	Debug                bool          `yaml:"debug"`

	Rules     RulesConfig     `yaml:"rules"`
	Generator GeneratorConfig `yaml:"generator"`
	Minimizer MinimizerConfig `yaml:"minimizer"`
}

type RulesConfig struct {
	Signals        []string `yaml:"signals"`
	ExitCodes      []int    `yaml:"exit_codes"`
	AnyNonzeroExit bool     `yaml:"any_nonzero_exit"`
	TimeoutIsCrash bool     `yaml:"timeout_is_crash"`

	InterestingStderr   string `yaml:"interesting_stderr"`
	InterestingStdout   string `yaml:"interesting_stdout"`
	UninterestingStderr string `yaml:"uninteresting_stderr"`
	UninterestingStdout string `yaml:"uninteresting_stdout"`
}

type GeneratorConfig struct {
	Chaos     int           `yaml:"chaos"`     // percent of chaotic byte mutations
	Deletions int           `yaml:"deletions"` // percent of deletions, the rest are splices
	Mutations int           `yaml:"mutations"` // mutations per candidate
	MaxSize   int           `yaml:"max_size"`
	Command   []string      `yaml:"command"` // external mutator argv, empty = built-in engine
	Timeout   time.Duration `yaml:"timeout"`
}

type MinimizerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Command       []string      `yaml:"command"` // reducer argv with {input} and {output}
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

var DefaultSignals = []string{"SIGSEGV", "SIGABRT", "SIGBUS", "SIGILL", "SIGFPE"}

// DefaultCampaignConfig returns the conservative defaults documented in DESIGN.md.
func DefaultCampaignConfig() *CampaignConfig {
	return &CampaignConfig{
		Output:               DefaultOutput,
		Jobs:                 runtime.GOMAXPROCS(0),
		Timeout:              DefaultTimeout,
		GracePeriod:          DefaultGracePeriod,
		CaptureLimit:         DefaultCaptureLimit,
		Retries:              DefaultRetries,
		MaxConsecutiveErrors: DefaultMaxConsecutiveErrors,
		StatusInterval:       DefaultStatusInterval,
		Rules: RulesConfig{
			Signals: append([]string(nil), DefaultSignals...),
		},
		Generator: GeneratorConfig{
			Chaos:     5,
			Deletions: 5,
			Mutations: 16,
			MaxSize:   DefaultMaxSize,
			Timeout:   DefaultGeneratorTimeout,
		},
		Minimizer: MinimizerConfig{
			Timeout:       DefaultMinimizerTimeout,
			MaxConcurrent: 1,
		},
	}
}

// LoadCampaignFile overlays the YAML file at path onto cfg. Fields missing from the file keep
// their current values.
func LoadCampaignFile(path string, cfg *CampaignConfig) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return types.NewSetupError("read campaign file", err)
	}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return types.NewSetupError("parse campaign file "+path, err)
	}
	return nil
}

// UsesPlaceholder reports whether the candidate is passed to command as a file rather than on
// stdin.
func UsesPlaceholder(command []string) bool {
	for _, arg := range command {
		if strings.Contains(arg, Placeholder) {
			return true
		}
	}
	return false
}

// Validate checks the settings that do not need the filesystem. The controller checks the
// target binary and the corpus.
func (c *CampaignConfig) Validate() error {
	switch {
	case c.Corpus == "":
		return types.NewSetupError("corpus path is required", nil)
	case len(c.Command) == 0 || c.Command[0] == "":
		return types.NewSetupError("target command is required", nil)
	case c.Output == "":
		return types.NewSetupError("output directory is required", nil)
	case c.Jobs < 1:
		return types.NewSetupError(fmt.Sprintf("invalid worker count %d", c.Jobs), nil)
	case c.Timeout <= 0:
		return types.NewSetupError(fmt.Sprintf("invalid timeout %v", c.Timeout), nil)
	case c.GracePeriod < 0:
		return types.NewSetupError(fmt.Sprintf("invalid grace period %v", c.GracePeriod), nil)
	case c.CaptureLimit <= 0:
		return types.NewSetupError(fmt.Sprintf("invalid capture limit %d", c.CaptureLimit), nil)
	case c.Generator.Chaos < 0 || c.Generator.Chaos > 100:
		return types.NewSetupError(fmt.Sprintf("chaos must be a percentage, got %d", c.Generator.Chaos), nil)
	case c.Generator.Deletions < 0 || c.Generator.Deletions > 100:
		return types.NewSetupError(fmt.Sprintf("deletions must be a percentage, got %d", c.Generator.Deletions), nil)
	case c.Generator.Mutations < 1:
		return types.NewSetupError(fmt.Sprintf("invalid mutation count %d", c.Generator.Mutations), nil)
	case c.Generator.MaxSize < 1:
		return types.NewSetupError(fmt.Sprintf("invalid max size %d", c.Generator.MaxSize), nil)
	case c.Generator.Timeout <= 0:
		return types.NewSetupError(fmt.Sprintf("invalid generator timeout %v", c.Generator.Timeout), nil)
	case c.Minimizer.Enabled && c.Minimizer.Timeout <= 0:
		return types.NewSetupError(fmt.Sprintf("invalid minimizer timeout %v", c.Minimizer.Timeout), nil)
	}
	if c.Minimizer.MaxConcurrent < 1 {
		c.Minimizer.MaxConcurrent = 1
	}
	if c.Debug {
		c.Jobs = 1
	}
	if c.MaxConsecutiveErrors < 1 {
		c.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	return nil
}

// WorkerIterations splits the total iteration budget so that worker i always gets the same
// share for a given worker count, and worker 0's share never depends on how many workers run.
// bounded is false when there is no iteration budget.
func (c *CampaignConfig) WorkerIterations(worker int) (limit uint64, bounded bool) {
	if c.Iterations == 0 {
		return 0, false
	}
	jobs := uint64(c.Jobs)
	limit = c.Iterations / jobs
	if uint64(worker) < c.Iterations%jobs {
		limit++
	}
	return limit, true
}
