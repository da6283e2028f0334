// Package classify decides whether an execution result is interesting.
package classify

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"treefuzz/config"
	"treefuzz/internal/types"
)

// Kind tags a rule. Rules are evaluated in Kind order and the first match wins, so the same
// result always yields the same evidence.
type Kind int

const (
	KindTimeout Kind = iota
	KindSignal
	KindExitCode
	KindStderr
	KindStdout
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindSignal:
		return "signal"
	case KindExitCode:
		return "exit-code"
	case KindStderr:
		return "stderr"
	case KindStdout:
		return "stdout"
	default:
		return "unknown"
	}
}

const (
	excerptLines = 8
	excerptBytes = 1024
)

// Rule is a single predicate. Only the fields of its Kind are used.
type Rule struct {
	Kind Kind

	Signals map[int]bool // KindSignal

	Codes      map[int]bool // KindExitCode
	AnyNonzero bool         // KindExitCode

	Pattern  *regexp.Regexp // KindStderr, KindStdout
	Suppress *regexp.Regexp // vetoes a Pattern match
}

func (r *Rule) match(res *types.ExecResult) (*types.Evidence, bool) {
	switch r.Kind {
	case KindTimeout:
		if res.Kind == types.ExitTimedOut {
			return r.evidence("timeout", head(res.Stderr)), true
		}
	case KindSignal:
		sig := 0
		switch {
		case res.Kind == types.ExitSignal:
			sig = res.Signal
		case res.Kind == types.ExitNormal && res.Code > 128 && res.Code < 256:
			// a shell in between reports the child's death as 128+sig
			sig = res.Code - 128
		}
		if sig != 0 && r.Signals[sig] {
			return r.evidence(types.SignalName(sig), head(res.Stderr)), true
		}
	case KindExitCode:
		if res.Kind == types.ExitNormal && res.Code != 0 && (r.AnyNonzero || r.Codes[res.Code]) {
			return r.evidence("exit "+strconv.Itoa(res.Code), head(res.Stderr)), true
		}
	case KindStderr:
		return r.matchOutput(res.Stderr)
	case KindStdout:
		return r.matchOutput(res.Stdout)
	}
	return nil, false
}

func (r *Rule) matchOutput(out []byte) (*types.Evidence, bool) {
	if r.Pattern == nil {
		return nil, false
	}
	loc := r.Pattern.FindIndex(out)
	if loc == nil {
		return nil, false
	}
	if r.Suppress != nil && r.Suppress.Match(out) {
		return nil, false
	}
	return r.evidence(r.Pattern.String(), lineAround(out, loc[0], loc[1])), true
}

func (r *Rule) evidence(detail, excerpt string) *types.Evidence {
	return &types.Evidence{Rule: r.Kind.String(), Detail: detail, Excerpt: excerpt}
}

// Rules is an ordered rule set combined with OR.
type Rules struct {
	rules []Rule
}

func New(rules ...Rule) *Rules {
	sorted := append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Kind < sorted[j].Kind })
	return &Rules{rules: sorted}
}

// FromConfig builds the rule set. Unknown signal names and invalid patterns are SetupErrors.
func FromConfig(cfg config.RulesConfig) (*Rules, error) {
	var rules []Rule

	if cfg.TimeoutIsCrash {
		rules = append(rules, Rule{Kind: KindTimeout})
	}

	if len(cfg.Signals) > 0 {
		signals := make(map[int]bool, len(cfg.Signals))
		for _, name := range cfg.Signals {
			sig, ok := types.SignalNumber(name)
			if !ok {
				return nil, types.NewSetupError(fmt.Sprintf("unknown signal %q", name), nil)
			}
			signals[sig] = true
		}
		rules = append(rules, Rule{Kind: KindSignal, Signals: signals})
	}

	if cfg.AnyNonzeroExit || len(cfg.ExitCodes) > 0 {
		codes := make(map[int]bool, len(cfg.ExitCodes))
		for _, code := range cfg.ExitCodes {
			codes[code] = true
		}
		rules = append(rules, Rule{Kind: KindExitCode, Codes: codes, AnyNonzero: cfg.AnyNonzeroExit})
	}

	for _, p := range []struct {
		kind              Kind
		pattern, suppress string
	}{
		{KindStderr, cfg.InterestingStderr, cfg.UninterestingStderr},
		{KindStdout, cfg.InterestingStdout, cfg.UninterestingStdout},
	} {
		if p.pattern == "" {
			if p.suppress != "" {
				return nil, types.NewSetupError(fmt.Sprintf("uninteresting %s pattern needs an interesting one", p.kind), nil)
			}
			continue
		}
		rule := Rule{Kind: p.kind}
		var err error
		if rule.Pattern, err = compile(p.kind, "interesting", p.pattern); err != nil {
			return nil, err
		}
		if p.suppress != "" {
			if rule.Suppress, err = compile(p.kind, "uninteresting", p.suppress); err != nil {
				return nil, err
			}
		}
		rules = append(rules, rule)
	}

	if len(rules) == 0 {
		return nil, types.NewSetupError("no classification rule is enabled", nil)
	}
	return New(rules...), nil
}

func compile(kind Kind, what, expr string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, types.NewSetupError(fmt.Sprintf("compile %s %s pattern", what, kind), err)
	}
	return re, nil
}

// Classify evaluates the rules against res. It is pure: the same result always gives the
// same verdict and evidence.
func (r *Rules) Classify(res *types.ExecResult) types.Verdict {
	for i := range r.rules {
		if ev, ok := r.rules[i].match(res); ok {
			return types.Verdict{Tag: types.Interesting, Evidence: ev}
		}
	}
	return types.Verdict{Tag: types.Boring}
}

// Args renders the rule set as flags of the check command, in the same order FromConfig reads
// them.
func (r *Rules) Args() []string {
	var args []string
	signalsSeen := false
	for _, rule := range r.rules {
		switch rule.Kind {
		case KindTimeout:
			args = append(args, "--timeout-is-crash")
		case KindSignal:
			signalsSeen = true
			names := make([]string, 0, len(rule.Signals))
			for sig := range rule.Signals {
				names = append(names, types.SignalName(sig))
			}
			sort.Strings(names)
			args = append(args, "--signals="+strings.Join(names, ","))
		case KindExitCode:
			if rule.AnyNonzero {
				args = append(args, "--any-nonzero-exit")
			}
			codes := make([]int, 0, len(rule.Codes))
			for code := range rule.Codes {
				codes = append(codes, code)
			}
			sort.Ints(codes)
			for _, code := range codes {
				args = append(args, "--interesting-exit-code="+strconv.Itoa(code))
			}
		case KindStderr, KindStdout:
			args = append(args, "--interesting-"+rule.Kind.String()+"="+rule.Pattern.String())
			if rule.Suppress != nil {
				args = append(args, "--uninteresting-"+rule.Kind.String()+"="+rule.Suppress.String())
			}
		}
	}
	if !signalsSeen {
		args = append(args, "--signals=")
	}
	return args
}

// head returns the first lines of out, bounded in size.
func head(out []byte) string {
	lines := bytes.SplitN(bytes.TrimSpace(out), []byte("\n"), excerptLines+1)
	if len(lines) > excerptLines {
		lines = lines[:excerptLines]
	}
	return clip(string(bytes.Join(lines, []byte("\n"))))
}

// lineAround returns the whole line(s) containing out[start:end].
func lineAround(out []byte, start, end int) string {
	if i := bytes.LastIndexByte(out[:start], '\n'); i >= 0 {
		start = i + 1
	} else {
		start = 0
	}
	if i := bytes.IndexByte(out[end:], '\n'); i >= 0 {
		end += i
	} else {
		end = len(out)
	}
	return clip(string(bytes.TrimSpace(out[start:end])))
}

func clip(s string) string {
	if len(s) > excerptBytes {
		return s[:excerptBytes]
	}
	return s
}
