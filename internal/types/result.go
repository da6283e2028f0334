package types

import (
	"fmt"
	"strings"
	"time"
)

type ExitKind int

const (
	ExitNormal   ExitKind = iota // process exited on its own, Code is valid
	ExitSignal                   // process was killed by a signal, Signal is valid
	ExitTimedOut                 // process exceeded the timeout and was killed
)

func (k ExitKind) String() string {
	switch k {
	case ExitNormal:
		return "normal"
	case ExitSignal:
		return "signal"
	case ExitTimedOut:
		return "timeout"
	default:
		return "unknown"
	}
}

// ExecResult is the outcome of running the target once.
type ExecResult struct {
	Kind     ExitKind
	Code     int
	Signal   int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration

	StdoutTruncated bool
	StderrTruncated bool
}

// Status renders the exit kind together with its code or signal, e.g. "signal SIGSEGV".
func (r *ExecResult) Status() string {
	switch r.Kind {
	case ExitNormal:
		return fmt.Sprintf("exit %d", r.Code)
	case ExitSignal:
		return "signal " + SignalName(r.Signal)
	case ExitTimedOut:
		return "timeout"
	default:
		return "unknown"
	}
}

type VerdictTag int

const (
	Boring VerdictTag = iota
	Interesting
)

// Evidence explains why a result was classified as interesting.
type Evidence struct {
	Rule    string `json:"rule"`    // tag of the rule that fired
	Detail  string `json:"detail"`  // e.g. "SIGSEGV", "exit 1"
	Excerpt string `json:"excerpt"` // matched output excerpt, empty for status rules
}

type Verdict struct {
	Tag      VerdictTag
	Evidence *Evidence // nil when Boring
}

func (v Verdict) Interesting() bool {
	return v.Tag == Interesting
}

// Signature is the hex encoded dedup key of a crash.
type Signature string

func (s Signature) Short() string {
	if len(s) > 12 {
		return string(s[:12])
	}
	return string(s)
}

type Novelty int

const (
	Known Novelty = iota
	Novel
)

func signalPrefixed(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	return name
}
