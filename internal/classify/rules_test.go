package classify

import (
	"context"
	"errors"
	"testing"

	"treefuzz/config"
	"treefuzz/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signal(t *testing.T, name string) int {
	t.Helper()
	sig, ok := types.SignalNumber(name)
	require.True(t, ok, name)
	return sig
}

func TestClassify(t *testing.T) {
	segv := signal(t, "SIGSEGV")
	term := signal(t, "SIGTERM")

	rules, err := FromConfig(config.RulesConfig{
		Signals:             []string{"SIGSEGV", "abrt"},
		ExitCodes:           []int{2},
		InterestingStderr:   `panic: .*`,
		UninterestingStderr: `panic: expected`,
		InterestingStdout:   `ASSERT`,
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		result types.ExecResult
		rule   string // empty means boring
		detail string
	}{
		{
			name:   "clean exit",
			result: types.ExecResult{Kind: types.ExitNormal},
		},
		{
			name:   "ordinary parse error",
			result: types.ExecResult{Kind: types.ExitNormal, Code: 1, Stderr: []byte("SyntaxError")},
		},
		{
			name:   "listed exit code",
			result: types.ExecResult{Kind: types.ExitNormal, Code: 2},
			rule:   "exit-code",
			detail: "exit 2",
		},
		{
			name:   "segfault",
			result: types.ExecResult{Kind: types.ExitSignal, Signal: segv, Stderr: []byte("oops\n")},
			rule:   "signal",
			detail: "SIGSEGV",
		},
		{
			name:   "signal outside the set",
			result: types.ExecResult{Kind: types.ExitSignal, Signal: term},
		},
		{
			name:   "shell reported segfault",
			result: types.ExecResult{Kind: types.ExitNormal, Code: 128 + segv},
			rule:   "signal",
			detail: "SIGSEGV",
		},
		{
			name:   "timeout not counted",
			result: types.ExecResult{Kind: types.ExitTimedOut, Code: -1},
		},
		{
			name:   "stderr pattern",
			result: types.ExecResult{Kind: types.ExitNormal, Stderr: []byte("log\npanic: index out of range\n")},
			rule:   "stderr",
			detail: `panic: .*`,
		},
		{
			name:   "suppressed stderr pattern",
			result: types.ExecResult{Kind: types.ExitNormal, Stderr: []byte("panic: expected failure\n")},
		},
		{
			name:   "stdout pattern",
			result: types.ExecResult{Kind: types.ExitNormal, Stdout: []byte("ASSERT failed")},
			rule:   "stdout",
			detail: "ASSERT",
		},
		{
			name: "signal wins over pattern",
			result: types.ExecResult{
				Kind:   types.ExitSignal,
				Signal: segv,
				Stderr: []byte("panic: boom"),
			},
			rule:   "signal",
			detail: "SIGSEGV",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			verdict := rules.Classify(&test.result)
			if test.rule == "" {
				assert.Equal(t, types.Boring, verdict.Tag)
				assert.Nil(t, verdict.Evidence)
				return
			}
			require.True(t, verdict.Interesting())
			assert.Equal(t, test.rule, verdict.Evidence.Rule)
			assert.Equal(t, test.detail, verdict.Evidence.Detail)
		})
	}
}

func TestClassifyExcerpt(t *testing.T) {
	rules, err := FromConfig(config.RulesConfig{
		Signals:           config.DefaultSignals,
		InterestingStderr: `out of range`,
	})
	require.NoError(t, err)

	verdict := rules.Classify(&types.ExecResult{
		Kind:   types.ExitNormal,
		Stderr: []byte("first\npanic: index out of range [3]\ngoroutine 1\n"),
	})
	require.True(t, verdict.Interesting())
	assert.Equal(t, "panic: index out of range [3]", verdict.Evidence.Excerpt)

	verdict = rules.Classify(&types.ExecResult{
		Kind:   types.ExitSignal,
		Signal: signal(t, "SIGABRT"),
		Stderr: []byte("\n1\n2\n3\n4\n5\n6\n7\n8\n9\n10\n"),
	})
	require.True(t, verdict.Interesting())
	assert.Equal(t, "1\n2\n3\n4\n5\n6\n7\n8", verdict.Evidence.Excerpt)
}

func TestClassifyTimeoutRule(t *testing.T) {
	rules, err := FromConfig(config.RulesConfig{TimeoutIsCrash: true})
	require.NoError(t, err)

	verdict := rules.Classify(&types.ExecResult{Kind: types.ExitTimedOut, Code: -1})
	require.True(t, verdict.Interesting())
	assert.Equal(t, "timeout", verdict.Evidence.Rule)
}

func TestClassifyAnyNonzero(t *testing.T) {
	rules, err := FromConfig(config.RulesConfig{AnyNonzeroExit: true})
	require.NoError(t, err)

	assert.True(t, rules.Classify(&types.ExecResult{Kind: types.ExitNormal, Code: 1}).Interesting())
	assert.False(t, rules.Classify(&types.ExecResult{Kind: types.ExitNormal}).Interesting())
	assert.False(t, rules.Classify(&types.ExecResult{Kind: types.ExitTimedOut, Code: -1}).Interesting())
}

func TestFromConfigErrors(t *testing.T) {
	for name, cfg := range map[string]config.RulesConfig{
		"unknown signal":         {Signals: []string{"SIGNOPE"}},
		"bad pattern":            {InterestingStderr: `(`},
		"bad suppress":           {InterestingStdout: `x`, UninterestingStdout: `[`},
		"suppress without match": {Signals: config.DefaultSignals, UninterestingStderr: `x`},
		"nothing enabled":        {},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := FromConfig(cfg)
			require.Error(t, err)
			assert.True(t, types.IsSetupError(err), "got %v", err)
		})
	}
}

func TestArgs(t *testing.T) {
	rules, err := FromConfig(config.RulesConfig{
		Signals:             []string{"SIGSEGV", "SIGABRT"},
		ExitCodes:           []int{7, 3},
		InterestingStderr:   `boom`,
		UninterestingStderr: `quiet`,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"--signals=SIGABRT,SIGSEGV",
		"--interesting-exit-code=3",
		"--interesting-exit-code=7",
		"--interesting-stderr=boom",
		"--uninteresting-stderr=quiet",
	}, rules.Args())

	rules, err = FromConfig(config.RulesConfig{TimeoutIsCrash: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"--timeout-is-crash", "--signals="}, rules.Args())
}

type fakeRunner struct {
	result *types.ExecResult
	err    error
	calls  int
}

func (f *fakeRunner) Run(context.Context, []byte) (*types.ExecResult, error) {
	f.calls++
	return f.result, f.err
}

func TestCheck(t *testing.T) {
	rules := New(Rule{Kind: KindExitCode, AnyNonzero: true})

	runner := &fakeRunner{result: &types.ExecResult{Kind: types.ExitNormal, Code: 1}}
	ok, err := NewCheck(runner, rules).Interesting(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.True(t, ok)

	runner = &fakeRunner{err: errors.New("spawn failed")}
	ok, err = NewCheck(runner, rules).Interesting(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, runner.calls)
}
