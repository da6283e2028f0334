package classify

import (
	"context"

	"treefuzz/internal/types"
)

// Runner executes the target once. *executor.Executor implements it.
type Runner interface {
	Run(ctx context.Context, data []byte) (*types.ExecResult, error)
}

// Check is the interestingness predicate: run the target on an input and classify the result.
// Replay and minimization use it so that both agree with the campaign that found the crash.
type Check struct {
	runner Runner
	rules  *Rules
}

func NewCheck(runner Runner, rules *Rules) *Check {
	return &Check{runner: runner, rules: rules}
}

func (c *Check) Evaluate(ctx context.Context, data []byte) (*types.ExecResult, types.Verdict, error) {
	res, err := c.runner.Run(ctx, data)
	if err != nil {
		return nil, types.Verdict{}, err
	}
	return res, c.rules.Classify(res), nil
}

func (c *Check) Interesting(ctx context.Context, data []byte) (bool, error) {
	_, verdict, err := c.Evaluate(ctx, data)
	if err != nil {
		return false, err
	}
	return verdict.Interesting(), nil
}
