// Package generator turns seeds into new candidate inputs through a pluggable engine.
package generator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"treefuzz/config"
	"treefuzz/internal/types"

	"go.uber.org/zap"
)

// Engine produces one candidate from the given seeds. It must not modify the seeds and
// should return when ctx is done.
type Engine interface {
	Generate(ctx context.Context, seeds [][]byte, rng *rand.Rand) ([]byte, error)
}

// NewEngine returns the external mutator when one is configured and the built-in engine
// otherwise.
func NewEngine(cfg config.GeneratorConfig) Engine {
	if len(cfg.Command) > 0 {
		return NewCommand(cfg.Command, cfg.MaxSize)
	}
	return &Havoc{
		Chaos:     cfg.Chaos,
		Deletions: cfg.Deletions,
		Mutations: cfg.Mutations,
		MaxSize:   cfg.MaxSize,
	}
}

// Adapter guards an engine: every call runs under a timeout and a failing, hanging or
// panicking engine becomes a GeneratorError instead of taking the worker down.
type Adapter struct {
	engine  Engine
	timeout time.Duration
	maxSize int
	logger  *zap.Logger
}

func NewAdapter(engine Engine, cfg config.GeneratorConfig, logger *zap.Logger) *Adapter {
	return &Adapter{
		engine:  engine,
		timeout: cfg.Timeout,
		maxSize: cfg.MaxSize,
		logger:  logger.Named("generator"),
	}
}

type generated struct {
	data []byte
	err  error
}

// Generate picks one or two seeds with rng and asks the engine for a candidate.
//
// The engine gets its own RNG derived from rng, so an engine call that outlives its timeout
// never touches the caller's RNG again. If ctx itself is done, ctx.Err() is returned.
func (a *Adapter) Generate(ctx context.Context, seeds []types.Seed, rng *rand.Rand, id string) (*types.Candidate, error) {
	if len(seeds) == 0 {
		return nil, &types.GeneratorError{Err: errors.New("no seeds")}
	}
	picked := pick(seeds, rng)
	inputs := make([][]byte, len(picked))
	names := make([]string, len(picked))
	for i, seed := range picked {
		inputs[i] = seed.Data
		names[i] = seed.Name
	}
	child := rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64()))

	genCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	done := make(chan generated, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- generated{err: fmt.Errorf("engine panicked: %v", r)}
			}
		}()
		data, err := a.engine.Generate(genCtx, inputs, child)
		done <- generated{data: data, err: err}
	}()

	var out generated
	select {
	case out = <-done:
	case <-genCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, &types.GeneratorError{Timeout: true, Err: genCtx.Err()}
	}
	if out.err != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, &types.GeneratorError{Err: out.err}
	}

	data := out.data
	if a.maxSize > 0 && len(data) > a.maxSize {
		data = data[:a.maxSize]
	}
	return &types.Candidate{Data: data, Seeds: names, GenerationId: id}, nil
}

// pick returns one seed, or two distinct ones half of the time when the corpus allows it.
func pick(seeds []types.Seed, rng *rand.Rand) []types.Seed {
	first := rng.IntN(len(seeds))
	if len(seeds) < 2 || rng.IntN(2) == 0 {
		return []types.Seed{seeds[first]}
	}
	second := rng.IntN(len(seeds) - 1)
	if second >= first {
		second++
	}
	return []types.Seed{seeds[first], seeds[second]}
}
