// Package minimizer hands persisted crashes to a test-case reducer in the background.
package minimizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"treefuzz/config"
	"treefuzz/internal/classify"
	"treefuzz/internal/types"
	"treefuzz/pkg/telemetry"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Request describes one minimization job.
type Request struct {
	Signature  types.Signature
	Path       string // the stored artifact, never modified
	OutputPath string // where an accepted result is stored
	Data       []byte

	// Check is the interestingness predicate of the campaign, CheckArgv the same predicate as a
	// command line for external reducers. CheckArgv uses config.Placeholder for the input.
	Check     *classify.Check
	CheckArgv []string
}

// Engine reduces req.Data while keeping it interesting. Engines that hand the job to another
// process return types.ErrDeferred.
type Engine interface {
	Minimize(ctx context.Context, req Request) ([]byte, error)
}

// Store is the part of the artifact store the adapter writes to.
type Store interface {
	SaveMinimized(sig types.Signature, data []byte) (string, error)
	MinimizedPath(sig types.Signature) string
}

type Adapter struct {
	engine    Engine
	store     Store
	check     *classify.Check
	checkArgv []string
	timeout   time.Duration
	sem       *semaphore.Weighted
	wg        sync.WaitGroup
	tracer    telemetry.Tracer
	logger    *zap.Logger

	// admit is done once queued jobs may no longer start, abort once running jobs must stop
	admit      context.Context
	closeAdmit context.CancelFunc
	abort      context.Context
	abortJobs  context.CancelFunc

	minimized atomic.Uint64
	deferred  atomic.Uint64
	dropped   atomic.Uint64
}

func NewAdapter(engine Engine, store Store, check *classify.Check, checkArgv []string, cfg config.MinimizerConfig, logger *zap.Logger) *Adapter {
	a := &Adapter{
		engine:    engine,
		store:     store,
		check:     check,
		checkArgv: checkArgv,
		timeout:   cfg.Timeout,
		sem:       semaphore.NewWeighted(int64(max(cfg.MaxConcurrent, 1))),
		tracer:    &telemetry.DummyTracer{},
		logger:    logger.Named("minimizer"),
	}
	a.admit, a.closeAdmit = context.WithCancel(context.Background())
	a.abort, a.abortJobs = context.WithCancel(context.Background())
	return a
}

// SetTracer makes every job a child span of tracer, which must be started already.
func (a *Adapter) SetTracer(tracer telemetry.Tracer) {
	if tracer != nil {
		a.tracer = tracer
	}
}

// Submit starts minimizing art in the background and returns immediately. Jobs beyond the
// concurrency limit wait for a slot; they are dropped if ctx is done or Shutdown was called
// first.
func (a *Adapter) Submit(ctx context.Context, art *types.Artifact) {
	if a.admit.Err() != nil {
		a.dropped.Add(1)
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(a.abort, cancel)
		defer stop()

		if !a.acquire(ctx) {
			a.dropped.Add(1)
			return
		}
		defer a.sem.Release(1)

		span := a.tracer.Spawn("minimize")
		span.WithAttributes(telemetry.NewSpanAttributes(telemetry.Minimization).
			WithExtraAttribute("fuzz.crash.signature", string(art.Signature)))
		span.Start()
		defer span.End()

		err := a.minimize(ctx, art)
		switch {
		case err != nil && ctx.Err() != nil:
			span.SetStatus(codes.Error, "cancelled")
			a.logger.Debug("minimization cancelled", zap.String("signature", art.Signature.Short()))
		case err != nil:
			span.SetStatus(codes.Error, err.Error())
			a.logger.Warn("minimization failed", zap.Error(&types.MinimizationError{Signature: art.Signature, Err: err}))
		default:
			span.SetStatus(codes.Ok, "")
		}
	}()
}

// acquire waits for a slot until ctx is done or admission is closed.
func (a *Adapter) acquire(ctx context.Context) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(a.admit, cancel)
	defer stop()
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	if a.admit.Err() != nil {
		a.sem.Release(1)
		return false
	}
	return true
}

// Wait blocks until every submitted job has finished.
func (a *Adapter) Wait() {
	a.wg.Wait()
}

// Shutdown drops the jobs still waiting for a slot and gives running jobs grace to finish.
// Jobs running after that are cancelled. Submit must not be called concurrently.
func (a *Adapter) Shutdown(grace time.Duration) {
	a.closeAdmit()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		a.logger.Warn("cancelling unfinished minimizations", zap.Duration("grace", grace))
		a.abortJobs()
		<-done
	}
	if n := a.dropped.Load(); n > 0 {
		a.logger.Info("minimizations dropped at shutdown", zap.Uint64("dropped", n))
	}
}

// Minimized is the number of minimized inputs written.
func (a *Adapter) Minimized() uint64 {
	return a.minimized.Load()
}

// Deferred is the number of jobs handed off to a remote reducer.
func (a *Adapter) Deferred() uint64 {
	return a.deferred.Load()
}

// Dropped is the number of jobs that never started.
func (a *Adapter) Dropped() uint64 {
	return a.dropped.Load()
}

func (a *Adapter) minimize(ctx context.Context, art *types.Artifact) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	logger := a.logger.With(zap.String("signature", art.Signature.Short()))
	start := time.Now()
	out, err := a.engine.Minimize(ctx, Request{
		Signature:  art.Signature,
		Path:       art.Path,
		OutputPath: a.store.MinimizedPath(art.Signature),
		Data:       art.Data,
		Check:      a.check,
		CheckArgv:  a.checkArgv,
	})
	if errors.Is(err, types.ErrDeferred) {
		a.deferred.Add(1)
		logger.Info("minimization handed off")
		return nil
	}
	if err != nil {
		return err
	}
	if len(out) == 0 || len(out) >= len(art.Data) {
		logger.Debug("reducer found nothing smaller", zap.Int("size", len(art.Data)))
		return nil
	}

	// the reducer's own predicate may differ from ours; never store a result we cannot reproduce
	if a.check != nil {
		ok, err := a.check.Interesting(ctx, out)
		if err != nil {
			return err
		}
		if !ok {
			logger.Warn("minimized input is no longer interesting, discarding")
			return nil
		}
	}

	path, err := a.store.SaveMinimized(art.Signature, out)
	if err != nil {
		return err
	}
	a.minimized.Add(1)
	logger.Info("minimized crash",
		zap.String("path", path),
		zap.Int("original_size", len(art.Data)),
		zap.Int("minimized_size", len(out)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
