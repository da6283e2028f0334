// Package campaign runs a fuzzing campaign: a pool of workers generating candidates from the
// corpus, running the target on them and handing interesting results to crash triage.
package campaign

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"treefuzz/config"
	"treefuzz/internal/artifact"
	"treefuzz/internal/classify"
	"treefuzz/internal/corpus"
	"treefuzz/internal/crash"
	"treefuzz/internal/dedup"
	"treefuzz/internal/executor"
	"treefuzz/internal/generator"
	"treefuzz/internal/minimizer"
	"treefuzz/internal/types"
	"treefuzz/pkg/mq"
	"treefuzz/pkg/telemetry"
	"treefuzz/pkg/watchdog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Config    *config.CampaignConfig
	AppConfig *config.AppConfig
	Logger    *zap.Logger

	// optional services, nil when not configured
	DB        *gorm.DB                  `optional:"true"`
	Redis     *redis.Client             `optional:"true"`
	RabbitMQ  mq.RabbitMQ               `optional:"true"`
	Tracers   *telemetry.TracerFactory  `optional:"true"`
	Watchdogs *watchdog.WatchDogFactory `optional:"true"`
}

type Controller struct {
	p      Params
	cfg    *config.CampaignConfig
	id     string
	state  *State
	logger *zap.Logger

	interruptOnce sync.Once
	interrupted   chan struct{}
}

func New(p Params) *Controller {
	id := uuid.NewString()
	return &Controller{
		p:           p,
		cfg:         p.Config,
		id:          id,
		state:       newState(),
		logger:      p.Logger.Named("campaign").With(zap.String("campaign_id", id)),
		interrupted: make(chan struct{}),
	}
}

func (c *Controller) Id() string {
	return c.id
}

func (c *Controller) State() *State {
	return c.state
}

// Interrupt asks a running campaign to stop: no new iterations start and in-flight executions
// are terminated within the grace period.
func (c *Controller) Interrupt() {
	c.interruptOnce.Do(func() {
		c.state.Shutdown()
		close(c.interrupted)
	})
}

// everything a worker needs, built once per campaign
type env struct {
	seeds     []types.Seed
	generator *generator.Adapter
	executor  *executor.Executor
	rules     *classify.Rules
	triage    *crash.Triage
}

// Run validates the setup, runs the campaign to completion and returns its summary. Setup
// problems are returned as SetupError before any worker starts.
func (c *Controller) Run(ctx context.Context) (*types.Summary, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	seeds, err := corpus.Load(c.cfg.Corpus, c.logger)
	if err != nil {
		return nil, err
	}
	ext := corpus.Extension(seeds)

	exec, err := executor.New(executor.OptionsFrom(c.cfg, ext), c.logger)
	if err != nil {
		return nil, err
	}
	defer exec.Close()

	rules, err := classify.FromConfig(c.cfg.Rules)
	if err != nil {
		return nil, err
	}
	store, err := artifact.Open(c.cfg.Output, ext, c.logger)
	if err != nil {
		return nil, err
	}

	var registry dedup.Registry
	if c.p.Redis != nil {
		registry = dedup.NewRedisRegistry(c.p.Redis, dedup.RegistryKey(c.cfg.Command))
	}
	dd := dedup.New(registry, c.logger)
	existing, err := store.Signatures()
	if err != nil {
		return nil, types.NewSetupError("read output directory", err)
	}
	dd.Preload(existing)

	// interrupt cancels runCtx, the wall-clock budget only cancels workCtx
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	stop := context.AfterFunc(runCtx, func() { c.state.Shutdown() })
	defer stop()
	go func() {
		select {
		case <-c.interrupted:
			cancelRun()
		case <-runCtx.Done():
		}
	}()
	workCtx, cancelWork := runCtx, context.CancelFunc(func() {})
	if c.cfg.Duration > 0 {
		workCtx, cancelWork = context.WithTimeout(runCtx, c.cfg.Duration)
	}
	defer cancelWork()

	mini, err := c.newMinimizer(exec, rules, store)
	if err != nil {
		return nil, err
	}

	tracer := c.p.Tracers.NewTracer(runCtx, "campaign")
	tracer.WithAttributes(telemetry.NewSpanAttributes(telemetry.Fuzzing).
		WithCampaignId(c.id).
		WithTarget(c.cfg.Command).
		WithCorpusSize(len(seeds)).
		WithJobs(c.cfg.Jobs).
		WithSeed(c.cfg.Seed))
	tracer.Start()
	defer tracer.End()
	if mini != nil {
		mini.SetTracer(tracer)
	}

	opts := crash.Options{
		CampaignId:  c.id,
		Command:     c.cfg.Command,
		Dedup:       dd,
		Store:       store,
		DB:          c.p.DB,
		Tracer:      tracer,
		MinimizeCtx: runCtx,
	}
	if mini != nil {
		opts.Minimizer = mini
	}
	w := &env{
		seeds:     seeds,
		generator: generator.NewAdapter(generator.NewEngine(c.cfg.Generator), c.cfg.Generator, c.logger),
		executor:  exec,
		rules:     rules,
		triage:    crash.NewTriage(opts, c.logger),
	}

	watchDone := c.watchSiblings(workCtx, store, dd)

	c.logger.Info("starting campaign",
		zap.Strings("command", c.cfg.Command),
		zap.Int("seeds", len(seeds)),
		zap.Int("jobs", c.cfg.Jobs),
		zap.Uint64("seed", c.cfg.Seed),
		zap.Int("known_signatures", dd.Len()),
		zap.String("output", store.Dir()))

	progressDone := make(chan struct{})
	progressStopped := make(chan struct{})
	go c.reportProgress(progressDone, progressStopped)

	g, gctx := errgroup.WithContext(workCtx)
	for i := range c.cfg.Jobs {
		g.Go(func() error {
			return c.work(gctx, i, w)
		})
	}
	err = g.Wait()

	close(progressDone)
	<-progressStopped
	<-watchDone
	if mini != nil {
		c.drainMinimizer(workCtx, mini)
	}

	summary := c.summary(w.triage, mini, runCtx.Err() != nil)
	if err != nil {
		tracer.SetStatus(codes.Error, err.Error())
		c.logger.Error("campaign aborted", zap.Error(err))
		return summary, err
	}
	tracer.SetStatus(codes.Ok, "")
	tracer.WithAttributes(telemetry.EmptySpanAttributes().WithExtraAttributes(map[string]any{
		"fuzz.executions": summary.Executions,
		"fuzz.unique":     summary.Unique,
	}))
	c.logSummary(summary)
	return summary, nil
}

// work is the loop of one worker. Only a SetupError is returned, every other failure is
// confined to its iteration.
func (c *Controller) work(ctx context.Context, idx int, w *env) error {
	logger := c.logger.With(zap.Int("worker", idx))
	rng := rand.New(rand.NewPCG(c.cfg.Seed, uint64(idx)))
	limit, bounded := c.cfg.WorkerIterations(idx)

	consecutive := 0
	for i := uint64(0); !bounded || i < limit; i++ {
		if ctx.Err() != nil || c.state.ShuttingDown() {
			return nil
		}
		candidate, err := w.generator.Generate(ctx, w.seeds, rng, fmt.Sprintf("%d-%d", idx, i))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.state.generatorErrors.Add(1)
			c.state.skipped.Add(1)
			logger.Debug("generator failed", zap.Error(err))
			continue
		}
		if c.state.ShuttingDown() {
			return nil
		}

		res, err := w.executor.Run(ctx, candidate.Data)
		if err != nil {
			if types.IsSetupError(err) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			c.state.execErrors.Add(1)
			c.state.skipped.Add(1)
			consecutive++
			logger.Debug("execution failed", zap.String("generation_id", candidate.GenerationId), zap.Error(err))
			if consecutive >= c.cfg.MaxConsecutiveErrors {
				logger.Error("too many consecutive execution errors, stopping worker",
					zap.Int("errors", consecutive), zap.Error(err))
				return nil
			}
			continue
		}
		consecutive = 0
		c.state.executions.Add(1)

		verdict := w.rules.Classify(res)
		if !verdict.Interesting() {
			continue
		}
		c.state.interesting.Add(1)
		outcome, err := w.triage.Handle(ctx, candidate, res, verdict)
		if err != nil {
			logger.Warn("failed to handle crash", zap.Error(err))
			continue
		}
		if outcome == crash.Saved {
			c.state.unique.Add(1)
		}
	}
	return nil
}

func (c *Controller) newMinimizer(exec *executor.Executor, rules *classify.Rules, store *artifact.Store) (*minimizer.Adapter, error) {
	cfg := c.cfg.Minimizer
	if !cfg.Enabled {
		return nil, nil
	}
	self, err := os.Executable()
	if err != nil {
		self = "treefuzz"
	}
	checkArgv := minimizer.CheckArgv(self, rules, c.cfg)

	var engine minimizer.Engine
	switch {
	case len(cfg.Command) > 0:
		engine = minimizer.NewCommand(cfg.Command)
	case c.p.RabbitMQ != nil:
		queue, err := minimizer.NewQueue(c.p.RabbitMQ, c.p.AppConfig.MinimizeQueue, c.id)
		if err != nil {
			return nil, types.NewSetupError("minimization queue", err)
		}
		engine = queue
	default:
		return nil, types.NewSetupError("minimization needs a reducer command or RABBITMQ_URL", nil)
	}
	return minimizer.NewAdapter(engine, store, classify.NewCheck(exec, rules), checkArgv, cfg, c.logger), nil
}

// drainMinimizer waits for the minimization jobs. Once ctx is done (budget or interrupt), jobs
// that have not started are dropped and running ones get the grace period.
func (c *Controller) drainMinimizer(ctx context.Context, mini *minimizer.Adapter) {
	done := make(chan struct{})
	go func() {
		mini.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		mini.Shutdown(c.cfg.GracePeriod)
		<-done
	}
}

// watchSiblings feeds artifacts written by other campaigns sharing the output directory into
// the seen-set. The returned channel is closed when watching stopped.
func (c *Controller) watchSiblings(ctx context.Context, store *artifact.Store, dd *dedup.Deduplicator) <-chan struct{} {
	done := make(chan struct{})
	if c.p.Watchdogs == nil {
		close(done)
		return done
	}
	notify := make(chan string, 64)
	wd, err := c.p.Watchdogs.New(ctx, notify, func(name string) bool {
		_, ok := store.ParseName(filepath.Base(name))
		return ok
	})
	if err == nil {
		err = wd.AddDir(store.Dir())
	}
	if err != nil {
		c.logger.Warn("not watching output directory", zap.Error(err))
	}
	if wd == nil {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		for name := range notify {
			sig, _ := store.ParseName(filepath.Base(name))
			if dd.Observe(sig) {
				c.logger.Debug("crash found by another campaign", zap.String("signature", sig.Short()))
			}
		}
		<-wd.Done()
	}()
	return done
}

func (c *Controller) reportProgress(done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(c.cfg.StatusInterval)
	defer ticker.Stop()

	var last uint64
	lastTime := time.Now()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			execs := c.state.Executions()
			rate := float64(execs-last) / now.Sub(lastTime).Seconds()
			last, lastTime = execs, now
			c.logger.Info("status",
				zap.Uint64("executions", execs),
				zap.Float64("execs_per_sec", rate),
				zap.Uint64("interesting", c.state.interesting.Load()),
				zap.Uint64("unique", c.state.Unique()),
				zap.Uint64("skipped", c.state.skipped.Load()),
				zap.Duration("elapsed", c.state.Elapsed().Round(time.Second)))
		}
	}
}

func (c *Controller) summary(triage *crash.Triage, mini *minimizer.Adapter, interrupted bool) *types.Summary {
	s := &types.Summary{
		CampaignId:      c.id,
		Executions:      c.state.executions.Load(),
		Interesting:     c.state.interesting.Load(),
		Unique:          c.state.unique.Load(),
		Skipped:         c.state.skipped.Load(),
		ExecErrors:      c.state.execErrors.Load(),
		GeneratorErrors: c.state.generatorErrors.Load(),
		Elapsed:         c.state.Elapsed(),
		Artifacts:       triage.Artifacts(),
		Interrupted:     interrupted,
	}
	if mini != nil {
		s.Minimized = mini.Minimized()
		s.MinimizeDeferred = mini.Deferred()
		s.MinimizeDropped = mini.Dropped()
	}
	return s
}

func (c *Controller) logSummary(s *types.Summary) {
	c.logger.Info("campaign finished",
		zap.Uint64("executions", s.Executions),
		zap.Float64("execs_per_sec", s.ExecsPerSecond()),
		zap.Uint64("interesting", s.Interesting),
		zap.Uint64("unique", s.Unique),
		zap.Uint64("skipped", s.Skipped),
		zap.Uint64("exec_errors", s.ExecErrors),
		zap.Uint64("generator_errors", s.GeneratorErrors),
		zap.Uint64("minimized", s.Minimized),
		zap.Uint64("minimize_deferred", s.MinimizeDeferred),
		zap.Uint64("minimize_dropped", s.MinimizeDropped),
		zap.Duration("elapsed", s.Elapsed.Round(time.Millisecond)),
		zap.Bool("interrupted", s.Interrupted))
}
