// Package crash takes interesting results from the workers to disk: deduplicate, persist,
// record, minimize.
package crash

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"treefuzz/internal/types"
	"treefuzz/pkg/database"
	"treefuzz/pkg/telemetry"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const ledgerTimeout = 5 * time.Second

type Outcome int

const (
	Duplicate Outcome = iota // signature seen before, nothing written
	Saved                    // first sighting, artifact persisted
)

func (o Outcome) String() string {
	if o == Saved {
		return "saved"
	}
	return "duplicate"
}

type Deduplicator interface {
	Register(ctx context.Context, ev *types.Evidence) (types.Signature, types.Novelty)
	Release(ctx context.Context, sig types.Signature)
}

type Store interface {
	Save(c *types.Candidate, sig types.Signature, meta *types.ArtifactMeta, res *types.ExecResult) (string, error)
}

type Minimizer interface {
	Submit(ctx context.Context, art *types.Artifact)
}

type Options struct {
	CampaignId string
	Command    []string

	Dedup     Deduplicator
	Store     Store
	DB        *gorm.DB  // optional ledger
	Minimizer Minimizer // nil when minimization is off
	Tracer    telemetry.Tracer

	// MinimizeCtx outlives the fuzzing workers; it is cancelled only on interrupt.
	MinimizeCtx context.Context
}

type Triage struct {
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	artifacts []string
}

func NewTriage(opts Options, logger *zap.Logger) *Triage {
	if opts.Tracer == nil {
		opts.Tracer = &telemetry.DummyTracer{}
	}
	if opts.MinimizeCtx == nil {
		opts.MinimizeCtx = context.Background()
	}
	return &Triage{opts: opts, logger: logger.Named("crash")}
}

// Handle processes one interesting result. A signature is persisted at most once. If saving
// fails the claim is released, so a later sighting can try again, and the error is returned as
// a RuntimeExecutionError.
func (t *Triage) Handle(ctx context.Context, c *types.Candidate, res *types.ExecResult, v types.Verdict) (Outcome, error) {
	if !v.Interesting() || v.Evidence == nil {
		return Duplicate, nil
	}
	sig, novelty := t.opts.Dedup.Register(ctx, v.Evidence)
	if novelty == types.Known {
		return Duplicate, nil
	}

	meta := t.meta(c, sig, res, v.Evidence)
	path, err := t.opts.Store.Save(c, sig, meta, res)
	if errors.Is(err, types.ErrExists) {
		// written by a sibling campaign sharing the output directory
		t.logger.Debug("artifact already on disk", zap.String("path", path))
		return Duplicate, nil
	}
	if err != nil {
		t.logger.Error("failed to persist crash", zap.String("signature", sig.Short()), zap.Error(err))
		t.opts.Dedup.Release(context.WithoutCancel(ctx), sig)
		return Duplicate, &types.RuntimeExecutionError{Op: "write", Err: err}
	}

	t.mu.Lock()
	t.artifacts = append(t.artifacts, path)
	t.mu.Unlock()

	t.logger.Info("new crash",
		zap.String("signature", sig.Short()),
		zap.String("rule", v.Evidence.Rule),
		zap.String("detail", v.Evidence.Detail),
		zap.String("generation_id", c.GenerationId),
		zap.String("path", path))
	t.opts.Tracer.AddEvent("new crash", telemetry.NewEventAttributes(map[string]string{
		"fuzz.crash.signature": string(sig),
		"fuzz.crash.rule":      v.Evidence.Rule,
		"fuzz.crash.detail":    v.Evidence.Detail,
		"fuzz.crash.path":      path,
	}))

	t.record(ctx, path, meta)

	if t.opts.Minimizer != nil {
		t.opts.Minimizer.Submit(t.opts.MinimizeCtx, &types.Artifact{
			Path:      path,
			Signature: sig,
			Data:      c.Data,
			Meta:      *meta,
		})
	}
	return Saved, nil
}

// Artifacts returns the paths persisted so far, in order.
func (t *Triage) Artifacts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.artifacts)
}

func (t *Triage) meta(c *types.Candidate, sig types.Signature, res *types.ExecResult, ev *types.Evidence) *types.ArtifactMeta {
	meta := &types.ArtifactMeta{
		Signature:    sig,
		CampaignId:   t.opts.CampaignId,
		GenerationId: c.GenerationId,
		Seeds:        c.Seeds,
		Command:      t.opts.Command,
		Evidence:     *ev,
		Timestamp:    time.Now().UTC(),
	}
	if res != nil {
		meta.ExitKind = res.Kind.String()
		meta.ExitCode = res.Code
		meta.Signal = res.Signal
		meta.DurationMs = res.Duration.Milliseconds()
	}
	return meta
}

// the ledger is best effort; the artifact on disk is the record of truth
func (t *Triage) record(ctx context.Context, path string, meta *types.ArtifactMeta) {
	if t.opts.DB == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	if err := database.AddCrashes(ctx, t.opts.DB, []*database.Crash{database.NewCrash(path, meta)}); err != nil {
		t.logger.Warn("failed to record crash in ledger", zap.String("signature", meta.Signature.Short()), zap.Error(err))
	}
}
