// Package dedup maps crash evidence to signatures and decides, once per signature, who
// reported it first.
package dedup

import (
	"context"
	"sync"

	"treefuzz/internal/types"

	"go.uber.org/zap"
)

// Registry is a seen-set shared with other campaigns.
type Registry interface {
	// Claim adds sig to the shared set and reports whether it was absent.
	Claim(ctx context.Context, sig types.Signature) (bool, error)
	// Release removes a claimed sig whose artifact was never written.
	Release(ctx context.Context, sig types.Signature) error
}

type Deduplicator struct {
	mu   sync.Mutex
	seen map[types.Signature]struct{}

	registry Registry // nil when the campaign runs alone
	logger   *zap.Logger
}

func New(registry Registry, logger *zap.Logger) *Deduplicator {
	return &Deduplicator{
		seen:     make(map[types.Signature]struct{}),
		registry: registry,
		logger:   logger.Named("dedup"),
	}
}

// Register signs ev and claims the signature. Of any number of concurrent callers with the
// same signature exactly one gets Novel. A claim is only dropped through Release.
func (d *Deduplicator) Register(ctx context.Context, ev *types.Evidence) (types.Signature, types.Novelty) {
	sig := Sign(ev)
	if !d.claim(sig) {
		return sig, types.Known
	}
	if d.registry == nil {
		return sig, types.Novel
	}

	fresh, err := d.registry.Claim(ctx, sig)
	if err != nil {
		// the local claim already holds; a registry outage must not lose crashes
		d.logger.Warn("signature registry unavailable", zap.String("signature", sig.Short()), zap.Error(err))
		return sig, types.Novel
	}
	if !fresh {
		d.logger.Debug("signature owned by another campaign", zap.String("signature", sig.Short()))
		return sig, types.Known
	}
	return sig, types.Novel
}

// Preload marks signatures of artifacts that already exist as seen.
func (d *Deduplicator) Preload(sigs []types.Signature) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sig := range sigs {
		d.seen[sig] = struct{}{}
	}
}

// Observe marks a signature found by someone else as seen. It reports whether it was new.
func (d *Deduplicator) Observe(sig types.Signature) bool {
	return d.claim(sig)
}

// Release gives up the claim on sig after its artifact could not be written, so that the next
// sighting is Novel again.
func (d *Deduplicator) Release(ctx context.Context, sig types.Signature) {
	d.mu.Lock()
	delete(d.seen, sig)
	d.mu.Unlock()
	if d.registry == nil {
		return
	}
	if err := d.registry.Release(ctx, sig); err != nil {
		d.logger.Warn("failed to release signature", zap.String("signature", sig.Short()), zap.Error(err))
	}
}

func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduplicator) claim(sig types.Signature) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[sig]; ok {
		return false
	}
	d.seen[sig] = struct{}{}
	return true
}
