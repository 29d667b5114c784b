// Package allocator implements the Sandbox Pool Allocator:
// the domain layer over internal/coordstore's atomic claim/release
// primitives, adding double-release classification and the periodic
// reconciler that forces a release when the Durable Store already shows
// an evaluation as terminal but the busy marker never cleared.
package allocator

import (
	"context"
	"sync"
	"time"

	"github.com/evalforge/corepipeline/internal/coordstore"
	"github.com/evalforge/corepipeline/internal/logger"
)

// Allocator is the component-C contract the Dispatcher depends on.
type Allocator interface {
	Claim(ctx context.Context, evalID string) (url string, ok bool, err error)
	Release(ctx context.Context, url, evalID string) error
}

// StatusLookup is the narrow slice of the Durable Store the reconciler
// needs: whether an evaluation has already reached a terminal status.
type StatusLookup interface {
	IsTerminal(ctx context.Context, evalID string) (bool, error)
}

type allocator struct {
	store coordstore.AllocatorStore
	log   *logger.Logger
	ttl   time.Duration

	// doubleReleaseAt tracks the last release timestamp per url, purely
	// in-process, to classify a double-release arriving within one
	// second as a "probable dual-callback race" rather than a bug.
	// Guarded by mu since every Dispatcher worker goroutine shares one
	// Allocator instance and calls Release concurrently.
	mu              sync.Mutex
	doubleReleaseAt map[string]time.Time
}

func New(store coordstore.AllocatorStore, ttl time.Duration, log *logger.Logger) Allocator {
	return &allocator{
		store:           store,
		log:             log.With("component", "Allocator"),
		ttl:             ttl,
		doubleReleaseAt: make(map[string]time.Time),
	}
}

func (a *allocator) Claim(ctx context.Context, evalID string) (string, bool, error) {
	url, ok, err := a.store.Claim(ctx, evalID, a.ttl)
	if err != nil {
		return "", false, err
	}
	if !ok {
		a.log.Debug("pool exhausted", "eval_id", evalID)
		return "", false, nil
	}
	a.log.Info("sandbox claimed", "eval_id", evalID, "sandbox", url)
	return url, true, nil
}

func (a *allocator) Release(ctx context.Context, url, evalID string) error {
	outcome, err := a.store.Release(ctx, url, evalID)
	if err != nil {
		return err
	}
	switch outcome {
	case coordstore.ReleaseNormal:
		a.mu.Lock()
		a.doubleReleaseAt[url] = time.Now()
		a.mu.Unlock()
		a.log.Info("sandbox released", "eval_id", evalID, "sandbox", url)
	case coordstore.ReleaseDouble:
		now := time.Now()
		a.mu.Lock()
		last, seen := a.doubleReleaseAt[url]
		a.doubleReleaseAt[url] = now
		a.mu.Unlock()
		if seen && now.Sub(last) < time.Second {
			a.log.Debug("double release within dual-callback window, treating as benign", "eval_id", evalID, "sandbox", url)
		} else {
			a.log.Warn("double release outside dual-callback window", "eval_id", evalID, "sandbox", url)
		}
	case coordstore.ReleaseUnknown:
		a.log.Error("release of sandbox outside known pool", "eval_id", evalID, "sandbox", url)
	}
	return nil
}

// Reconciler periodically scans busy markers and force-releases any whose
// evaluation has already reached a terminal status in the Durable Store —
// the crash-recovery path: if the Dispatcher crashes
// between the orchestrator reporting completion and its own release call,
// the sandbox would otherwise leak forever.
type Reconciler struct {
	store  coordstore.AllocatorStore
	alloc  Allocator
	lookup StatusLookup
	log    *logger.Logger
}

func NewReconciler(store coordstore.AllocatorStore, alloc Allocator, lookup StatusLookup, log *logger.Logger) *Reconciler {
	return &Reconciler{store: store, alloc: alloc, lookup: lookup, log: log.With("component", "AllocatorReconciler")}
}

// Run executes one reconciliation pass. Callers are expected to invoke it
// on a fixed interval (a 60s interval is a reasonable default) from a cmd/ main loop.
func (r *Reconciler) Run(ctx context.Context) error {
	urls, err := r.store.ScanBusyMarkers(ctx)
	if err != nil {
		return err
	}
	for _, url := range urls {
		evalID, ok, err := r.store.BusyEvalFor(ctx, url)
		if err != nil {
			r.log.Warn("reconcile: lookup busy eval failed", "sandbox", url, "error", err)
			continue
		}
		if !ok {
			continue
		}
		terminal, err := r.lookup.IsTerminal(ctx, evalID)
		if err != nil {
			r.log.Warn("reconcile: status lookup failed", "eval_id", evalID, "error", err)
			continue
		}
		if !terminal {
			continue
		}
		r.log.Warn("reconciler force-releasing leaked sandbox", "eval_id", evalID, "sandbox", url)
		if err := r.alloc.Release(ctx, url, evalID); err != nil {
			r.log.Warn("reconcile: force release failed", "eval_id", evalID, "sandbox", url, "error", err)
		}
	}
	return nil
}
