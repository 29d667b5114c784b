package allocator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/evalforge/corepipeline/internal/coordstore"
	"github.com/evalforge/corepipeline/internal/logger"
)

// fakeStore is a minimal in-memory stand-in for coordstore.AllocatorStore,
// enough to exercise allocator's decision logic without a real Redis.
type fakeStore struct {
	mu        sync.Mutex
	available []string
	busy      map[string]string // url -> evalID
	releases  int
}

func newFakeStore(urls ...string) *fakeStore {
	return &fakeStore{available: append([]string{}, urls...), busy: make(map[string]string)}
}

func (f *fakeStore) InitPool(ctx context.Context, urls []string) error { return nil }

func (f *fakeStore) Claim(ctx context.Context, evalID string, ttl time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.available) == 0 {
		return "", false, nil
	}
	url := f.available[len(f.available)-1]
	f.available = f.available[:len(f.available)-1]
	f.busy[url] = evalID
	return url, true, nil
}

func (f *fakeStore) Release(ctx context.Context, url, evalID string) (coordstore.ReleaseOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	if _, known := f.busy[url]; !known {
		for _, a := range f.available {
			if a == url {
				return coordstore.ReleaseDouble, nil
			}
		}
		return coordstore.ReleaseUnknown, nil
	}
	delete(f.busy, url)
	f.available = append(f.available, url)
	return coordstore.ReleaseNormal, nil
}

func (f *fakeStore) BusyEvalFor(ctx context.Context, url string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	evalID, ok := f.busy[url]
	return evalID, ok, nil
}

func (f *fakeStore) AssignedSandboxFor(ctx context.Context, evalID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for url, id := range f.busy {
		if id == evalID {
			return url, true, nil
		}
	}
	return "", false, nil
}

func (f *fakeStore) ScanBusyMarkers(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	urls := make([]string, 0, len(f.busy))
	for url := range f.busy {
		urls = append(urls, url)
	}
	return urls, nil
}

type fakeLookup struct {
	terminal map[string]bool
}

func (f *fakeLookup) IsTerminal(ctx context.Context, evalID string) (bool, error) {
	return f.terminal[evalID], nil
}

func TestClaimReleaseRoundTrip(t *testing.T) {
	store := newFakeStore("sandbox-1", "sandbox-2")
	a := New(store, 10*time.Minute, logger.NewNop())
	ctx := context.Background()

	url, ok, err := a.Claim(ctx, "eval-1")
	if err != nil || !ok {
		t.Fatalf("Claim() = (%q, %v, %v)", url, ok, err)
	}
	if err := a.Release(ctx, url, "eval-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(store.available) != 2 {
		t.Errorf("available = %d, want 2 after release", len(store.available))
	}
}

func TestClaimExhaustedPoolReturnsNotOK(t *testing.T) {
	store := newFakeStore()
	a := New(store, time.Minute, logger.NewNop())
	_, ok, err := a.Claim(context.Background(), "eval-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("Claim on empty pool should return ok=false, not an error")
	}
}

// TestDoubleReleaseIsIdempotent covers the invariant that the net effect
// of release_executor on the available pool is exactly one, regardless
// of how many times the release continuation fires.
func TestDoubleReleaseIsIdempotent(t *testing.T) {
	store := newFakeStore("sandbox-1")
	a := New(store, time.Minute, logger.NewNop())
	ctx := context.Background()

	url, ok, err := a.Claim(ctx, "eval-1")
	if err != nil || !ok {
		t.Fatalf("Claim() = (%q, %v, %v)", url, ok, err)
	}

	if err := a.Release(ctx, url, "eval-1"); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := a.Release(ctx, url, "eval-1"); err != nil {
		t.Fatalf("second release: %v", err)
	}

	if len(store.available) != 1 {
		t.Errorf("available pool size = %d after double release, want 1 (idempotent)", len(store.available))
	}
}

func TestReconcilerForcesReleaseOfTerminalLeaks(t *testing.T) {
	store := newFakeStore()
	store.busy["sandbox-1"] = "eval-1" // simulate a claimed-but-leaked sandbox
	a := New(store, time.Minute, logger.NewNop())
	lookup := &fakeLookup{terminal: map[string]bool{"eval-1": true}}
	recon := NewReconciler(store, a, lookup, logger.NewNop())

	if err := recon.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, busy := store.busy["sandbox-1"]; busy {
		t.Error("reconciler should have force-released the terminal evaluation's sandbox")
	}
	if len(store.available) != 1 {
		t.Errorf("available = %d, want 1 after reconciliation", len(store.available))
	}
}

func TestReconcilerLeavesNonTerminalSandboxesAlone(t *testing.T) {
	store := newFakeStore()
	store.busy["sandbox-1"] = "eval-1"
	a := New(store, time.Minute, logger.NewNop())
	lookup := &fakeLookup{terminal: map[string]bool{"eval-1": false}}
	recon := NewReconciler(store, a, lookup, logger.NewNop())

	if err := recon.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, busy := store.busy["sandbox-1"]; !busy {
		t.Error("reconciler must not release a sandbox for a non-terminal evaluation")
	}
}
