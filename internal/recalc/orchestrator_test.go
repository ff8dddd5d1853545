package recalc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/vinodismyname/sheetforge/internal/forks"
	"github.com/vinodismyname/sheetforge/internal/runtime"
	"github.com/vinodismyname/sheetforge/internal/wbcache"
	"github.com/vinodismyname/sheetforge/internal/workspace"
	"github.com/vinodismyname/sheetforge/pkg/mcperr"
)

type fakeBackend struct {
	mu       sync.Mutex
	delay    time.Duration
	fail     bool
	failWith error
	calls    int
}

func (b *fakeBackend) Recalculate(ctx context.Context, workPath string) error {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if b.fail {
		if b.failWith != nil {
			return b.failWith
		}
		return errors.New("fake backend failure")
	}
	return nil
}
func (b *fakeBackend) IsAvailable() bool { return true }
func (b *fakeBackend) Name() string      { return "fake" }

func setupOrchestrator(t *testing.T, backend Backend, maxConcurrentRecalcs int) (*Orchestrator, *forks.Registry) {
	t.Helper()
	root := t.TempDir()
	f := excelize.NewFile()
	if err := f.SaveAs(filepath.Join(root, "wb.xlsx")); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
	_ = f.Close()

	ix, err := workspace.New(root, []string{"xlsx"}, nil)
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	cache, err := wbcache.New(ix, 10, 1000)
	if err != nil {
		t.Fatalf("wbcache.New: %v", err)
	}
	reg, err := forks.NewRegistry(ix, cache, nil, filepath.Join(t.TempDir(), "scratch"), 10, time.Hour, 3)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	limits := runtime.NewLimits(10, 4)
	limits.MaxConcurrentRecalcs = maxConcurrentRecalcs
	ctrl := runtime.NewController(limits)

	return New(backend, reg, ctrl), reg
}

func TestRecalculateSuccess(t *testing.T) {
	o, reg := setupOrchestrator(t, &fakeBackend{}, 2)
	f, err := reg.CreateFork(context.Background(), "wb")
	if err != nil {
		t.Fatalf("CreateFork: %v", err)
	}
	if err := o.Recalculate(context.Background(), f.ID); err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	if len(f.Checkpoints()) != 1 {
		t.Fatalf("expected one checkpoint, got %d", len(f.Checkpoints()))
	}
}

func TestRecalculateFailureRestoresCheckpoint(t *testing.T) {
	backend := &fakeBackend{fail: true}
	o, reg := setupOrchestrator(t, backend, 2)
	f, err := reg.CreateFork(context.Background(), "wb")
	if err != nil {
		t.Fatalf("CreateFork: %v", err)
	}
	err = o.Recalculate(context.Background(), f.ID)
	if err == nil {
		t.Fatal("expected recalc_failed error")
	}
	merr, ok := err.(*mcperr.Error)
	if !ok || merr.Code != mcperr.RecalcFailed {
		t.Fatalf("expected RecalcFailed, got %v", err)
	}
	if _, statErr := os.Stat(f.WorkPath); statErr != nil {
		t.Fatalf("expected work file restored: %v", statErr)
	}
}

func TestRecalculatePermitsBoundConcurrency(t *testing.T) {
	backend := &fakeBackend{delay: 150 * time.Millisecond}
	o, reg := setupOrchestrator(t, backend, 1)
	fa, err := reg.CreateFork(context.Background(), "wb")
	if err != nil {
		t.Fatalf("CreateFork a: %v", err)
	}
	fb, err := reg.CreateFork(context.Background(), "wb")
	if err != nil {
		t.Fatalf("CreateFork b: %v", err)
	}

	var wg sync.WaitGroup
	start := time.Now()
	wg.Add(2)
	for _, id := range []string{fa.ID, fb.ID} {
		go func(id string) {
			defer wg.Done()
			_ = o.Recalculate(context.Background(), id)
		}(id)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if elapsed < 2*backend.delay-20*time.Millisecond {
		t.Fatalf("expected serialized recalcs with permit=1, elapsed=%s", elapsed)
	}
}
