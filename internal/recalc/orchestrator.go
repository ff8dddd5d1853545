package recalc

import (
	"context"

	"github.com/vinodismyname/sheetforge/internal/forks"
	"github.com/vinodismyname/sheetforge/internal/runtime"
	"github.com/vinodismyname/sheetforge/pkg/mcperr"
)

// Orchestrator drives recalculation for a single fork at a time, bounded
// process-wide by the runtime controller's recalc permits. It is strictly
// oblivious to formula semantics — correctness is delegated to Backend;
// concurrency control is the only value this type adds.
type Orchestrator struct {
	backend Backend
	forks   *forks.Registry
	ctrl    *runtime.Controller
}

// New constructs an Orchestrator.
func New(backend Backend, forkRegistry *forks.Registry, ctrl *runtime.Controller) *Orchestrator {
	return &Orchestrator{backend: backend, forks: forkRegistry, ctrl: ctrl}
}

// Recalculate acquires the fork's per-fork mutex and a global recalc
// permit, checkpoints the work file, invokes the backend, and restores the
// checkpoint on failure. The mutex and permit are released on every exit
// path.
func (o *Orchestrator) Recalculate(ctx context.Context, forkID string) error {
	f, err := o.forks.Get(forkID)
	if err != nil {
		return err
	}

	release := f.RecalcLock()
	defer release()

	if err := o.ctrl.AcquireRecalc(ctx); err != nil {
		return mcperr.Errorf(mcperr.Timeout, "recalc: timed out waiting for a recalc permit")
	}
	defer o.ctrl.ReleaseRecalc()

	ck, err := o.forks.NewCheckpoint(f)
	if err != nil {
		return mcperr.Errorf(mcperr.IOError, "recalc: checkpoint failed: %v", err)
	}

	if err := o.backend.Recalculate(ctx, f.WorkPath); err != nil {
		if restoreErr := o.forks.RestoreCheckpoint(f, ck); restoreErr != nil {
			return mcperr.Errorf(mcperr.RecalcFailed, "recalc failed and checkpoint restore failed: %v (restore: %v)", err, restoreErr)
		}
		return mcperr.Errorf(mcperr.RecalcFailed, "%v", err)
	}

	f.Touch()
	return nil
}
