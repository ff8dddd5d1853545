package forks

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/vinodismyname/sheetforge/internal/security"
	"github.com/vinodismyname/sheetforge/internal/wbcache"
	"github.com/vinodismyname/sheetforge/internal/workspace"
	"github.com/vinodismyname/sheetforge/pkg/mcperr"
)

// CellEdit is one staged cell mutation, applied in the order supplied by
// the client.
type CellEdit struct {
	Sheet     string
	Address   string
	Value     any
	IsFormula bool
}

// Checkpoint is a point-in-time copy of a fork's work file, taken before a
// recalc attempt so a failed recalc can be rolled back.
type Checkpoint struct {
	Seq  int
	Path string
}

// Fork is an isolated, writable working copy of a workbook file.
type Fork struct {
	ID         string
	Alias      string
	WorkbookID string
	BasePath   string
	WorkPath   string
	CreatedAt  time.Time

	recalcMu sync.Mutex

	mu          sync.Mutex
	lastAccess  time.Time
	staged      []CellEdit
	checkpoints []Checkpoint
	nextSeq     int
	degraded    bool
}

// Touch updates the fork's last-access time; called on every successful
// operation so the idle-TTL sweeper leaves active forks alone.
func (f *Fork) Touch() {
	f.mu.Lock()
	f.lastAccess = time.Now()
	f.mu.Unlock()
}

func (f *Fork) idleSince(now time.Time) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return now.Sub(f.lastAccess)
}

// RecalcLock acquires the fork's per-fork recalc mutex; the caller must
// call the returned function to release it on every exit path.
func (f *Fork) RecalcLock() func() {
	f.recalcMu.Lock()
	return f.recalcMu.Unlock
}

// StagedEdits returns a copy of the fork's staged-edits log.
func (f *Fork) StagedEdits() []CellEdit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]CellEdit, len(f.staged))
	copy(out, f.staged)
	return out
}

// Checkpoints returns a copy of the fork's checkpoint list, oldest first.
func (f *Fork) Checkpoints() []Checkpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Checkpoint, len(f.checkpoints))
	copy(out, f.checkpoints)
	return out
}

// IsDegraded reports whether the fork's last recalc failed without a
// successful checkpoint restore, per spec.md §5's cancellation semantics.
func (f *Fork) IsDegraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *Fork) setDegraded(v bool) {
	f.mu.Lock()
	f.degraded = v
	f.mu.Unlock()
}

func (f *Fork) appendStaged(edits []CellEdit) {
	f.mu.Lock()
	f.staged = append(f.staged, edits...)
	f.lastAccess = time.Now()
	f.mu.Unlock()
}

// Registry owns the set of active forks and their scratch-dir work files.
// Its map uses a reader-preferring lock, never held across an await point:
// the blocking file copy for create_fork runs entirely outside the lock.
type Registry struct {
	indexer *workspace.Indexer
	cache   *wbcache.Cache
	sec     *security.Manager

	scratchDir     string
	maxForks       int
	idleTTL        time.Duration
	maxCheckpoints int

	mu    sync.RWMutex
	forks map[string]*Fork

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewRegistry constructs a fork Registry rooted at scratchDir.
func NewRegistry(indexer *workspace.Indexer, cache *wbcache.Cache, sec *security.Manager, scratchDir string, maxForks int, idleTTL time.Duration, maxCheckpoints int) (*Registry, error) {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("forks: create scratch dir: %w", err)
	}
	if maxForks <= 0 {
		maxForks = 40
	}
	if maxCheckpoints <= 0 {
		maxCheckpoints = 3
	}
	return &Registry{
		indexer:        indexer,
		cache:          cache,
		sec:            sec,
		scratchDir:     scratchDir,
		maxForks:       maxForks,
		idleTTL:        idleTTL,
		maxCheckpoints: maxCheckpoints,
		forks:          map[string]*Fork{},
		stopSweep:      make(chan struct{}),
	}, nil
}

// CreateFork resolves workbookID, copies the base file into the scratch
// directory, and registers a new Fork.
func (r *Registry) CreateFork(ctx context.Context, workbookID string) (*Fork, error) {
	entry, err := r.indexer.Resolve(ctx, workbookID)
	if err != nil {
		if err == workspace.ErrNotFound {
			return nil, mcperr.Errorf(mcperr.NotFound, "workbook %q not found", workbookID)
		}
		return nil, mcperr.Errorf(mcperr.Ambiguous, "workbook id %q is ambiguous", workbookID)
	}
	basePath, err := r.indexer.ResolvedPath(entry)
	if err != nil {
		return nil, mcperr.Errorf(mcperr.UnsafePath, "resolved path escapes workspace root")
	}
	if _, statErr := os.Stat(basePath); statErr != nil {
		return nil, mcperr.Errorf(mcperr.SourceMissing, "base workbook %q disappeared", workbookID)
	}

	r.mu.RLock()
	count := len(r.forks)
	r.mu.RUnlock()
	if count >= r.maxForks {
		return nil, mcperr.Errorf(mcperr.CapacityExhausted, "fork registry at capacity (%d)", r.maxForks)
	}

	forkID := uuid.NewString()
	workPath := filepath.Join(r.scratchDir, forkID+".xlsx")
	if err := copyFile(basePath, workPath); err != nil {
		return nil, mcperr.Errorf(mcperr.IOError, "copy base workbook: %v", err)
	}

	fork := &Fork{
		ID:         forkID,
		Alias:      workspace.Alias(forkID),
		WorkbookID: entry.WorkbookID,
		BasePath:   basePath,
		WorkPath:   workPath,
		CreatedAt:  time.Now(),
		lastAccess: time.Now(),
	}

	r.mu.Lock()
	if len(r.forks) >= r.maxForks {
		r.mu.Unlock()
		_ = os.Remove(workPath)
		return nil, mcperr.Errorf(mcperr.CapacityExhausted, "fork registry at capacity (%d)", r.maxForks)
	}
	r.forks[forkID] = fork
	r.mu.Unlock()

	return fork, nil
}

// Get returns the fork for forkID, touching its last-access time.
func (r *Registry) Get(forkID string) (*Fork, error) {
	r.mu.RLock()
	f, ok := r.forks[forkID]
	r.mu.RUnlock()
	if !ok {
		return nil, mcperr.Errorf(mcperr.NotFound, "fork %q not found", forkID)
	}
	f.Touch()
	return f, nil
}

// DiscardFork removes forkID from the registry and best-effort deletes its
// work file and checkpoints.
func (r *Registry) DiscardFork(forkID string) error {
	r.mu.Lock()
	f, ok := r.forks[forkID]
	if ok {
		delete(r.forks, forkID)
	}
	r.mu.Unlock()
	if !ok {
		return mcperr.Errorf(mcperr.NotFound, "fork %q not found", forkID)
	}
	r.destroyFiles(f)
	return nil
}

func (r *Registry) destroyFiles(f *Fork) {
	// Best-effort: deletion failures are logged here, not propagated.
	if err := os.Remove(f.WorkPath); err != nil && !os.IsNotExist(err) {
		zlog.Warn().Err(err).Str("fork_id", f.ID).Str("path", f.WorkPath).Msg("forks: delete work file failed")
	}
	for _, ck := range f.Checkpoints() {
		if err := os.Remove(ck.Path); err != nil && !os.IsNotExist(err) {
			zlog.Warn().Err(err).Str("fork_id", f.ID).Str("path", ck.Path).Msg("forks: delete checkpoint failed")
		}
	}
}

// SaveFork validates targetPath, atomically copies the work file to it
// (temp file + fsync + rename), then discards the fork.
func (r *Registry) SaveFork(forkID, targetPath string, allowOverwrite bool) error {
	f, err := r.Get(forkID)
	if err != nil {
		return err
	}

	resolved := targetPath
	if r.sec != nil {
		resolved, err = r.sec.ValidateNewPath(targetPath)
		if err != nil {
			return mcperr.Errorf(mcperr.UnsafePath, "target path %q escapes workspace root", targetPath)
		}
	}
	if _, statErr := os.Stat(resolved); statErr == nil && !allowOverwrite {
		return mcperr.Errorf(mcperr.TargetExists, "save target %q exists", targetPath)
	}

	if err := atomicCopy(f.WorkPath, resolved); err != nil {
		return mcperr.Errorf(mcperr.IOError, "save fork: %v", err)
	}
	return r.DiscardFork(forkID)
}

// NewCheckpoint copies the fork's current work file to a numbered
// checkpoint path, pruning the oldest checkpoint once retention is exceeded.
func (r *Registry) NewCheckpoint(f *Fork) (Checkpoint, error) {
	f.mu.Lock()
	seq := f.nextSeq
	f.nextSeq++
	f.mu.Unlock()

	ckPath := filepath.Join(r.scratchDir, fmt.Sprintf("%s.%d.ckpt", f.ID, seq))
	if err := copyFile(f.WorkPath, ckPath); err != nil {
		return Checkpoint{}, fmt.Errorf("forks: checkpoint: %w", err)
	}
	ck := Checkpoint{Seq: seq, Path: ckPath}

	f.mu.Lock()
	f.checkpoints = append(f.checkpoints, ck)
	var dropped []Checkpoint
	for len(f.checkpoints) > r.maxCheckpoints {
		dropped = append(dropped, f.checkpoints[0])
		f.checkpoints = f.checkpoints[1:]
	}
	f.mu.Unlock()

	for _, d := range dropped {
		_ = os.Remove(d.Path)
	}
	return ck, nil
}

// RestoreCheckpoint copies ck's snapshot back over the fork's work file.
func (r *Registry) RestoreCheckpoint(f *Fork, ck Checkpoint) error {
	if err := copyFile(ck.Path, f.WorkPath); err != nil {
		f.setDegraded(true)
		return fmt.Errorf("forks: restore checkpoint: %w", err)
	}
	f.setDegraded(false)
	return nil
}

// StartSweeper launches the idle-TTL background sweeper; cancel stops it.
func (r *Registry) StartSweeper(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = time.Minute
	}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopSweep:
				return
			case <-ticker.C:
				r.sweepIdle()
			}
		}
	}()
}

// Stop halts the background sweeper goroutine.
func (r *Registry) Stop() {
	r.sweepOnce.Do(func() { close(r.stopSweep) })
}

func (r *Registry) sweepIdle() {
	now := time.Now()
	var expired []*Fork
	r.mu.Lock()
	for id, f := range r.forks {
		if f.idleSince(now) > r.idleTTL {
			expired = append(expired, f)
			delete(r.forks, id)
		}
	}
	r.mu.Unlock()
	for _, f := range expired {
		r.destroyFiles(f)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func atomicCopy(src, dst string) error {
	tmp := dst + ".tmp"
	if err := copyFile(src, tmp); err != nil {
		return err
	}
	f, err := os.OpenFile(tmp, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
