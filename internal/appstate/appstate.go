// Package appstate wires the validated configuration into a running set of
// components (workspace indexer, workbook cache, fork registry, recalc
// orchestrator, tool registry) and owns their shared lifecycle: the fork
// idle-TTL sweeper and the ephemeral scratch directory.
package appstate

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/server"

	"github.com/vinodismyname/sheetforge/config"
	"github.com/vinodismyname/sheetforge/internal/envelope"
	"github.com/vinodismyname/sheetforge/internal/forks"
	"github.com/vinodismyname/sheetforge/internal/recalc"
	"github.com/vinodismyname/sheetforge/internal/registry"
	"github.com/vinodismyname/sheetforge/internal/runtime"
	"github.com/vinodismyname/sheetforge/internal/security"
	"github.com/vinodismyname/sheetforge/internal/wbcache"
	"github.com/vinodismyname/sheetforge/internal/workspace"
)

// State holds every component the tool surface needs, constructed once at
// startup from a validated config.Config.
type State struct {
	Config config.Config

	Security     *security.Manager
	Indexer      *workspace.Indexer
	Cache        *wbcache.Cache
	ForkRegistry *forks.Registry
	Orchestrator *recalc.Orchestrator
	Controller   *runtime.Controller
	Limits       runtime.Limits

	Tools      *registry.Registry
	ToolFilter *registry.ToolFilter
	RuntimeMW  *runtime.Middleware
	EnvelopeMW *envelope.Middleware

	sweepCancel context.CancelFunc
}

// New constructs a State from cfg. cfg must already satisfy cfg.Validate();
// New assumes the scratch directory is writable but removes and recreates it
// so that a prior run's leftover fork work files never leak into a new
// process (the scratch directory is explicitly ephemeral, spec.md §9 Open
// Question 2).
func New(cfg config.Config) (*State, error) {
	if err := os.RemoveAll(cfg.ScratchDir); err != nil {
		return nil, fmt.Errorf("appstate: clear scratch dir %q: %w", cfg.ScratchDir, err)
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("appstate: create scratch dir %q: %w", cfg.ScratchDir, err)
	}

	// security.NewManager takes dotted extensions; the config lists them bare.
	secExts := make([]string, 0, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		secExts = append(secExts, "."+strings.TrimPrefix(strings.TrimSpace(e), "."))
	}
	secMgr, err := security.NewManager([]string{cfg.WorkspaceRoot}, secExts)
	if err != nil {
		return nil, fmt.Errorf("appstate: security manager: %w", err)
	}

	indexer, err := workspace.New(cfg.WorkspaceRoot, cfg.Extensions, secMgr)
	if err != nil {
		return nil, fmt.Errorf("appstate: workspace indexer: %w", err)
	}

	cache, err := wbcache.New(indexer, cfg.CacheCapacity, config.DefaultMaxFormulaAtlas)
	if err != nil {
		return nil, fmt.Errorf("appstate: workbook cache: %w", err)
	}

	limits := runtime.NewLimits(cfg.MaxConcurrentRequests, cfg.MaxOpenWorkbooks)
	limits.MaxConcurrentRecalcs = cfg.MaxConcurrentRecalcs
	limits.MaxForks = cfg.MaxForks
	limits.RecalcTimeout = cfg.RecalcTimeout()
	if t := cfg.ToolTimeout(); t > 0 {
		limits.OperationTimeout = t
	}
	if b := cfg.MaxResponseBytesOrZero(); b > 0 {
		limits.MaxResponseBytes = b
	}

	controller := runtime.NewController(limits)

	forkRegistry, err := forks.NewRegistry(indexer, cache, secMgr, cfg.ScratchDir, limits.MaxForks, cfg.ForkTTL(), config.DefaultMaxCheckpoints)
	if err != nil {
		return nil, fmt.Errorf("appstate: fork registry: %w", err)
	}

	orchestrator := recalc.New(recalcBackend(cfg), forkRegistry, controller)

	toolRegistry := registry.New()
	toolFilter := registry.NewToolFilter(cfg.DisabledTools)
	if !cfg.RecalcEnabled {
		// recalc_enabled=false turns off the fork/write tool family as a whole.
		for _, name := range []string{"create_fork", "edit_batch", "recalculate", "get_changeset", "save_fork", "discard_fork"} {
			toolFilter.Disable(name)
		}
	}

	s := &State{
		Config:       cfg,
		Security:     secMgr,
		Indexer:      indexer,
		Cache:        cache,
		ForkRegistry: forkRegistry,
		Orchestrator: orchestrator,
		Controller:   controller,
		Limits:       limits,
		Tools:        toolRegistry,
		ToolFilter:   toolFilter,
		RuntimeMW:    runtime.NewMiddleware(controller),
		EnvelopeMW:   envelope.New(toolFilter, limits.MaxResponseBytes),
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	forkRegistry.StartSweeper(sweepCtx, config.DefaultForkSweepPeriod)

	return s, nil
}

// recalcBackend picks the recalc.Backend the orchestrator should drive: a
// noop when recalc is disabled by configuration, otherwise a headless
// office-suite process using the configured command template (or the
// package default when unset).
func recalcBackend(cfg config.Config) recalc.Backend {
	if !cfg.RecalcEnabled {
		return recalc.NoopBackend{}
	}
	template := recalc.DefaultLibreOfficeTemplate()
	if cfg.RecalcBackend.Binary != "" {
		template = recalc.CommandTemplate{Binary: cfg.RecalcBackend.Binary, Args: cfg.RecalcBackend.Args}
	}
	return recalc.NewOfficeSuiteBackend(template, cfg.RecalcTimeout())
}

// RegisterTools wires the full C4/C5-C8 tool surface onto srv.
func (s *State) RegisterTools(srv *server.MCPServer) {
	registry.RegisterReadTools(srv, s.Tools, s.Indexer, s.Cache, s.Limits)
	registry.RegisterForkTools(srv, s.Tools, s.ForkRegistry, s.Orchestrator, s.Limits)
}

// Shutdown stops the fork sweeper. The scratch directory is left in place;
// the next startup's New clears it.
func (s *State) Shutdown() {
	if s.sweepCancel != nil {
		s.sweepCancel()
	}
	s.ForkRegistry.Stop()
}
