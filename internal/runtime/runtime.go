package runtime

import (
	"context"
	"time"

	"github.com/vinodismyname/sheetforge/config"
	"golang.org/x/sync/semaphore"
)

// Limits captures the concurrency and workbook guardrails configured for the server.
type Limits struct {
	// Concurrency caps
	MaxConcurrentRequests int
	MaxOpenWorkbooks      int
	MaxConcurrentRecalcs  int

	// Payload and row bounds
	MaxPayloadBytes  int
	MaxCellsPerOp    int
	PreviewRowLimit  int
	MaxResponseBytes int
	MaxForks         int
	MaxDiffEntries   int

	// Timeouts
	OperationTimeout      time.Duration
	AcquireRequestTimeout time.Duration
	RecalcTimeout         time.Duration
}

// NewLimits initializes Limits with sensible fallbacks when values are unset.
func NewLimits(maxConcurrentRequests, maxOpenWorkbooks int) Limits {
	if maxConcurrentRequests <= 0 {
		maxConcurrentRequests = config.DefaultMaxConcurrentRequests
	}
	if maxOpenWorkbooks <= 0 {
		maxOpenWorkbooks = config.DefaultMaxOpenWorkbooks
	}

	return Limits{
		MaxConcurrentRequests: maxConcurrentRequests,
		MaxOpenWorkbooks:      maxOpenWorkbooks,
		MaxConcurrentRecalcs:  config.DefaultMaxConcurrentRecalcs,
		MaxPayloadBytes:       config.DefaultMaxPayloadBytes,
		MaxCellsPerOp:         config.DefaultMaxCellsPerOp,
		PreviewRowLimit:       config.DefaultPreviewRowLimit,
		MaxResponseBytes:      config.DefaultMaxResponseBytes,
		MaxForks:              config.DefaultMaxForks,
		MaxDiffEntries:        config.DefaultMaxDiffEntries,
		OperationTimeout:      config.DefaultOperationTimeout,
		AcquireRequestTimeout: config.DefaultAcquireRequestTimeout,
		RecalcTimeout:         config.DefaultRecalcTimeout,
	}
}

// Controller coordinates runtime semaphores for request, workbook, and
// recalculation guardrails.
type Controller struct {
	limits            Limits
	requestSemaphore  *semaphore.Weighted
	workbookSemaphore *semaphore.Weighted
	recalcSemaphore   *semaphore.Weighted
}

// NewController constructs a Controller backed by weighted semaphores.
func NewController(limits Limits) *Controller {
	recalcPermits := limits.MaxConcurrentRecalcs
	if recalcPermits <= 0 {
		recalcPermits = config.DefaultMaxConcurrentRecalcs
	}
	return &Controller{
		limits:            limits,
		requestSemaphore:  semaphore.NewWeighted(int64(limits.MaxConcurrentRequests)),
		workbookSemaphore: semaphore.NewWeighted(int64(limits.MaxOpenWorkbooks)),
		recalcSemaphore:   semaphore.NewWeighted(int64(recalcPermits)),
	}
}

// AcquireRecalc reserves one of the configured concurrent-recalculation permits.
func (c *Controller) AcquireRecalc(ctx context.Context) error {
	return c.recalcSemaphore.Acquire(ctx, 1)
}

// ReleaseRecalc frees a previously-acquired recalculation permit.
func (c *Controller) ReleaseRecalc() {
	c.recalcSemaphore.Release(1)
}

// AcquireRequest reserves capacity for an incoming request.
func (c *Controller) AcquireRequest(ctx context.Context) error {
	return c.requestSemaphore.Acquire(ctx, 1)
}

// ReleaseRequest frees previously-acquired request capacity.
func (c *Controller) ReleaseRequest() {
	c.requestSemaphore.Release(1)
}

// AcquireWorkbook reserves an open workbook slot.
func (c *Controller) AcquireWorkbook(ctx context.Context) error {
	return c.workbookSemaphore.Acquire(ctx, 1)
}

// ReleaseWorkbook frees an open workbook slot.
func (c *Controller) ReleaseWorkbook() {
	c.workbookSemaphore.Release(1)
}

// LimitsSnapshot exposes the configured guardrails for telemetry and discovery.
func (c *Controller) LimitsSnapshot() Limits {
	return c.limits
}
