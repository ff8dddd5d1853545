package config

import "time"

// Default runtime limits and guardrails for the spreadsheet fork MCP server.
// These values are conservative and can be overridden via environment
// variables or a YAML/JSON config file (see config.go). They are referenced
// by internal/runtime, internal/wbcache, internal/forks, and internal/recalc.

const (
	// Concurrency
	DefaultMaxConcurrentRequests = 10
	DefaultMaxOpenWorkbooks      = 4
	DefaultMaxConcurrentRecalcs  = 2

	// Cache & fork sizing
	DefaultCacheCapacity    = 10
	DefaultMaxForks         = DefaultCacheCapacity * 4
	DefaultMaxFormulaAtlas  = 1000
	DefaultMaxCheckpoints   = 3
	DefaultMaxDiffEntries   = 10_000

	// Payload and row limits
	DefaultMaxPayloadBytes = 128 * 1024 // 128KB
	DefaultMaxResponseBytes = 1 * 1024 * 1024 // 1MiB
	DefaultMaxCellsPerOp    = 10_000
	DefaultPreviewRowLimit  = 10 // First 10 rows by default
)

const (
	// Timeouts
	DefaultOperationTimeout      = 30 * time.Second
	DefaultAcquireRequestTimeout = 2 * time.Second
	DefaultRecalcTimeout         = 30 * time.Second
	DefaultForkTTL               = time.Hour
	DefaultForkSweepPeriod       = time.Minute
)

// DefaultExtensions are the workbook file extensions the workspace indexer
// accepts by default.
var DefaultExtensions = []string{"xlsx", "xlsm", "xls", "xlsb"}
