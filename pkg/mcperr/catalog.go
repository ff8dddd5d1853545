// Package mcperr is the canonical error catalog for every MCP tool this
// server exposes. Every tool failure carries a Code drawn from this
// catalog so that the envelope's error classification (bad request vs.
// internal) stays centralized instead of re-derived ad hoc per tool.
package mcperr

import (
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Code defines a canonical MCP error code used across tools.
type Code string

const (
	// Validation & Input
	Validation        Code = "VALIDATION"
	NotFound          Code = "NOT_FOUND"
	Ambiguous         Code = "AMBIGUOUS"
	UnsafePath        Code = "UNSAFE_PATH"
	InvalidSheet      Code = "INVALID_SHEET"
	CursorInvalid     Code = "CURSOR_INVALID"
	CursorBuildFailed Code = "CURSOR_BUILD_FAILED"

	// Gating, Resource & Limits
	ToolDisabled       Code = "TOOL_DISABLED"
	CapacityExhausted  Code = "CAPACITY_EXHAUSTED"
	TargetExists       Code = "TARGET_EXISTS"
	SourceMissing      Code = "SOURCE_MISSING"
	BusyResource       Code = "BUSY_RESOURCE"
	Timeout            Code = "TIMEOUT"
	LimitExceeded      Code = "LIMIT_EXCEEDED"
	ResponseTooLarge   Code = "RESPONSE_TOO_LARGE"
	FileTooLarge       Code = "FILE_TOO_LARGE"

	// IO & Formats
	OpenFailed  Code = "OPEN_FAILED"
	ReadFailed  Code = "READ_FAILED"
	WriteFailed Code = "WRITE_FAILED"
	SearchFailed Code = "SEARCH_FAILED"

	// Fork / recalc / diff pipeline
	RecalcFailed Code = "RECALC_FAILED"
	ParseFailed  Code = "PARSE_FAILED"
	DiffFailed   Code = "DIFF_FAILED"
	IOError      Code = "IO_ERROR"

	// Integrity
	CorruptWorkbook   Code = "CORRUPT_WORKBOOK"
	UnsupportedFormat Code = "UNSUPPORTED_FORMAT"
	PermissionDenied  Code = "PERMISSION_DENIED"
)

// Class is the coarse bad-request/internal split spec.md §7 requires
// clients be able to rely on.
type Class string

const (
	BadRequest Class = "bad_request"
	Internal   Class = "internal"
)

// Entry documents a code's standard message, retry semantics, class, and next steps.
type Entry struct {
	Code      Code
	Message   string
	Class     Class
	Retryable bool
	NextSteps []string
}

// catalog maps canonical codes to guidance. Messages can be overridden per error.
var catalog = map[Code]Entry{
	Validation:        {Code: Validation, Message: "invalid inputs", Class: BadRequest, Retryable: true, NextSteps: []string{"Correct the inputs per schema and retry", "See examples in tool description"}},
	NotFound:          {Code: NotFound, Message: "workbook, sheet, or fork identifier does not resolve", Class: BadRequest, Retryable: true, NextSteps: []string{"Call list_workbooks or describe_workbook to verify identifiers"}},
	Ambiguous:         {Code: Ambiguous, Message: "short alias matched more than one workbook", Class: BadRequest, Retryable: true, NextSteps: []string{"Use the canonical workbook id instead of the alias"}},
	UnsafePath:        {Code: UnsafePath, Message: "resolved path escapes the workspace root", Class: BadRequest, Retryable: false, NextSteps: []string{"Use a path relative to the workspace root"}},
	InvalidSheet:      {Code: InvalidSheet, Message: "sheet not found", Class: BadRequest, Retryable: true, NextSteps: []string{"Call describe_workbook to verify sheet names", "Check case and spacing"}},
	CursorInvalid:     {Code: CursorInvalid, Message: "cursor is invalid for current context", Class: BadRequest, Retryable: true, NextSteps: []string{"Restart pagination from the first page"}},
	CursorBuildFailed: {Code: CursorBuildFailed, Message: "failed to encode next page cursor", Class: BadRequest, Retryable: true, NextSteps: []string{"Retry or narrow scope (smaller pages)"}},

	ToolDisabled:      {Code: ToolDisabled, Message: "tool is disabled by server configuration", Class: BadRequest, Retryable: false, NextSteps: []string{"Ask an operator to enable this tool"}},
	CapacityExhausted: {Code: CapacityExhausted, Message: "fork registry is at capacity", Class: BadRequest, Retryable: true, NextSteps: []string{"Discard an idle fork and retry"}},
	TargetExists:      {Code: TargetExists, Message: "save target exists and overwrite is not permitted", Class: BadRequest, Retryable: false, NextSteps: []string{"Choose a new target path or pass allow_overwrite"}},
	SourceMissing:     {Code: SourceMissing, Message: "base workbook disappeared between resolution and use", Class: BadRequest, Retryable: true, NextSteps: []string{"Re-resolve the workbook id and retry"}},
	BusyResource:      {Code: BusyResource, Message: "concurrent request limit reached", Class: BadRequest, Retryable: true, NextSteps: []string{"Retry after a short delay"}},
	Timeout:           {Code: Timeout, Message: "operation exceeded configured time limit", Class: BadRequest, Retryable: true, NextSteps: []string{"Narrow scope (rows/cells) or increase timeout"}},
	LimitExceeded:     {Code: LimitExceeded, Message: "operation exceeded configured limits", Class: BadRequest, Retryable: true, NextSteps: []string{"Narrow range, reduce groups, or lower page size"}},
	ResponseTooLarge:  {Code: ResponseTooLarge, Message: "serialized response exceeds the configured maximum", Class: BadRequest, Retryable: true, NextSteps: []string{"Reduce range size or paginate"}},
	FileTooLarge:      {Code: FileTooLarge, Message: "file exceeds configured size", Class: BadRequest, Retryable: false, NextSteps: []string{"Use a smaller workbook or increase the limit"}},

	OpenFailed:   {Code: OpenFailed, Message: "failed to open workbook", Class: Internal, Retryable: true, NextSteps: []string{"Verify path, permissions, and format"}},
	ReadFailed:   {Code: ReadFailed, Message: "failed to read range", Class: Internal, Retryable: true, NextSteps: []string{"Verify A1 range and retry"}},
	WriteFailed:  {Code: WriteFailed, Message: "failed to write range", Class: Internal, Retryable: false, NextSteps: []string{"Validate range and values"}},
	SearchFailed: {Code: SearchFailed, Message: "search execution failed", Class: Internal, Retryable: true, NextSteps: []string{"Simplify query or disable regex"}},

	RecalcFailed: {Code: RecalcFailed, Message: "external recalculation process failed", Class: Internal, Retryable: true, NextSteps: []string{"Inspect stderr context and retry"}},
	ParseFailed:  {Code: ParseFailed, Message: "parser rejected the workbook", Class: Internal, Retryable: false, NextSteps: []string{"Open in Excel and re-save, or provide a clean copy"}},
	DiffFailed:   {Code: DiffFailed, Message: "changeset computation failed for a sheet", Class: Internal, Retryable: true, NextSteps: []string{"Retry; report the sheet name if it persists"}},
	IOError:      {Code: IOError, Message: "filesystem operation failed", Class: Internal, Retryable: true, NextSteps: []string{"Retry; check disk space and permissions"}},

	CorruptWorkbook:   {Code: CorruptWorkbook, Message: "workbook appears corrupt or unreadable", Class: Internal, Retryable: false, NextSteps: []string{"Open in Excel and re-save or repair"}},
	UnsupportedFormat: {Code: UnsupportedFormat, Message: "unsupported workbook format", Class: BadRequest, Retryable: false, NextSteps: []string{"Convert to .xlsx and retry"}},
	PermissionDenied:  {Code: PermissionDenied, Message: "insufficient permissions to access path", Class: Internal, Retryable: false, NextSteps: []string{"Adjust permissions or choose an allowed directory"}},
}

// ClassOf returns the bad-request/internal classification for a code,
// defaulting to internal for codes outside the catalog.
func ClassOf(code Code) Class {
	if e, ok := catalog[code]; ok {
		return e.Class
	}
	return Internal
}

// normalize builds a standard error string including next steps for MCP clients that
// surface only a message string. Format: "CODE: message" followed by a guidance tail.
func normalize(code Code, msg string) string {
	base := strings.TrimSpace(msg)
	e, ok := catalog[code]
	if !ok {
		// Unknown code; preserve as-is
		if base == "" {
			return string(code)
		}
		return fmt.Sprintf("%s: %s", string(code), base)
	}
	if base == "" {
		base = e.Message
	}
	// Append compact nextSteps guidance inline to aid clients lacking structured fields.
	guidance := ""
	if len(e.NextSteps) > 0 {
		guidance = " | nextSteps: " + strings.Join(e.NextSteps, "; ")
	}
	return fmt.Sprintf("%s: %s%s", e.Code, base, guidance)
}

// FromText parses a "CODE: message" string, enriches it with catalog guidance,
// and returns an MCP tool error result.
func FromText(text string) *mcp.CallToolResult {
	t := strings.TrimSpace(text)
	if t == "" {
		return mcp.NewToolResultError(normalize(Validation, ""))
	}
	parts := strings.SplitN(t, ":", 2)
	if len(parts) == 0 {
		return mcp.NewToolResultError(normalize(Validation, t))
	}
	code := Code(strings.TrimSpace(parts[0]))
	msg := ""
	if len(parts) > 1 {
		msg = strings.TrimSpace(parts[1])
	}
	return mcp.NewToolResultError(normalize(code, msg))
}

// New returns an MCP error result for a given code and optional message override.
func New(code Code, message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(normalize(code, message))
}

// Wrapf formats details and returns an MCP error result for the code.
func Wrapf(code Code, format string, args ...any) *mcp.CallToolResult {
	return mcp.NewToolResultError(normalize(code, fmt.Sprintf(format, args...)))
}

// Errorf mirrors Wrapf but returns a plain error, for call sites below the
// tool-handler layer that need to propagate a coded error up the stack.
func Errorf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error is a coded error usable with errors.As across package boundaries
// (fork registry, recalc orchestrator, diff engine) before it reaches the
// tool-handler layer that renders it via FromText/New.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return normalize(e.Code, e.Message)
}

// Helpers for common mappings

// IsInvalidSheet returns true if an error matches common excelize "sheet does not exist" messages.
func IsInvalidSheet(err error) bool {
	if err == nil {
		return false
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "doesn't exist") || strings.Contains(low, "does not exist")
}
