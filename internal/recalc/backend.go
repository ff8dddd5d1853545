package recalc

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Backend is the polymorphic recalc capability spec.md §9 requires: the
// orchestrator is oblivious to what actually computes formula values, only
// to exit code, captured stderr, and whether the backend is usable at all.
type Backend interface {
	Recalculate(ctx context.Context, workPath string) error
	IsAvailable() bool
	Name() string
}

// CommandTemplate describes how to invoke a headless office-suite binary.
// Args may contain the literal placeholder "{path}", replaced with the
// fork's work-file path at invocation time.
type CommandTemplate struct {
	Binary string
	Args   []string
}

const workPathPlaceholder = "{path}"

func (t CommandTemplate) build(workPath string) (string, []string) {
	args := make([]string, len(t.Args))
	for i, a := range t.Args {
		args[i] = strings.ReplaceAll(a, workPathPlaceholder, workPath)
	}
	return t.Binary, args
}

// DefaultLibreOfficeTemplate is the headless calling convention spec.md §6
// describes: headless, no restore, no default document, no first-start
// wizard, no lock check, invoking a macro that recalculates then saves.
func DefaultLibreOfficeTemplate() CommandTemplate {
	return CommandTemplate{
		Binary: "soffice",
		Args: []string{
			"--headless",
			"--norestore",
			"--nodefault",
			"--nofirststartwizard",
			"--nolockcheck",
			"vnd.sun.star.script:Standard.Module1.RecalculateAndSave?language=Basic&location=application",
			workPathPlaceholder,
		},
	}
}

// OfficeSuiteBackend drives an external, headless office-suite process.
// Every call is timed out, checkpointed by the caller, and never retried;
// success or failure is observed purely through exit code and stderr.
type OfficeSuiteBackend struct {
	template CommandTemplate
	timeout  time.Duration
}

// NewOfficeSuiteBackend constructs an OfficeSuiteBackend invoking template
// with a hard timeout.
func NewOfficeSuiteBackend(template CommandTemplate, timeout time.Duration) *OfficeSuiteBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OfficeSuiteBackend{template: template, timeout: timeout}
}

// Name returns the configured binary name.
func (b *OfficeSuiteBackend) Name() string {
	return b.template.Binary
}

// IsAvailable reports whether the configured binary resolves on PATH.
func (b *OfficeSuiteBackend) IsAvailable() bool {
	_, err := exec.LookPath(b.template.Binary)
	return err == nil
}

// Recalculate spawns the office-suite process against workPath, applying a
// hard timeout and killing the process on expiry.
func (b *OfficeSuiteBackend) Recalculate(ctx context.Context, workPath string) error {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	bin, args := b.template.build(workPath)
	cmd := exec.CommandContext(callCtx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			return fmt.Errorf("recalc: %s timed out after %s: %s", b.template.Binary, b.timeout, stderr.String())
		}
		return fmt.Errorf("recalc: %s failed: %v: %s", b.template.Binary, err, stderr.String())
	}
	return nil
}

// NoopBackend reports every recalc as an immediate success without
// invoking any external process. Useful for tests and for configurations
// where recalc_enabled is false but the tool surface still needs a backend.
type NoopBackend struct{}

func (NoopBackend) Recalculate(ctx context.Context, workPath string) error { return nil }
func (NoopBackend) IsAvailable() bool                                     { return true }
func (NoopBackend) Name() string                                          { return "noop" }
