// Package executor runs model-generated R scripts in isolated per-session
// working directories with workspace persistence between turns.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"ragent/internal/domain"
	"ragent/internal/infra/config"
	"ragent/internal/infra/tracer"
)

// Compile-time interface assertion.
var _ domain.ScriptExecutor = (*RScriptExecutor)(nil)

const defaultTimeout = 5 * time.Minute

// RScriptExecutor executes R code via the Rscript binary. Each executor owns
// one flat session directory; scripts always run there, never in nested
// subdirectories, so generated artifacts are trivially discoverable.
type RScriptExecutor struct {
	binary        string
	workDir       string
	workspaceFile string
	dataRoot      string
	timeout       time.Duration
	maxOutput     int
	logger        *slog.Logger
}

// New creates an executor rooted at workDir. The directory is created if
// missing. The R binary is resolved once at construction.
func New(cfg config.ExecutorConfig, workDir string, logger *slog.Logger) (*RScriptExecutor, error) {
	absDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o700); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	binary, err := FindRBinary(cfg.Binary, cfg.SearchPaths)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	workspaceFile := cfg.WorkspaceFile
	if workspaceFile == "" {
		workspaceFile = "session_workspace.RData"
	}

	return &RScriptExecutor{
		binary:        binary,
		workDir:       absDir,
		workspaceFile: workspaceFile,
		dataRoot:      cfg.DataRoot,
		timeout:       timeout,
		maxOutput:     cfg.MaxOutputSize,
		logger:        logger,
	}, nil
}

// Factory returns a constructor that builds one executor per session,
// each rooted at workspaceDir/<sessionID>.
func Factory(cfg config.ExecutorConfig, workspaceDir string, logger *slog.Logger) func(sessionID string) (domain.ScriptExecutor, error) {
	return func(sessionID string) (domain.ScriptExecutor, error) {
		return New(cfg, filepath.Join(workspaceDir, sessionID), logger)
	}
}

// WorkDir implements domain.ScriptExecutor.
func (e *RScriptExecutor) WorkDir() string { return e.workDir }

// Execute implements domain.ScriptExecutor. The contract is total: every
// outcome, including timeouts, subprocess launch failures and internal
// errors, is reported through the result, never as a panic or error value.
func (e *RScriptExecutor) Execute(ctx context.Context, code string) *domain.ExecutionResult {
	ctx, span := tracer.StartSpan(ctx, "executor.execute",
		trace.WithAttributes(tracer.StringAttr("executor.work_dir", e.workDir)),
	)
	defer span.End()

	start := time.Now()

	cleaned := stripSessionDirPatterns(code)
	cleaned = rewriteDataPaths(cleaned, e.dataRoot)
	script := e.prolog() + cleaned + e.epilog()

	before, beforeErr := snapshotDir(e.workDir)
	if beforeErr != nil {
		e.logger.Warn("artifact snapshot failed", "error", beforeErr)
	}

	result := e.runScript(ctx, script)
	result.Duration = time.Since(start)

	if beforeErr == nil {
		result.FilesGenerated = e.scanArtifacts(before)
	}

	result.Summary = buildSummary(result)

	if result.TimedOut {
		tracer.RecordError(span, errors.New("execution timed out"))
	} else if result.Success {
		tracer.SetOK(span)
	}

	e.logger.Info("r execution finished",
		"success", result.Success,
		"timed_out", result.TimedOut,
		"duration", result.Duration,
		"files", len(result.FilesGenerated),
	)
	return result
}

// runScript writes the script to a temp file in the session directory and
// runs it under the configured wall-clock timeout.
func (e *RScriptExecutor) runScript(ctx context.Context, script string) *domain.ExecutionResult {
	tmp, err := os.CreateTemp(e.workDir, ".script-*.R")
	if err != nil {
		return failedResult(fmt.Sprintf("write script: %v", err))
	}
	scriptPath := tmp.Name()
	defer os.Remove(scriptPath)

	if _, err := tmp.WriteString(script); err != nil {
		tmp.Close()
		return failedResult(fmt.Sprintf("write script: %v", err))
	}
	tmp.Close()

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.binary, scriptPath)
	cmd.Dir = e.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	out := e.truncate(strings.TrimSpace(stdout.String()))
	errOut := e.truncate(strings.TrimSpace(stderr.String()))

	if runCtx.Err() == context.DeadlineExceeded {
		return &domain.ExecutionResult{
			Success:  false,
			Output:   joinOutput(out, errOut),
			Error:    fmt.Sprintf("R execution timed out after %s", e.timeout),
			TimedOut: true,
		}
	}

	if runErr != nil {
		// Launch failures and silent non-zero exits write nothing to
		// stderr; the process error is the only diagnostic there is.
		msg := errOut
		if msg == "" {
			msg = runErr.Error()
		}
		output := joinOutput(out, errOut)
		if output == "" {
			output = msg
		}
		return &domain.ExecutionResult{
			Success: false,
			Output:  output,
			Error:   msg,
		}
	}

	return &domain.ExecutionResult{
		Success: true,
		Output:  out,
	}
}

// Reset clears the session directory for a fresh task. The directory itself
// survives so the executor stays usable.
func (e *RScriptExecutor) Reset() error {
	entries, err := os.ReadDir(e.workDir)
	if err != nil {
		return fmt.Errorf("read work dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(e.workDir, entry.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", entry.Name(), err)
		}
	}
	e.logger.Info("session directory reset", "work_dir", e.workDir)
	return nil
}

// prolog reloads the saved workspace so variables survive across turns.
func (e *RScriptExecutor) prolog() string {
	wsPath := rPath(filepath.Join(e.workDir, e.workspaceFile))
	return fmt.Sprintf(`options(warn = 1)
.ragent_ws <- %q
if (file.exists(.ragent_ws)) {
  load(.ragent_ws)
}
rm(.ragent_ws)
`, wsPath)
}

// epilog saves the full workspace image; failures are reported on the
// console but never abort the user's computation.
func (e *RScriptExecutor) epilog() string {
	wsPath := rPath(filepath.Join(e.workDir, e.workspaceFile))
	return fmt.Sprintf(`
.ragent_ws <- %q
tryCatch(save.image(file = .ragent_ws), error = function(err) {
  cat("warning: could not save workspace:", conditionMessage(err), "\n")
})
rm(.ragent_ws)
`, wsPath)
}

// scanArtifacts diffs the directory against the pre-run snapshot. The flat
// scan covers the common case; when it finds nothing new, a recursive pass
// catches scripts that wrote into subdirectories anyway.
func (e *RScriptExecutor) scanArtifacts(before map[string]struct{}) []string {
	after, err := snapshotDir(e.workDir)
	if err != nil {
		e.logger.Warn("artifact scan failed", "error", err)
		return nil
	}
	if fresh := diffSnapshots(before, after); len(fresh) > 0 {
		return fresh
	}

	deep, err := snapshotDirRecursive(e.workDir)
	if err != nil {
		return nil
	}
	return diffSnapshots(before, deep)
}

func (e *RScriptExecutor) truncate(s string) string {
	if e.maxOutput > 0 && len(s) > e.maxOutput {
		return s[:e.maxOutput] + "\n... [output truncated]"
	}
	return s
}

// failedResult reports an internal failure that produced no console text.
// Output carries the diagnostic so the result stays fully populated.
func failedResult(msg string) *domain.ExecutionResult {
	return &domain.ExecutionResult{
		Success: false,
		Output:  msg,
		Error:   msg,
	}
}

func joinOutput(stdout, stderr string) string {
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	default:
		return stdout + "\n" + stderr
	}
}

// rPath renders a filesystem path with forward slashes for R string literals.
func rPath(p string) string {
	return filepath.ToSlash(p)
}
