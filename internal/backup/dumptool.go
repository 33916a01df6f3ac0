package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"db-backup-engine/internal/logging"
)

// maxStderrTail bounds how much tool output ends up in error messages
const maxStderrTail = 2048

// toolRunner executes dump and load utilities as child processes with an
// enforced wall clock timeout. The process is killed when the timeout
// expires or the caller cancels.
type toolRunner struct {
	timeout time.Duration
	logger  *logging.Logger
}

type toolOutput struct {
	Stdout []byte
	Stderr string
}

func (r *toolRunner) run(ctx context.Context, path string, args, env []string, stdin []byte) (*toolOutput, error) {
	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, path, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	r.logger.WithFields(map[string]interface{}{
		"tool": path,
		"args": logging.SanitizeArgs(args),
	}).Debug("Executing external tool")

	startTime := time.Now()
	err := cmd.Run()
	output := &toolOutput{Stdout: stdout.Bytes(), Stderr: tail(stderr.String(), maxStderrTail)}
	r.logger.LogToolExecution(path, time.Since(startTime), len(output.Stdout), err)

	if err != nil {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			return output, NewTimeoutError(fmt.Sprintf("%s exceeded timeout of %s", path, r.timeout), err)
		case ctx.Err() != nil:
			return output, NewCancelledError(fmt.Sprintf("%s was cancelled", path), contextCause(ctx))
		default:
			return output, NewExternalToolError(fmt.Sprintf("%s failed: %s", path, strings.TrimSpace(output.Stderr)), err)
		}
	}

	return output, nil
}

// contextCause prefers the cancellation cause recorded by CancelBackup or
// CancelRestore over the bare context error.
func contextCause(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// NewDumpTools builds the production dump and load tools for the configured engine
func NewDumpTools(database DatabaseConfig, tools ToolsConfig, logger *logging.Logger) (DumpTool, LoadTool, error) {
	if err := database.Validate(); err != nil {
		return nil, nil, NewConfigurationError("invalid database configuration", err)
	}

	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	runner := &toolRunner{timeout: tools.Timeout, logger: logger}

	switch tools.Engine {
	case "mysql":
		tool := &MySQLTool{database: database, dumpPath: tools.DumpPath, loadPath: tools.LoadPath, runner: runner}
		return tool, tool, nil
	case "postgres":
		tool := &PostgresTool{database: database, dumpPath: tools.DumpPath, loadPath: tools.LoadPath, runner: runner}
		return tool, tool, nil
	default:
		return nil, nil, NewConfigurationError(fmt.Sprintf("unsupported tool engine: %s", tools.Engine), nil)
	}
}
