package git

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Result is the outcome of a single git invocation
type Result struct {
	Succeeded   bool
	Output      string // trimmed stdout
	ErrorDetail string // set only when Succeeded is false
}

// Runner executes git subcommands against one repository
type Runner interface {
	// Run executes the subcommand and never returns an error for a failed
	// command; failure is reported through Result.
	Run(ctx context.Context, args ...string) Result
}

// ShellRunner implements Runner by shelling out to the git command
type ShellRunner struct {
	binary string
	dir    string
	logger *slog.Logger
}

// NewShellRunner creates a runner that qualifies every command with -C dir
func NewShellRunner(binary, dir string, logger *slog.Logger) *ShellRunner {
	if binary == "" {
		binary = "git"
	}
	return &ShellRunner{
		binary: binary,
		dir:    dir,
		logger: logger,
	}
}

// Dir returns the repository directory commands are run against
func (r *ShellRunner) Dir() string {
	return r.dir
}

// CommandLine renders the command as it would be typed in a shell
func (r *ShellRunner) CommandLine(args ...string) string {
	parts := make([]string, 0, len(args)+3)
	parts = append(parts, r.binary, "-C", shellQuote(r.dir))
	for _, a := range args {
		if strings.ContainsAny(a, " \t\"'*?") {
			a = shellQuote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Run executes git -C dir args... and captures stdout and stderr separately
func (r *ShellRunner) Run(ctx context.Context, args ...string) Result {
	r.logger.Info(r.CommandLine(args...))

	cmd := exec.CommandContext(ctx, r.binary, append([]string{"-C", r.dir}, args...)...)
	// Pin the message language so output markers can be matched, and make a
	// missing credential fail instead of waiting on a prompt.
	cmd.Env = append(os.Environ(), "LC_ALL=C", "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := strings.TrimSpace(stdout.String())
	if output != "" {
		r.logger.Info("command output", "output", output)
	}

	if err != nil {
		detail := fmt.Sprintf("error executing command: %v", err)
		if errOut := strings.TrimSpace(stderr.String()); errOut != "" {
			r.logger.Info("command error output", "output", errOut)
			detail += "\nerror output: " + errOut
		}
		r.logger.Warn("command failed", "args", args, "error", detail)
		return Result{Output: output, ErrorDetail: detail}
	}

	return Result{Succeeded: true, Output: output}
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
