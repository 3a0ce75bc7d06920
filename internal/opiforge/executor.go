package opiforge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// retryDelay is the fixed pause between attempts of a retried command.
const retryDelay = 2 * time.Second

// Runner is the slice of the Executor the stages and the image engine
// depend on. Tests substitute a scripted fake.
type Runner interface {
	Execute(c Command, captureOutput bool) *ErrorContext
	ExecuteRetry(c Command, captureOutput bool, maxRetries int) *ErrorContext
	Output(c Command) (string, *ErrorContext)
}

// Executor provides a consistent interface for executing commands,
// abstracting away the privilege escalation (sudo) logic.
type Executor struct {
	Context           context.Context // The context to use for cancellation
	ShouldRunAsRoot   bool            // ShouldRunAsRoot specifies whether the command MUST be executed with root privileges.
	ApplyIdlePriority bool            // Apply nice -n 19 to this specific command
	Interactive       bool            // Interactive indicates whether the command may prompt the user
}

func NewExecutor(ctx context.Context) *Executor {
	return &Executor{Context: ctx}
}

// runInteractiveCommand executes a command attached to the TTY for
// interactive prompts. No process group isolation, so it is suitable
// for commands like `sudo -v`.
func runInteractiveCommand(ctx context.Context, name string, arg ...string) error {
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// ensureSudo checks if the sudo ticket is still valid and re-prompts if
// necessary. No action needed if we are already root or the command
// doesn't require root.
func (e *Executor) ensureSudo() error {
	if os.Geteuid() == 0 || !e.ShouldRunAsRoot {
		return nil
	}
	// Non-interactive check first; avoids any prompt when the ticket is fresh.
	checkCmd := exec.CommandContext(e.Context, "sudo", "-nv")
	checkCmd.Stdout = io.Discard
	checkCmd.Stderr = io.Discard

	if err := checkCmd.Run(); err == nil {
		return nil
	}

	colArrow.Print("-> ")
	colSuccess.Println("Sudo ticket has expired. Re-authenticating")

	if err := runInteractiveCommand(e.Context, "sudo", "-v"); err != nil {
		return fmt.Errorf("sudo re-authentication failed: %w", err)
	}
	colArrow.Print("-> ")
	colSuccess.Println("Re-authenticated via sudo successfully.")
	return nil
}

// Run executes the given command, elevating via sudo -E only when needed.
// It wires up stdio, isolates the child in its own process group for
// cleanup, and calls ensureSudo() to avoid unnecessary password prompts.
func (e *Executor) Run(cmd *exec.Cmd) error {
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := e.ensureSudo(); err != nil {
		return err
	}

	var finalCmd *exec.Cmd

	basePath := cmd.Path
	baseArgs := cmd.Args[1:]

	if e.ApplyIdlePriority {
		baseArgs = append([]string{"-n", "19", basePath}, baseArgs...)
		basePath = "nice"
	}

	if e.ShouldRunAsRoot && os.Geteuid() != 0 {
		args := append([]string{"-E", basePath}, baseArgs...)
		finalCmd = exec.CommandContext(e.Context, "sudo", args...)
		finalCmd.Dir = cmd.Dir
	} else {
		finalCmd = exec.CommandContext(e.Context, basePath, baseArgs...)
		finalCmd.Dir = cmd.Dir
	}

	// preserve or inherit the environment
	if len(cmd.Env) > 0 {
		finalCmd.Env = cmd.Env
	} else {
		finalCmd.Env = os.Environ()
	}

	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr

	// isolate process group for context-based cleanup
	if !e.Interactive {
		finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	if !e.Interactive {
		pgid := finalCmd.Process.Pid

		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-e.Context.Done():
				syscall.Kill(-pgid, syscall.SIGKILL)
			case <-done:
			}
		}()
	}

	return finalCmd.Wait()
}

// Execute runs one external command synchronously and classifies the
// outcome: nil on clean exit, otherwise an ErrorContext carrying the
// exact exit status or terminating signal. All output is duplicated
// into the build log; with captureOutput it also reaches the console.
// Failures are additionally recorded on the error-only stream.
func (e *Executor) Execute(c Command, captureOutput bool) *ErrorContext {
	logSink := buildLog.MainWriter()
	fmt.Fprintf(logSink, "+ %s\n", c.String())
	if captureOutput {
		cPrintf(colInfo, "%s\n", c.String())
	}

	cmd := c.build()
	if captureOutput {
		cmd.Stdout = io.MultiWriter(os.Stdout, logSink)
		cmd.Stderr = io.MultiWriter(os.Stderr, logSink)
	} else {
		cmd.Stdout = logSink
		cmd.Stderr = logSink
	}

	err := e.Run(cmd)
	if err == nil {
		return nil
	}

	ec := classifyRunError(e, c, err)
	logErrorContext(ec)
	return ec
}

// Output runs a command, returning its trimmed stdout. Used for small
// queries (blkid, losetup --find). Output is not echoed to the console.
func (e *Executor) Output(c Command) (string, *ErrorContext) {
	logSink := buildLog.MainWriter()
	fmt.Fprintf(logSink, "+ %s\n", c.String())

	var buf bytes.Buffer
	cmd := c.build()
	cmd.Stdout = &buf
	cmd.Stderr = logSink

	if err := e.Run(cmd); err != nil {
		ec := classifyRunError(e, c, err)
		logErrorContext(ec)
		return "", ec
	}
	return strings.TrimSpace(buf.String()), nil
}

// classifyRunError distinguishes non-zero exits from signal
// terminations. A cancellation observed through the context is mapped
// to UserCancelled: the process group already received SIGKILL.
func classifyRunError(e *Executor, c Command, err error) *ErrorContext {
	if e.Context != nil && e.Context.Err() != nil {
		ec := WrapError(ErrUserCancelled, err, "command aborted: %s", c.Program)
		ec.Signal = int(syscall.SIGKILL)
		return ec
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			ec := WrapError(ErrUnknown, err, "command terminated by signal: %s", c.String())
			ec.Signal = int(ws.Signal())
			return ec
		}
		ec := WrapError(ErrUnknown, err, "command failed: %s", c.String())
		ec.ExitStatus = exitErr.ExitCode()
		return ec
	}
	return WrapError(ErrUnknown, err, "failed to run %s", c.Program)
}

// ExecuteRetry retries non-zero-exit failures up to maxRetries times
// with a fixed delay. The process-wide cancellation flag is checked
// before each retry and aborts immediately without consuming one.
// Signal terminations are never retried, regardless of budget.
func (e *Executor) ExecuteRetry(c Command, captureOutput bool, maxRetries int) *ErrorContext {
	if maxRetries < 1 {
		maxRetries = 1
	}
	var last *ErrorContext
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if CancelRequested() {
			ec := Errorf(ErrUserCancelled, "build interrupted, stopping command execution")
			logErrorContext(ec)
			return ec
		}
		last = e.Execute(c, captureOutput)
		if last == nil {
			if attempt > 1 {
				logInfo("Command succeeded on attempt %d: %s", attempt, c.Program)
			}
			return nil
		}
		if last.SignalTerminated() {
			return last
		}
		if attempt < maxRetries {
			logWarn("Command failed (attempt %d/%d), retrying: %s", attempt, maxRetries, c.Program)
			time.Sleep(retryDelay)
		}
	}
	return last
}
