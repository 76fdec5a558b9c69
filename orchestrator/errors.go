package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies an execution failure.
type ErrorKind string

const (
	// ErrorKindConfig marks a configuration error: fatal, never retried.
	ErrorKindConfig ErrorKind = "config"

	// ErrorKindCompiler marks a compilation-class failure.
	ErrorKindCompiler ErrorKind = "compiler"

	// ErrorKindRemoteAPI marks a remote-API-class failure (rate limits,
	// unavailability).
	ErrorKindRemoteAPI ErrorKind = "remote_api"

	// ErrorKindTimeout marks an action that exceeded its per-target
	// deadline.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindGeneric is the fallback classification.
	ErrorKindGeneric ErrorKind = "generic"
)

// ExecError is a structured action failure: kind plus message. Actions that
// return it skip the log-scraping fallback entirely.
type ExecError struct {
	Kind    ErrorKind
	Message string
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewExecError creates a structured execution error.
func NewExecError(kind ErrorKind, format string, args ...any) *ExecError {
	return &ExecError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// logSignature maps a known substring in captured output to a diagnostic
// prefix. Signatures are checked in order; the first match wins so the most
// specific classes come first.
type logSignature struct {
	kind     ErrorKind
	needles  []string
	describe string
}

var logSignatures = []logSignature{
	{
		kind:     ErrorKindCompiler,
		needles:  []string{"CompilerError", "compiler run failed", "Stack too deep", "solc exited"},
		describe: "compilation failed",
	},
	{
		kind:     ErrorKindRemoteAPI,
		needles:  []string{"rate limit", "429", "503", "connection refused", "connection reset", "i/o timeout", "context deadline exceeded"},
		describe: "remote API unavailable",
	},
}

// extractLogLine returns the last line of the log containing the needle,
// trimmed, so the diagnostic carries the original error text.
func extractLogLine(log, needle string) string {
	var match string
	for line := range strings.Lines(log) {
		if strings.Contains(line, needle) {
			match = strings.TrimSpace(line)
		}
	}

	return match
}

// classifyFailure produces the most specific diagnostic string available for
// a failed invocation: a structured ExecError message if the action returned
// one, otherwise the first known signature found in the captured log,
// otherwise the exit code.
func classifyFailure(err error, res ExecResult) string {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Error()
	}

	for _, sig := range logSignatures {
		for _, needle := range sig.needles {
			if strings.Contains(res.Log, needle) {
				if line := extractLogLine(res.Log, needle); line != "" {
					return fmt.Sprintf("%s: %s", sig.describe, line)
				}

				return sig.describe
			}
		}
	}

	if res.ExitCode != 0 {
		return fmt.Sprintf("failed with exit code %d", res.ExitCode)
	}

	if err != nil {
		return err.Error()
	}

	return "failed with unknown error"
}
