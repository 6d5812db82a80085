package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/tillsync/internal/syncerr"
)

// Process exit codes. Success exits 0.
const (
	// ExitFailure: the operation ran and failed (rejected mutation, failed
	// session, failing scenario).
	ExitFailure = 1
	// ExitCommandError: the command could not run (arguments, database,
	// configuration).
	ExitCommandError = 2
)

// ExitError carries the process exit code for a command error.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError returns an ExitError caused by err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the code of the first ExitError in err's chain, or
// ExitFailure.
func GetExitCode(err error) int {
	if exitErr := (*ExitError)(nil); errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes command results as text or as a JSON CLIResponse.
// Verbose diagnostics go to ErrWriter so they never mix with JSON on
// Writer.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command result.
type CLIResponse struct {
	Status string    `json:"status"` // ok | error
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error half of a CLIResponse. Code is a syncerr code or
// an E_* command code.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (f *OutputFormatter) json() bool { return f.Format == "json" }

// Success writes data.
func (f *OutputFormatter) Success(data any) error {
	if !f.json() {
		_, err := fmt.Fprintln(f.Writer, data)
		return err
	}
	return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
}

// Fail writes err under its syncerr code (E_FAILED when it has none) and
// returns it wrapped as an ExitFailure.
func (f *OutputFormatter) Fail(message string, err error) error {
	cliErr := &CLIError{
		Code:    string(syncerr.CodeOf(err)),
		Message: fmt.Sprintf("%s: %v", message, err),
	}
	if cliErr.Code == "" {
		cliErr.Code = "E_FAILED"
	}
	var se *syncerr.Error
	if errors.As(err, &se) {
		cliErr.Details = map[string]string{"op": se.Op, "key": se.Key}
	}
	if outErr := f.writeError(cliErr); outErr != nil {
		return outErr
	}
	return WrapExitError(ExitFailure, message, err)
}

func (f *OutputFormatter) writeError(e *CLIError) error {
	if f.json() {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "error", Error: e})
	}
	if _, err := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", e.Code, e.Message); err != nil {
		return err
	}
	if f.Verbose && e.Details != nil {
		_, err := fmt.Fprintf(f.Writer, "Details: %v\n", e.Details)
		return err
	}
	return nil
}

// Verbosef writes a diagnostic line when Verbose is set.
func (f *OutputFormatter) Verbosef(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
