// Package delivery runs one push attempt against a token shard and hands
// back the diagnostics the attempt produced.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/mattstrayer/bulkpush/internal/diaglog"
)

// ErrBinaryNotFound is returned when the pusher binary cannot be started.
var ErrBinaryNotFound = errors.New("pusher binary not found")

// ErrPusherFailed is returned when the binary exits non-zero without
// reporting any invalid token.
var ErrPusherFailed = errors.New("pusher failed")

// Credentials identify the app towards the push gateway.
type Credentials struct {
	CertFile   string
	Passphrase string
	Sandbox    bool
}

// Request describes a single delivery attempt.
type Request struct {
	Content   string
	TokenFile string
	LogFile   string
	Credentials
}

// Deliverer pushes Content to every token in TokenFile and returns the raw
// diagnostic text of the attempt.
type Deliverer interface {
	Deliver(ctx context.Context, req Request) (string, error)
}

// Invoker delivers by running the native pusher binary.
type Invoker struct {
	Binary string
	log    *slog.Logger
}

// NewInvoker ...
func NewInvoker(binary string, log *slog.Logger) *Invoker {
	if log == nil {
		log = slog.Default()
	}
	return &Invoker{Binary: binary, log: log}
}

// Args builds the argument vector for req, binary first.
func (inv *Invoker) Args(req Request) []string {
	args := []string{
		inv.Binary,
		"-T", req.TokenFile,
		"-o", req.LogFile,
		"-c", req.CertFile,
		"-P", req.Passphrase,
		"-m", req.Content,
		"-v",
	}
	if req.Sandbox {
		args = append(args, "-d")
	}
	return args
}

// Deliver runs the binary to completion and returns its standard error.
// A non-zero exit is tolerated as long as the diagnostics report invalid
// tokens. The process is not tied to ctx and always runs until it exits.
func (inv *Invoker) Deliver(_ context.Context, req Request) (string, error) {
	if err := EnsureLogDir(req.LogFile); err != nil {
		return "", err
	}

	args := inv.Args(req)
	cmd := exec.Command(args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	t := time.Now()
	err := cmd.Run()
	duration := time.Since(t)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		if !diaglog.HasDiagnostics(diaglog.Lines(stderr.String())) {
			inv.log.Error("Pusher failed", "shard", req.TokenFile, "code", exitErr.ExitCode(), "stderr", stderr.String())
			return stderr.String(), fmt.Errorf("%w: %s exited with code %d", ErrPusherFailed, req.TokenFile, exitErr.ExitCode())
		}
		inv.log.Warn("Pusher exited with error", "shard", req.TokenFile, "code", exitErr.ExitCode(), "duration", duration)
	default:
		return "", fmt.Errorf("%w: %s: %v", ErrBinaryNotFound, inv.Binary, err)
	}
	inv.log.Debug("Pusher finished", "shard", req.TokenFile, "duration", duration, "stderr_bytes", stderr.Len())
	return stderr.String(), nil
}

// EnsureLogDir creates the directory of logFile if it does not exist.
func EnsureLogDir(logFile string) error {
	dir := filepath.Dir(logFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir %s: %w", dir, err)
	}
	return nil
}

var _ Deliverer = (*Invoker)(nil)
