package observability

import (
	"log/slog"
)

// ErrorReport carries structured metadata about an internally handled failure.
type ErrorReport struct {
	Endpoint      string
	OperationType string
	Metadata      map[string]any
}

// ErrorReporter is the sink for errors that are swallowed rather than
// surfaced to the end user. Implementations must never block the caller
// for long and must never panic.
type ErrorReporter interface {
	Report(err error, report ErrorReport)
}

// SlogReporter reports errors to a structured logger.
type SlogReporter struct {
	logger *slog.Logger
}

// NewSlogReporter creates an ErrorReporter backed by slog.
func NewSlogReporter(logger *slog.Logger) *SlogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogReporter{logger: logger}
}

// Report implements ErrorReporter.
func (r *SlogReporter) Report(err error, report ErrorReport) {
	if err == nil {
		return
	}
	attrs := []any{
		"error", err.Error(),
		"endpoint", report.Endpoint,
		"operation_type", report.OperationType,
	}
	for k, v := range report.Metadata {
		attrs = append(attrs, k, v)
	}
	r.logger.Error("internal error reported", attrs...)
}

// NopReporter discards all reports. Useful in tests.
type NopReporter struct{}

// Report implements ErrorReporter.
func (NopReporter) Report(error, ErrorReport) {}
