package audit

import (
	"context"
	"log/slog"
)

// Appender is the write side of a log.
type Appender interface {
	Append(ctx context.Context, typ Type, data map[string]any) (Entry, error)
}

// Recorder makes appends best-effort: a failed write is logged and the
// caller carries on. Settlement correctness never depends on the audit
// write succeeding.
type Recorder struct {
	log    Appender
	logger *slog.Logger
	onFail func(Type)
}

// NewRecorder wraps log. onFail, if non-nil, is called for every failed
// append (used for metrics).
func NewRecorder(log Appender, logger *slog.Logger, onFail func(Type)) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{log: log, logger: logger.With("component", "audit"), onFail: onFail}
}

// Record appends and reports whether the write succeeded.
func (r *Recorder) Record(ctx context.Context, typ Type, data map[string]any) (Entry, bool) {
	e, err := r.log.Append(ctx, typ, data)
	if err != nil {
		r.logger.ErrorContext(ctx, "audit append failed", "type", string(typ), "error", err)
		if r.onFail != nil {
			r.onFail(typ)
		}
		return Entry{}, false
	}
	return e, true
}
