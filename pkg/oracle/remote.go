package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/agentscm/pkg/delivery"
	"github.com/Mindburn-Labs/agentscm/pkg/sanitize"
)

// DefaultRemoteTimeout bounds a single model call.
const DefaultRemoteTimeout = 30 * time.Second

// Model is a text-generation backend.
type Model interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// RemoteOracle asks a language model for the decision. The call is bounded by
// a fixed timeout that fails the evaluation rather than letting it hang, even
// if the backend ignores context cancellation.
type RemoteOracle struct {
	model   Model
	timeout time.Duration
	logger  *slog.Logger
}

// RemoteOption configures a RemoteOracle.
type RemoteOption func(*RemoteOracle)

// WithTimeout overrides DefaultRemoteTimeout.
func WithTimeout(d time.Duration) RemoteOption {
	return func(o *RemoteOracle) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RemoteOption {
	return func(o *RemoteOracle) { o.logger = l }
}

// NewRemoteOracle wraps model.
func NewRemoteOracle(model Model, opts ...RemoteOption) *RemoteOracle {
	o := &RemoteOracle{
		model:   model,
		timeout: DefaultRemoteTimeout,
		logger:  slog.Default().With("component", "oracle"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *RemoteOracle) Name() string { return o.model.Name() }

type generation struct {
	text string
	err  error
}

// Evaluate builds the prompt, calls the model under the timeout and returns
// the unfenced JSON. No retry happens here; a failed evaluation is fatal for
// this event.
func (o *RemoteOracle) Evaluate(ctx context.Context, ev delivery.Event, inv *delivery.Invoice) (RawDecision, error) {
	prompt, err := BuildPrompt(ev, inv)
	if err != nil {
		return nil, &Error{Oracle: o.Name(), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	done := make(chan generation, 1)
	go func() {
		text, err := o.model.Generate(ctx, prompt)
		done <- generation{text: text, err: err}
	}()

	var gen generation
	select {
	case gen = <-done:
	case <-ctx.Done():
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		return nil, &Error{Oracle: o.Name(), Timeout: timedOut, Err: fmt.Errorf("no response after %s", o.timeout)}
	}

	if gen.err != nil {
		safe := errors.New(sanitize.Redact(gen.err.Error()))
		timedOut := errors.Is(gen.err, context.DeadlineExceeded)
		o.logger.WarnContext(ctx, "model call failed", "model", o.Name(), "error", safe, "timeout", timedOut)
		return nil, &Error{Oracle: o.Name(), Timeout: timedOut, Err: safe}
	}

	clean := StripFences(gen.text)
	if !json.Valid([]byte(clean)) {
		return nil, &Error{Oracle: o.Name(), Err: errors.New("model response is not valid JSON")}
	}
	return RawDecision(clean), nil
}
