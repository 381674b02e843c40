// Package settlement runs the delivery-to-payment pipeline for one event:
// decide, guard, claim the idempotency key, dispatch, confirm, and record
// every step in the audit log.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/agentscm/pkg/audit"
	"github.com/Mindburn-Labs/agentscm/pkg/delivery"
	"github.com/Mindburn-Labs/agentscm/pkg/finance"
	"github.com/Mindburn-Labs/agentscm/pkg/guardrail"
	"github.com/Mindburn-Labs/agentscm/pkg/ledger"
	"github.com/Mindburn-Labs/agentscm/pkg/observability"
	"github.com/Mindburn-Labs/agentscm/pkg/oracle"
	"github.com/Mindburn-Labs/agentscm/pkg/payments"
	"github.com/Mindburn-Labs/agentscm/pkg/sanitize"
)

// InvoiceSource supplies optional invoice context for an event.
type InvoiceSource interface {
	InvoiceFor(ev delivery.Event) *delivery.Invoice
}

// Wallets are the default payer and payee of every instruction.
type Wallets struct {
	Source      string
	Destination string
}

// DefaultWallets match the sandbox wallets provisioned for local runs.
var DefaultWallets = Wallets{Source: "WALLET_BUYER001", Destination: "WALLET_SUPPLIER001"}

// Orchestrator composes the pipeline. All state lives in the injected
// collaborators, so independent instances never share anything.
type Orchestrator struct {
	oracle   oracle.Oracle
	ledger   ledger.Ledger
	rail     payments.Dispatcher
	fx       payments.FXDesk
	invoices InvoiceSource
	wallets  Wallets
	recorder *audit.Recorder
	obs      *observability.Provider
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFXDesk enables cross-currency settlement.
func WithFXDesk(fx payments.FXDesk) Option { return func(o *Orchestrator) { o.fx = fx } }

// WithInvoices sets the invoice context source.
func WithInvoices(src InvoiceSource) Option { return func(o *Orchestrator) { o.invoices = src } }

// WithWallets sets the source and destination wallets on each instruction.
func WithWallets(w Wallets) Option { return func(o *Orchestrator) { o.wallets = w } }

// WithTelemetry records settlement outcomes on p.
func WithTelemetry(p *observability.Provider) Option { return func(o *Orchestrator) { o.obs = p } }

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// New builds an orchestrator. log receives every audit entry.
func New(orc oracle.Oracle, l ledger.Ledger, rail payments.Dispatcher, log audit.Appender, opts ...Option) (*Orchestrator, error) {
	if orc == nil || l == nil || rail == nil || log == nil {
		return nil, errors.New("settlement: oracle, ledger, dispatcher and audit log are required")
	}
	o := &Orchestrator{
		oracle:  orc,
		ledger:  l,
		rail:    rail,
		wallets: DefaultWallets,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.obs == nil {
		p, err := observability.New(context.Background(), observability.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("settlement: telemetry: %w", err)
		}
		o.obs = p
	}
	o.logger = o.logger.With("component", "settlement")
	o.recorder = audit.NewRecorder(log, o.logger, func(t audit.Type) {
		o.obs.RecordAuditFailure(context.Background(), string(t))
	})
	return o, nil
}

// OracleName reports which decision source this orchestrator uses.
func (o *Orchestrator) OracleName() string { return o.oracle.Name() }

// Process runs the pipeline for one validated event. A nil error always
// comes with one of the Status outcomes; otherwise the error is an *Error.
func (o *Orchestrator) Process(ctx context.Context, ev delivery.Event) (out Outcome, err error) {
	ctx, done := o.obs.TrackOperation(ctx, "settlement.process",
		attribute.String("oracle.name", o.oracle.Name()))
	defer func() {
		done(err)
		label := string(out.Status)
		if err != nil {
			label = "error"
		}
		o.obs.RecordOutcome(ctx, label, o.oracle.Name())
	}()

	o.record(ctx, audit.TypeEventReceived, sanitize.ForLog(map[string]any{
		"shipment_id": ev.ShipmentID,
		"event_type":  ev.EventType,
		"location":    ev.Where(),
	}))

	var inv *delivery.Invoice
	if o.invoices != nil {
		inv = o.invoices.InvoiceFor(ev)
	}

	raw, err := o.oracle.Evaluate(ctx, ev, inv)
	if err != nil {
		return Outcome{}, o.fail(ctx, ev, err)
	}
	d, err := guardrail.Validate(raw)
	if err != nil {
		return Outcome{}, o.fail(ctx, ev, err)
	}

	o.record(ctx, audit.TypeAIDecision, sanitize.ForLog(map[string]any{
		"shipment_id":     ev.ShipmentID,
		"oracle":          o.oracle.Name(),
		"release_payment": d.ReleasePayment,
		"reasoning":       d.Reasoning,
		"approved_amount": d.ApprovedAmount,
		"currency":        string(d.Currency),
		"issues_detected": strings.Join(d.IssuesDetected, "; "),
	}))

	if !d.ReleasePayment {
		o.logger.InfoContext(ctx, "payment withheld", "shipment_id", ev.ShipmentID)
		return Outcome{Status: StatusNotApproved, Reasoning: d.Reasoning}, nil
	}

	key := ledger.KeyFor(ev.ShipmentID, ev.InvoiceID)
	res, err := o.ledger.Reserve(ctx, key)
	switch {
	case errors.Is(err, ledger.ErrAlreadySettled):
		return Outcome{Status: StatusAlreadyPaid}, nil
	case errors.Is(err, ledger.ErrInFlight):
		return Outcome{Status: StatusInProgress}, nil
	case err != nil:
		return Outcome{}, o.fail(ctx, ev, err)
	}

	conf, err := o.settle(ctx, ev, inv, d, res)
	if err != nil {
		return Outcome{}, o.fail(ctx, ev, err)
	}
	o.logger.InfoContext(ctx, "payment settled", "shipment_id", ev.ShipmentID, "transaction_hash", conf.TransactionHash)
	return Outcome{Status: StatusPaid, Confirmation: conf.Map()}, nil
}

// settle runs everything after a successful reservation. The reservation
// is released on any failure before the rail returns a reference and
// committed as soon as it does.
func (o *Orchestrator) settle(ctx context.Context, ev delivery.Event, inv *delivery.Invoice, d guardrail.Decision, res ledger.Reservation) (payments.Confirmation, error) {
	in := payments.Instruction{
		SourceWallet:      o.wallets.Source,
		DestinationWallet: o.wallets.Destination,
		Asset:             d.Currency,
		Amount:            d.ApprovedAmount,
		ShipmentRef:       ev.ShipmentID,
		InvoiceRef:        ev.InvoiceID,
		Metadata:          map[string]any{"event_id": ev.ShipmentID},
	}

	if err := o.convert(ctx, ev, inv, d, &in); err != nil {
		o.release(ctx, res)
		return payments.Confirmation{}, err
	}

	submitted := map[string]any{
		"shipment_id": ev.ShipmentID,
		"asset":       string(in.Asset),
		"amount":      in.Amount,
		"source":      in.SourceWallet,
		"destination": in.DestinationWallet,
	}
	if in.InvoiceRef != "" {
		submitted["invoice_id"] = in.InvoiceRef
	}
	o.record(ctx, audit.TypePaymentSubmitted, sanitize.ForLog(submitted))

	receipt, err := o.rail.Send(ctx, in)
	if err == nil && receipt.TransactionReference == "" {
		err = &payments.DispatchError{Op: "send", Err: payments.ErrNoReference}
	}
	if err != nil {
		o.release(ctx, res)
		return payments.Confirmation{}, err
	}
	o.commit(ctx, res)

	conf, err := o.rail.Confirm(ctx, receipt.TransactionReference)
	if err != nil {
		return payments.Confirmation{}, err
	}
	o.record(ctx, audit.TypePaymentConfirmed, map[string]any{
		"shipment_id":      ev.ShipmentID,
		"transaction_hash": receipt.TransactionReference,
		"confirmation":     conf.Map(),
	})
	return conf, nil
}

// convert swaps into the invoice currency when it differs from the approved
// asset.
func (o *Orchestrator) convert(ctx context.Context, ev delivery.Event, inv *delivery.Invoice, d guardrail.Decision, in *payments.Instruction) error {
	code := ev.Currency
	if code == "" && inv != nil {
		code = inv.Currency
	}
	if code == "" {
		return nil
	}
	target, err := finance.ParseAsset(code)
	if err != nil {
		return err
	}
	if target == d.Currency {
		return nil
	}
	if o.fx == nil {
		return fmt.Errorf("Currency %s requires conversion from %s but no FX desk is configured", target, d.Currency)
	}

	q, err := o.fx.Quote(ctx, d.Currency, target, d.ApprovedAmount)
	if err != nil {
		return err
	}
	ex, err := o.fx.Accept(ctx, q.ID)
	if err != nil {
		return err
	}
	o.record(ctx, audit.TypeFXSwapExecuted, map[string]any{
		"shipment_id": ev.ShipmentID,
		"quote_id":    q.ID,
		"from_asset":  string(q.From),
		"to_asset":    string(q.To),
		"amount":      q.Amount,
		"rate":        q.Rate,
		"to_amount":   q.ToAmount,
		"status":      sanitize.LogString(ex.Status),
	})

	in.FXRequired = true
	in.FXFromAsset = d.Currency
	in.FXToAsset = target
	in.Metadata["fx_quote_id"] = q.ID
	return nil
}

// commit settles the key. Money has moved at this point, so a lost
// reservation falls back to an unconditional mark.
func (o *Orchestrator) commit(ctx context.Context, res ledger.Reservation) {
	ctx = context.WithoutCancel(ctx)
	err := o.ledger.Commit(ctx, res)
	if err == nil || errors.Is(err, ledger.ErrAlreadySettled) {
		return
	}
	o.logger.WarnContext(ctx, "ledger commit failed, marking settled", "key", string(res.Key), "error", err)
	if err := o.ledger.MarkSettled(ctx, res.Key); err != nil {
		o.logger.ErrorContext(ctx, "ledger mark settled failed", "key", string(res.Key), "error", err)
	}
}

func (o *Orchestrator) release(ctx context.Context, res ledger.Reservation) {
	ctx = context.WithoutCancel(ctx)
	if err := o.ledger.Release(ctx, res); err != nil {
		o.logger.WarnContext(ctx, "ledger release failed", "key", string(res.Key), "error", err)
	}
}

// record appends best-effort. A caller going away does not cancel audit
// writes.
func (o *Orchestrator) record(ctx context.Context, typ audit.Type, data map[string]any) {
	o.recorder.Record(context.WithoutCancel(ctx), typ, data)
}

func (o *Orchestrator) fail(ctx context.Context, ev delivery.Event, err error) error {
	redacted := sanitize.Redact(err.Error())
	o.record(ctx, audit.TypeError, map[string]any{
		"shipment_id": ev.ShipmentID,
		"error":       sanitize.LogString(redacted),
	})
	o.logger.ErrorContext(ctx, "settlement failed", "shipment_id", ev.ShipmentID, "error", redacted)
	return &Error{Public: SafeMessage(redacted), redacted: redacted, err: err}
}
