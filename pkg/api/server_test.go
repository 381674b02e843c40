package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentscm/pkg/audit"
	"github.com/Mindburn-Labs/agentscm/pkg/delivery"
	"github.com/Mindburn-Labs/agentscm/pkg/ledger"
	"github.com/Mindburn-Labs/agentscm/pkg/oracle"
	"github.com/Mindburn-Labs/agentscm/pkg/payments"
	"github.com/Mindburn-Labs/agentscm/pkg/settlement"
	"github.com/Mindburn-Labs/agentscm/pkg/stream"
)

type fixture struct {
	log     *audit.FileLog
	rail    *payments.SimulatedRail
	handler http.Handler
	server  *Server
}

func newFixture(t *testing.T, settler Settler, hubOpts []stream.Option, opts ...Option) *fixture {
	t.Helper()
	log, err := audit.Open(filepath.Join(t.TempDir(), "events.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	f := &fixture{log: log, rail: payments.NewSimulatedRail("")}
	if settler == nil {
		o, err := oracle.NewRuleBasedOracle()
		require.NoError(t, err)
		settler, err = settlement.New(o, ledger.NewMemoryLedger(), f.rail, log)
		require.NoError(t, err)
	}
	f.server, err = NewServer(settler, log, stream.NewHub(log, hubOpts...), opts...)
	require.NoError(t, err)
	f.handler = f.server.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const deliveredBody = `{"shipment_id":"SHP-001","event_type":"CargoDelivered","delivery_location":"Rotterdam","temperature_ok":true,"invoice_amount":1200}`

func TestPostEvent_PaidThenAlreadyPaid(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodPost, "/events", deliveredBody, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "paid", body["status"])
	conf, ok := body["confirmation"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, conf["transaction_hash"])

	rec = f.do(t, http.MethodPost, "/events", deliveredBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "already-paid"}, decodeBody(t, rec))
	assert.Len(t, f.rail.Sent(), 1)
}

func TestPostEvent_NotApproved(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := f.do(t, http.MethodPost, "/events",
		`{"shipment_id":"SHP-002","event_type":"CargoDelivered","temperature_ok":false}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "not-approved", body["status"])
	assert.Contains(t, body["reasoning"], "Temperature excursion")
}

func TestPostEvent_ValidationErrors(t *testing.T) {
	f := newFixture(t, nil, nil)

	cases := map[string]struct {
		body  string
		field string
	}{
		"bad shipment id": {`{"shipment_id":"bad id!","event_type":"CargoDelivered"}`, "shipment_id"},
		"unknown field":   {`{"shipment_id":"S1","event_type":"CargoDelivered","admin":true}`, "admin"},
		"wrong type":      {`{"shipment_id":"S1","event_type":"CargoDelivered","invoice_amount":"lots"}`, "invoice_amount"},
		"malformed":       {`{"shipment_id":`, "_body"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/events", tc.body, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, "Invalid event payload", body["error"])
			details, ok := body["details"].(map[string]any)
			require.True(t, ok, rec.Body.String())
			assert.Contains(t, details, tc.field)
		})
	}
	assert.Empty(t, f.rail.Sent())
}

func TestPostEvent_BodyLimit(t *testing.T) {
	f := newFixture(t, nil, nil)
	big := `{"shipment_id":"S1","event_type":"CargoDelivered","proof_payload":"` + strings.Repeat("x", MaxBodyBytes) + `"}`
	rec := f.do(t, http.MethodPost, "/events", big, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

type stubSettler struct {
	calls atomic.Int32
	out   settlement.Outcome
	err   error
}

func (s *stubSettler) Process(context.Context, delivery.Event) (settlement.Outcome, error) {
	s.calls.Add(1)
	return s.out, s.err
}

func TestPostEvent_ErrorMapping(t *testing.T) {
	cases := map[string]struct {
		err  error
		want string
	}{
		"business": {&settlement.Error{Public: "AI decision rejected: approved_amount out of range"}, "AI decision rejected: approved_amount out of range"},
		"internal": {errors.New("dial tcp 10.0.0.7:443: refused"), settlement.GenericFailure},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, &stubSettler{err: tc.err}, nil)
			rec := f.do(t, http.MethodPost, "/events", deliveredBody, nil)
			require.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Equal(t, map[string]any{"error": tc.want}, decodeBody(t, rec))
		})
	}
}

func TestPostEvent_InProgressIsConflict(t *testing.T) {
	f := newFixture(t, &stubSettler{out: settlement.Outcome{Status: settlement.StatusInProgress}}, nil)
	rec := f.do(t, http.MethodPost, "/events", deliveredBody, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, map[string]any{"status": "in-progress"}, decodeBody(t, rec))
}

func TestPostEvent_IdempotencyKeyReplays(t *testing.T) {
	s := &stubSettler{out: settlement.Outcome{Status: settlement.StatusPaid, Confirmation: map[string]any{"transaction_hash": "0xabc"}}}
	f := newFixture(t, s, nil, WithReplayStore(NewMemoryReplayStore(time.Minute)))

	hdr := map[string]string{"Idempotency-Key": "req-1"}
	first := f.do(t, http.MethodPost, "/events", deliveredBody, hdr)
	second := f.do(t, http.MethodPost, "/events", deliveredBody, hdr)

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.EqualValues(t, 1, s.calls.Load())

	f.do(t, http.MethodPost, "/events", deliveredBody, map[string]string{"Idempotency-Key": "req-2"})
	assert.EqualValues(t, 2, s.calls.Load())
}

func TestGuard_APIKey(t *testing.T) {
	f := newFixture(t, nil, nil, WithGuard(NewGuard("s3cret-key", "", "")))

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/events", deliveredBody, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/logs", "", map[string]string{"X-API-Key": "wrong"}).Code)

	rec := f.do(t, http.MethodPost, "/events", deliveredBody, map[string]string{"X-API-Key": "s3cret-key"})
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "", nil).Code, "health stays public")
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/shipments", "", nil).Code, "shipments stay public")
}

func TestGuard_BearerToken(t *testing.T) {
	g := NewGuard("", "jwt-secret-for-tests", "agentscm")
	f := newFixture(t, nil, nil, WithGuard(g))

	token, err := g.IssueToken(Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "dashboard",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	require.NoError(t, err)
	rec := f.do(t, http.MethodGet, "/logs", "", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, rec.Code)

	expired, err := g.IssueToken(Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "dashboard",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}})
	require.NoError(t, err)
	rec = f.do(t, http.MethodGet, "/logs", "", map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other := NewGuard("", "a-different-secret", "agentscm")
	forged, err := other.IssueToken(Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "dashboard",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	require.NoError(t, err)
	rec = f.do(t, http.MethodGet, "/logs", "", map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, &stubSettler{out: settlement.Outcome{Status: settlement.StatusNotApproved}}, nil, WithRateLimits(2, 0))

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/events", deliveredBody, nil).Code)
	}
	rec := f.do(t, http.MethodPost, "/events", deliveredBody, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "Too many requests, please slow down", decodeBody(t, rec)["error"])

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/logs", "", nil).Code, "budgets are per route group")
}

func TestLogsAndPayments(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodGet, "/logs", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/events", deliveredBody, nil).Code)

	var logs []audit.Entry
	rec = f.do(t, http.MethodGet, "/logs", "", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	types := make([]audit.Type, len(logs))
	for i, e := range logs {
		types[i] = e.Type
	}
	assert.Equal(t, []audit.Type{audit.TypeEventReceived, audit.TypeAIDecision, audit.TypePaymentSubmitted, audit.TypePaymentConfirmed}, types)

	var pays []audit.Entry
	rec = f.do(t, http.MethodGet, "/payments", "", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pays))
	require.Len(t, pays, 2)
	assert.Equal(t, audit.TypePaymentSubmitted, pays[0].Type)
	assert.Equal(t, audit.TypePaymentConfirmed, pays[1].Type)
}

func TestShipments(t *testing.T) {
	cat, err := delivery.NewCatalog([]delivery.Shipment{{ShipmentID: "SHP-001", Status: "in_transit"}})
	require.NoError(t, err)
	f := newFixture(t, nil, nil, WithShipments(cat))

	rec := f.do(t, http.MethodGet, "/shipments", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"shipment_id":"SHP-001","status":"in_transit"}]`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "rule-based", body["oracle"])
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := f.do(t, http.MethodGet, "/settings", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, map[string]any{"error": "Not found"}, decodeBody(t, rec))
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	f := newFixture(t, nil, nil, WithOrigin("https://dash.example"))

	rec := f.do(t, http.MethodOptions, "/events", "", map[string]string{"Origin": "https://dash.example"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")

	rec = f.do(t, http.MethodGet, "/health", "", map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func openStream(t *testing.T, ctx context.Context, url string) (*http.Response, *bufio.Reader) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/logs/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp, bufio.NewReader(resp.Body)
}

func nextData(t *testing.T, r *bufio.Reader) audit.Entry {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var e audit.Entry
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(data)), &e))
			return e
		}
	}
}

func TestStream_ReplaysThenTails(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.log.Append(context.Background(), audit.TypeEventReceived, map[string]any{"shipment_id": "A"})
	require.NoError(t, err)

	srv := httptest.NewServer(f.handler)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, r := openStream(t, ctx, srv.URL)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	first := nextData(t, r)
	assert.Equal(t, "A", first.Data["shipment_id"])

	_, err = f.log.Append(context.Background(), audit.TypeError, map[string]any{"shipment_id": "B"})
	require.NoError(t, err)
	second := nextData(t, r)
	assert.Equal(t, audit.TypeError, second.Type)
	assert.Equal(t, "B", second.Data["shipment_id"])
}

func TestStream_Heartbeat(t *testing.T) {
	f := newFixture(t, nil, []stream.Option{stream.WithHeartbeat(20 * time.Millisecond)})
	srv := httptest.NewServer(f.handler)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, r := openStream(t, ctx, srv.URL)
	defer resp.Body.Close()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": heartbeat\n", line)
}

func TestStream_CapacityIs503(t *testing.T) {
	f := newFixture(t, nil, []stream.Option{stream.WithMaxSubscribers(1)})
	srv := httptest.NewServer(f.handler)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, _ := openStream(t, ctx, srv.URL)
	defer first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second, _ := openStream(t, ctx, srv.URL)
	defer second.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, second.StatusCode)
}

func TestStream_ShutdownEndsStreams(t *testing.T) {
	f := newFixture(t, nil, nil)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, r := openStream(t, ctx, srv.URL)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.server.closeStreams()
	_, err := r.ReadString('\n')
	assert.Error(t, err, "stream closes on shutdown")
}
