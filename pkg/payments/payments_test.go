package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentscm/pkg/finance"
)

func sampleInstruction() Instruction {
	return Instruction{
		SourceWallet:      "WALLET_BUYER001",
		DestinationWallet: "WALLET_SUPPLIER001",
		Asset:             finance.AssetUSDC,
		Amount:            5000,
		ShipmentRef:       "S1",
		Metadata:          map[string]any{"event_id": "S1", "b": 2, "a": 1},
	}
}

func fastRail(t *testing.T, srv *httptest.Server) *HTTPRail {
	t.Helper()
	r := NewHTTPRail(HTTPConfig{BaseURL: srv.URL, ExplorerURL: srv.URL + "/explorer", APIKey: "circle-key", Client: srv.Client()})
	r.client.baseDelay = time.Millisecond
	return r
}

func TestInstruction_DigestIsStable(t *testing.T) {
	a, err := sampleInstruction().Digest()
	require.NoError(t, err)
	b, err := sampleInstruction().Digest()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	other := sampleInstruction()
	other.Amount = 5001
	c, err := other.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestHTTPRail_SendUsesDigestAsIdempotencyKey(t *testing.T) {
	in := sampleInstruction()
	want, err := in.Digest()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments", r.URL.Path)
		assert.Equal(t, want, r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer circle-key", r.Header.Get("Authorization"))
		var body sendRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "WALLET_BUYER001", body.SourceWalletID)
		assert.Equal(t, finance.AssetUSDC, body.Asset)
		_, _ = w.Write([]byte(`{"data":{"transaction_hash":"0xabc"}}`))
	}))
	defer srv.Close()

	rec, err := fastRail(t, srv).Send(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", rec.TransactionReference)
}

func TestHTTPRail_RetriesServerErrorsWithSameBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body sendRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 5000.0, body.Amount)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"transaction_hash":"0xretry"}`))
	}))
	defer srv.Close()

	rec, err := fastRail(t, srv).Send(context.Background(), sampleInstruction())
	require.NoError(t, err)
	assert.Equal(t, "0xretry", rec.TransactionReference)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPRail_MissingReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"queued"}`))
	}))
	defer srv.Close()

	_, err := fastRail(t, srv).Send(context.Background(), sampleInstruction())
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "send", de.Op)
	assert.ErrorIs(t, err, ErrNoReference)
}

func TestHTTPRail_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := fastRail(t, srv).Send(context.Background(), sampleInstruction())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPRail_Confirm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/explorer/tx/0xabc", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"confirmed","details":{"block":42}}`))
	}))
	defer srv.Close()

	c, err := fastRail(t, srv).Confirm(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "confirmed", c.Status)
	assert.Equal(t, "0xabc", c.TransactionHash)
	assert.Equal(t, srv.URL+"/explorer/tx/0xabc", c.ExplorerURL)
	assert.Equal(t, float64(42), c.Map()["details"].(map[string]any)["block"])
}

func TestCircuitBreaker_OpensAndProbes(t *testing.T) {
	cb := newCircuitBreaker("test", 2, 20*time.Millisecond)
	assert.True(t, cb.Allow())
	cb.Failure()
	assert.True(t, cb.Allow())
	cb.Failure()
	assert.False(t, cb.Allow())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, cb.Allow(), "half-open probe")
	cb.Failure()
	assert.False(t, cb.Allow(), "failed probe reopens")

	time.Sleep(30 * time.Millisecond)
	assert.True(t, cb.Allow())
	cb.Success()
	assert.True(t, cb.Allow())
}

func TestRetryingClient_OpenBreakerShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := fastRail(t, srv)
	r.client.maxRetries = 0
	r.client.breaker = newCircuitBreaker("test", 1, time.Hour)

	_, err := r.Send(context.Background(), sampleInstruction())
	require.Error(t, err)
	_, err = r.Send(context.Background(), sampleInstruction())
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPFXDesk_QuoteAndAccept(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rfq":
			var req rfqRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, finance.AssetUSDC, req.FromAsset)
			_, _ = w.Write([]byte(`{"quote_id":"q-1","rate":0.9,"to_amount":90}`))
		case "/accept":
			_, _ = w.Write([]byte(`{"status":"executed","trade_id":"t-1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	d := NewHTTPFXDesk(srv.URL+"/", "fx-key", srv.Client())
	q, err := d.Quote(context.Background(), finance.AssetUSDC, finance.AssetEURC, 100)
	require.NoError(t, err)
	assert.Equal(t, "q-1", q.ID)
	assert.Equal(t, finance.AssetEURC, q.To)
	assert.False(t, q.ExpiresAt.IsZero())

	ex, err := d.Accept(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, "q-1", ex.QuoteID)
	assert.Equal(t, "executed", ex.Status)
}
