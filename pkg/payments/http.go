package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mindburn-Labs/agentscm/pkg/finance"
)

const maxResponseBytes = 1 << 20

// HTTPConfig locates a payment rail and its explorer.
type HTTPConfig struct {
	// BaseURL of the payments API; Send posts to BaseURL + "/v1/payments".
	BaseURL string
	// ExplorerURL of the chain explorer; Confirm gets ExplorerURL + "/tx/{ref}".
	ExplorerURL string
	APIKey      string
	// PaymasterConfig is passed through for gas sponsorship, if set.
	PaymasterConfig string
	Client          *http.Client
}

// HTTPRail is a Dispatcher for a Circle-style payments API.
type HTTPRail struct {
	cfg    HTTPConfig
	client *retryingClient
}

// NewHTTPRail creates a rail client.
func NewHTTPRail(cfg HTTPConfig) *HTTPRail {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.ExplorerURL = strings.TrimRight(cfg.ExplorerURL, "/")
	return &HTTPRail{cfg: cfg, client: newRetryingClient("payment-rail", cfg.Client)}
}

type sendRequest struct {
	SourceWalletID      string         `json:"sourceWalletId"`
	DestinationWalletID string         `json:"destinationWalletId"`
	Asset               finance.Asset  `json:"asset"`
	Amount              float64        `json:"amount"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	PaymasterConfig     string         `json:"paymasterConfig,omitempty"`
}

// sendResponse accepts the reference at the top level or under "data".
type sendResponse struct {
	TransactionHash string `json:"transaction_hash"`
	Data            struct {
		TransactionHash string `json:"transaction_hash"`
	} `json:"data"`
}

// Send posts the instruction with its digest as Idempotency-Key, so a retry
// after a lost response cannot create a second transfer.
func (r *HTTPRail) Send(ctx context.Context, in Instruction) (Receipt, error) {
	key, err := in.Digest()
	if err != nil {
		return Receipt{}, &DispatchError{Op: "send", Err: err}
	}
	var out sendResponse
	err = r.do(ctx, http.MethodPost, r.cfg.BaseURL+"/v1/payments", key, sendRequest{
		SourceWalletID:      in.SourceWallet,
		DestinationWalletID: in.DestinationWallet,
		Asset:               in.Asset,
		Amount:              in.Amount,
		Metadata:            in.Metadata,
		PaymasterConfig:     r.cfg.PaymasterConfig,
	}, &out)
	if err != nil {
		return Receipt{}, &DispatchError{Op: "send", Err: err}
	}
	ref := out.TransactionHash
	if ref == "" {
		ref = out.Data.TransactionHash
	}
	if ref == "" {
		return Receipt{}, &DispatchError{Op: "send", Err: ErrNoReference}
	}
	return Receipt{TransactionReference: ref}, nil
}

// Confirm looks the transaction up on the explorer.
func (r *HTTPRail) Confirm(ctx context.Context, reference string) (Confirmation, error) {
	explorer := r.cfg.ExplorerURL + "/tx/" + url.PathEscape(reference)
	var out Confirmation
	if err := r.do(ctx, http.MethodGet, explorer, "", nil, &out); err != nil {
		return Confirmation{}, &DispatchError{Op: "confirm", Err: err}
	}
	if out.TransactionHash == "" {
		out.TransactionHash = reference
	}
	if out.ExplorerURL == "" {
		out.ExplorerURL = explorer
	}
	if out.Status == "" {
		out.Status = "confirmed"
	}
	return out, nil
}

func (r *HTTPRail) do(ctx context.Context, method, target, idemKey string, body, out any) error {
	return doJSON(ctx, r.client, method, target, r.cfg.APIKey, idemKey, body, out)
}

func doJSON(ctx context.Context, c *retryingClient, method, target, apiKey, idemKey string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// HTTPFXDesk is an FXDesk for an RFQ-style FX service.
type HTTPFXDesk struct {
	endpoint string
	apiKey   string
	client   *retryingClient
}

// NewHTTPFXDesk creates an FX client rooted at endpoint.
func NewHTTPFXDesk(endpoint, apiKey string, client *http.Client) *HTTPFXDesk {
	return &HTTPFXDesk{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   newRetryingClient("fx-desk", client),
	}
}

type rfqRequest struct {
	FromAsset finance.Asset `json:"fromAsset"`
	ToAsset   finance.Asset `json:"toAsset"`
	Amount    float64       `json:"amount"`
}

func (d *HTTPFXDesk) Quote(ctx context.Context, from, to finance.Asset, amount float64) (Quote, error) {
	var q Quote
	if err := doJSON(ctx, d.client, http.MethodPost, d.endpoint+"/rfq", d.apiKey, "", rfqRequest{from, to, amount}, &q); err != nil {
		return Quote{}, &DispatchError{Op: "fx quote", Err: err}
	}
	if q.ID == "" {
		return Quote{}, &DispatchError{Op: "fx quote", Err: fmt.Errorf("quote response missing quote_id")}
	}
	if q.From == "" {
		q.From, q.To, q.Amount = from, to, amount
	}
	if q.ExpiresAt.IsZero() {
		q.ExpiresAt = time.Now().Add(time.Minute)
	}
	return q, nil
}

func (d *HTTPFXDesk) Accept(ctx context.Context, quoteID string) (Execution, error) {
	var ex Execution
	body := map[string]string{"quoteId": quoteID}
	if err := doJSON(ctx, d.client, http.MethodPost, d.endpoint+"/accept", d.apiKey, "", body, &ex); err != nil {
		return Execution{}, &DispatchError{Op: "fx accept", Err: err}
	}
	if ex.QuoteID == "" {
		ex.QuoteID = quoteID
	}
	if ex.Status == "" {
		ex.Status = "accepted"
	}
	return ex, nil
}
