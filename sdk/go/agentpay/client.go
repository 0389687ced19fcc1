package agentpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the agentpayd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// WalletInfo reports the daemon's signing address.
type WalletInfo struct {
	Address string `json:"address"`
}

// BalanceInfo reports an address balance in lamports.
type BalanceInfo struct {
	Address  string `json:"address"`
	Lamports uint64 `json:"lamports"`
}

// CredentialStatus mirrors the daemon's credential status payload.
type CredentialStatus struct {
	Provenance   string     `json:"provenance"`
	MaskedKey    string     `json:"masked_key,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
	StoreWarning string     `json:"store_warning,omitempty"`
}

// Pricing is the issuer's published rate card.
type Pricing struct {
	Currency           string `json:"currency"`
	LamportsPerMinute  uint64 `json:"lamports_per_minute"`
	PayTo              string `json:"pay_to"`
	MaxDurationMinutes int    `json:"max_duration_minutes"`
}

// Quote is a time-limited issuance offer.
type Quote struct {
	ID              string    `json:"id"`
	AmountLamports  uint64    `json:"amount_lamports"`
	PayTo           string    `json:"pay_to"`
	Payer           string    `json:"payer,omitempty"`
	DurationMinutes int       `json:"duration_minutes"`
	Scopes          []string  `json:"scopes,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// QuoteRequest asks the issuer for a new quote.
type QuoteRequest struct {
	DurationMinutes int      `json:"duration_minutes"`
	Name            string   `json:"name,omitempty"`
	Scopes          []string `json:"scopes,omitempty"`
	PayerAddress    string   `json:"payer,omitempty"`
}

// PaymentResult is the receipt returned after paying a quote.
type PaymentResult struct {
	QuoteID          string `json:"quote_id"`
	PaymentSignature string `json:"payment_signature"`
	Slot             uint64 `json:"slot"`
	AmountLamports   uint64 `json:"amount_lamports"`
	PayTo            string `json:"pay_to"`
}

// ClaimRequest redeems a paid quote for an API key.
type ClaimRequest struct {
	QuoteID          string `json:"quote_id"`
	PaymentSignature string `json:"payment_signature"`
	PayerAddress     string `json:"payer,omitempty"`
}

// ClaimResult reports a successful claim. The key itself stays inside the
// daemon; only a masked preview is returned.
type ClaimResult struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"active"`
}

// TransferRequest moves lamports from the daemon wallet.
type TransferRequest struct {
	To       string `json:"to"`
	Lamports uint64 `json:"lamports"`
}

// TransferReceipt is the confirmed transfer result.
type TransferReceipt struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	From      string `json:"from"`
	To        string `json:"to"`
	Lamports  uint64 `json:"lamports"`
}

// PriceResult reports a token price lookup.
type PriceResult struct {
	Mint     string  `json:"mint"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency,omitempty"`
}

// SwapRequest asks the daemon to build, sign and broadcast a swap.
type SwapRequest struct {
	FromMint        string  `json:"from"`
	ToMint          string  `json:"to"`
	Amount          uint64  `json:"amount"`
	SlippagePercent float64 `json:"slippage"`
	PriorityFee     *uint64 `json:"priority_fee,omitempty"`
}

// SwapReceipt is the broadcast swap result.
type SwapReceipt struct {
	Signature string          `json:"signature"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
	NextStep   string `json:"next_step,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentpay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentpay api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the agentpayd API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// Wallet returns the daemon's signing address.
func (c *Client) Wallet(ctx context.Context) (WalletInfo, error) {
	var info WalletInfo
	if err := c.get(ctx, "/api/v1/wallet", &info); err != nil {
		return WalletInfo{}, err
	}
	return info, nil
}

// CreateWallet asks the daemon to generate a fresh keypair. Fails if one
// already exists.
func (c *Client) CreateWallet(ctx context.Context) (WalletInfo, error) {
	var info WalletInfo
	if err := c.post(ctx, "/api/v1/wallet", nil, &info); err != nil {
		return WalletInfo{}, err
	}
	return info, nil
}

// Balance fetches the wallet balance in lamports.
func (c *Client) Balance(ctx context.Context) (BalanceInfo, error) {
	var info BalanceInfo
	if err := c.get(ctx, "/api/v1/wallet/balance", &info); err != nil {
		return BalanceInfo{}, err
	}
	return info, nil
}

// Credential reports the provenance and masked preview of the active key.
func (c *Client) Credential(ctx context.Context) (CredentialStatus, error) {
	var status CredentialStatus
	if err := c.get(ctx, "/api/v1/credential", &status); err != nil {
		return CredentialStatus{}, err
	}
	return status, nil
}

// SetCredential installs an API key as the active credential.
func (c *Client) SetCredential(ctx context.Context, apiKey string) (CredentialStatus, error) {
	payload := map[string]string{"apiKey": apiKey}
	var status CredentialStatus
	if err := c.post(ctx, "/api/v1/credential", payload, &status); err != nil {
		return CredentialStatus{}, err
	}
	return status, nil
}

// Pricing fetches the issuer rate card.
func (c *Client) Pricing(ctx context.Context) (Pricing, error) {
	var pricing Pricing
	if err := c.get(ctx, "/api/v1/issuance/pricing", &pricing); err != nil {
		return Pricing{}, err
	}
	return pricing, nil
}

// RequestQuote asks the issuer for a quote via the daemon.
func (c *Client) RequestQuote(ctx context.Context, req QuoteRequest) (Quote, error) {
	var quote Quote
	if err := c.post(ctx, "/api/v1/issuance/quote", req, &quote); err != nil {
		return Quote{}, err
	}
	return quote, nil
}

// PayQuote settles a quote on-chain and returns the payment receipt.
func (c *Client) PayQuote(ctx context.Context, quote Quote) (PaymentResult, error) {
	var result PaymentResult
	if err := c.post(ctx, "/api/v1/issuance/pay", quote, &result); err != nil {
		return PaymentResult{}, err
	}
	return result, nil
}

// Claim redeems a paid quote. Safe to retry with the same signature.
func (c *Client) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	var result ClaimResult
	if err := c.post(ctx, "/api/v1/issuance/claim", req, &result); err != nil {
		return ClaimResult{}, err
	}
	return result, nil
}

// Transfer moves lamports from the daemon wallet and waits for confirmation.
func (c *Client) Transfer(ctx context.Context, req TransferRequest) (TransferReceipt, error) {
	var receipt TransferReceipt
	if err := c.post(ctx, "/api/v1/transfer", req, &receipt); err != nil {
		return TransferReceipt{}, err
	}
	return receipt, nil
}

// Price looks up a token price through the daemon's market credential.
func (c *Client) Price(ctx context.Context, mint string) (PriceResult, error) {
	var result PriceResult
	if err := c.get(ctx, "/api/v1/price?mint="+url.QueryEscape(mint), &result); err != nil {
		return PriceResult{}, err
	}
	return result, nil
}

// Swap builds, signs and broadcasts a token swap through the daemon.
func (c *Client) Swap(ctx context.Context, req SwapRequest) (SwapReceipt, error) {
	var receipt SwapReceipt
	if err := c.post(ctx, "/api/v1/swap", req, &receipt); err != nil {
		return SwapReceipt{}, err
	}
	return receipt, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(body)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel.Path = path.Join(c.baseURL.Path, rel.Path)
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
