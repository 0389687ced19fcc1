package issuance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	xerrors "AgentPay-Chain/internal/errors"
)

const (
	defaultTimeout = 30 * time.Second

	// maxQuoteDurationMinutes 是协议允许的最长有效期（30 天）。
	maxQuoteDurationMinutes = 43200
)

// Config 描述访问发钥服务所需的信息。
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client 通过 HTTP 调用发钥服务的报价与领取端点。
// 所有调用都施加客户端超时；超时与传输错误按 TRANSIENT 上报。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Pricing 是公开的定价信息。
type Pricing struct {
	Currency           string `json:"currency"`
	LamportsPerMinute  uint64 `json:"lamports_per_minute"`
	PayTo              string `json:"pay_to"`
	MaxDurationMinutes int    `json:"max_duration_minutes"`
}

// Quote 是一次有时限、单次使用的发钥报价。
type Quote struct {
	ID              string    `json:"id"`
	AmountLamports  uint64    `json:"amount_lamports"`
	PayTo           string    `json:"pay_to"`
	Payer           string    `json:"payer,omitempty"`
	DurationMinutes int       `json:"duration_minutes"`
	Scopes          []string  `json:"scopes,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// QuoteRequest 描述请求报价的参数。
type QuoteRequest struct {
	DurationMinutes int      `json:"duration_minutes"`
	Name            string   `json:"name,omitempty"`
	Scopes          []string `json:"scopes,omitempty"`
	PayerAddress    string   `json:"payer,omitempty"`
}

// ClaimRequest 描述凭支付签名领取 API Key 的参数。
type ClaimRequest struct {
	QuoteID          string   `json:"quote_id"`
	PaymentSignature string   `json:"payment_signature"`
	PayerAddress     string   `json:"payer,omitempty"`
	Name             string   `json:"name,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
}

// IssuedKey 是领取成功后返回的凭证。
type IssuedKey struct {
	APIKey    string    `json:"apiKey"`
	ExpiresAt time.Time `json:"expires_at"`
}

// issuerError 是发钥服务的错误响应体。
type issuerError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

// NewClient 根据配置创建发钥服务客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("未提供发钥服务地址")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// GetPricing 读取当前定价与收款地址，无需鉴权，也不改变本地状态。
func (c *Client) GetPricing(ctx context.Context) (*Pricing, error) {
	var pricing Pricing
	if err := c.do(ctx, http.MethodGet, "/v1/keys/pricing", nil, &pricing); err != nil {
		return nil, err
	}
	return &pricing, nil
}

// RequestQuote 请求一个新的报价。时长必须是正整数且不超过协议上限。
// payer 地址原样透传，本地不会代填。
func (c *Client) RequestQuote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if req.DurationMinutes <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "时长必须是正整数分钟数",
			xerrors.WithMetadata("duration_minutes", fmt.Sprintf("%d", req.DurationMinutes)))
	}
	if req.DurationMinutes > maxQuoteDurationMinutes {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "时长超出协议上限",
			xerrors.WithMetadata("duration_minutes", fmt.Sprintf("%d", req.DurationMinutes)),
			xerrors.WithNextStep(fmt.Sprintf("最长 %d 分钟（30 天）", maxQuoteDurationMinutes)),
		)
	}
	if req.PayerAddress != "" {
		decoded, err := base58.Decode(req.PayerAddress)
		if err != nil || len(decoded) != 32 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "payer 不是合法的 base58 地址",
				xerrors.WithMetadata("payer", req.PayerAddress))
		}
	}

	var quote Quote
	if err := c.do(ctx, http.MethodPost, "/v1/keys/quote", req, &quote); err != nil {
		return nil, err
	}
	if quote.ID == "" || quote.PayTo == "" || quote.AmountLamports == 0 {
		return nil, xerrors.New(xerrors.CodeTransient, "发钥服务返回的报价不完整")
	}
	return &quote, nil
}

// ClaimKey 提交支付证明并领取 API Key。调用前支付交易必须已在
// 链上确认；本客户端不做链上校验，只负责映射服务端结论。
func (c *Client) ClaimKey(ctx context.Context, req ClaimRequest) (*IssuedKey, error) {
	if strings.TrimSpace(req.QuoteID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "quote_id 不能为空")
	}
	if strings.TrimSpace(req.PaymentSignature) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "payment_signature 不能为空")
	}

	var issued IssuedKey
	if err := c.do(ctx, http.MethodPost, "/v1/keys/claim", req, &issued); err != nil {
		return nil, err
	}
	if issued.APIKey == "" {
		return nil, xerrors.New(xerrors.CodeTransient, "发钥服务未返回 API Key")
	}
	return &issued, nil
}

// do 执行一次 HTTP 调用并把非 2xx 响应映射为统一错误。
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("构建请求失败: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransient, err, "请求发钥服务失败",
			xerrors.WithNextStep("网络异常，可用相同参数安全重试"))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return c.mapError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return xerrors.Wrap(xerrors.CodeTransient, err, "解析发钥服务响应失败")
		}
	}
	return nil
}

// mapError 把发钥服务的错误响应归类为协议错误码。
func (c *Client) mapError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	var issuerErr issuerError
	_ = json.Unmarshal(raw, &issuerErr)
	detail := strings.TrimSpace(issuerErr.Message)
	if detail == "" {
		detail = strings.TrimSpace(string(raw))
	}

	switch {
	case resp.StatusCode == http.StatusPaymentRequired,
		strings.EqualFold(issuerErr.Code, "payment_unverified"):
		return xerrors.New(xerrors.CodePaymentUnverified, detail,
			xerrors.WithNextStep("等待链上确认后，凭同一签名重试领取，无需重新付款"),
		)
	case resp.StatusCode == http.StatusGone,
		strings.EqualFold(issuerErr.Code, "quote_expired"):
		return xerrors.New(xerrors.CodeQuoteExpired, detail,
			xerrors.WithNextStep("报价已失效，请求新的报价后重新支付"),
		)
	case resp.StatusCode >= http.StatusInternalServerError:
		return xerrors.New(xerrors.CodeTransient, detail,
			xerrors.WithNextStep("服务端暂时不可用，可用相同参数重试"),
		)
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, detail,
			xerrors.WithMetadata("status", resp.Status))
	}
}
