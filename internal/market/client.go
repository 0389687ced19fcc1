// Package market 封装对行情/兑换服务的已鉴权访问。
// 每次请求实时解析当前凭证并放入 x-api-key 头。
package market

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

	"AgentPay-Chain/internal/chain"
	"AgentPay-Chain/internal/credential"
	xerrors "AgentPay-Chain/internal/errors"
)

const defaultTimeout = 30 * time.Second

// Config 描述行情服务的访问参数。
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client 访问行情与兑换端点。实现 chain.SwapBuilder 与
// chain.Broadcaster，供签名管线组装完整的兑换流程。
type Client struct {
	baseURL    string
	resolver   *credential.Resolver
	httpClient *http.Client
}

// PriceResult 是一次价格查询的结果。
type PriceResult struct {
	Mint     string  `json:"mint"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency,omitempty"`
}

// marketError 是行情服务的错误响应体。
type marketError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

// NewClient 创建行情服务客户端。
func NewClient(cfg Config, resolver *credential.Resolver) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供行情服务地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		resolver: resolver,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Price 查询代币价格。
func (c *Client) Price(ctx context.Context, mint string) (*PriceResult, error) {
	mint = strings.TrimSpace(mint)
	if mint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "mint 不能为空")
	}

	var result PriceResult
	path := "/v1/price?mint=" + url.QueryEscape(mint)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	if result.Mint == "" {
		result.Mint = mint
	}
	return &result, nil
}

// BuildSwap 请求行情服务构建未签名的兑换交易。
func (c *Client) BuildSwap(ctx context.Context, req chain.SwapBuildRequest) (*chain.SwapBuildResult, error) {
	var result chain.SwapBuildResult
	if err := c.do(ctx, http.MethodPost, "/v1/swap", req, &result); err != nil {
		return nil, err
	}
	if result.Transaction == "" {
		return nil, xerrors.New(xerrors.CodeTransient, "行情服务未返回待签名交易")
	}
	return &result, nil
}

// Broadcast 提交签名后的交易并返回链上签名。
func (c *Client) Broadcast(ctx context.Context, signedBase64 string) (string, error) {
	payload := map[string]string{"transaction": signedBase64}
	var result struct {
		Signature string `json:"signature"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/swap/send", payload, &result); err != nil {
		return "", err
	}
	if result.Signature == "" {
		return "", xerrors.New(xerrors.CodeTransient, "行情服务未返回交易签名")
	}
	return result.Signature, nil
}

// do 解析凭证、执行请求并映射错误。没有可用凭证时直接失败，
// 不发起网络调用。
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	cred, err := c.resolver.Active()
	if err != nil {
		return err
	}

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
	httpReq.Header.Set("x-api-key", cred.APIKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransient, err, "请求行情服务失败",
			xerrors.WithNextStep("网络异常，可稍后重试"))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return c.mapError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return xerrors.Wrap(xerrors.CodeTransient, err, "解析行情服务响应失败")
		}
	}
	return nil
}

// mapError 把行情服务的错误响应归类为协议错误码。
func (c *Client) mapError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	var marketErr marketError
	_ = json.Unmarshal(raw, &marketErr)
	detail := strings.TrimSpace(marketErr.Message)
	if detail == "" {
		detail = strings.TrimSpace(string(raw))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return xerrors.New(xerrors.CodeUnauthorized, detail,
			xerrors.WithNextStep("当前凭证已被服务端拒绝，重新领取或设置新的 API Key"),
		)
	case resp.StatusCode >= http.StatusInternalServerError:
		return xerrors.New(xerrors.CodeTransient, detail,
			xerrors.WithNextStep("服务端暂时不可用，可稍后重试"),
		)
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, detail,
			xerrors.WithMetadata("status", resp.Status))
	}
}

var (
	_ chain.SwapBuilder = (*Client)(nil)
	_ chain.Broadcaster = (*Client)(nil)
)
