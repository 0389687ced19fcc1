package issuance

import (
	"context"
	"time"

	"AgentPay-Chain/internal/chain"
	"AgentPay-Chain/internal/credential"
	"AgentPay-Chain/internal/custody"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/journal"
	"AgentPay-Chain/pkg/logger"
)

// Transferrer 是付款步骤对链客户端的最小依赖。
type Transferrer interface {
	Transfer(ctx context.Context, wallet custody.Signer, to string, lamports uint64) (*chain.TransferReceipt, error)
}

// Protocol 串联报价、付款与领取三步。付款与领取是两次独立调用，
// 付款签名先写日志再领取，崩溃后可凭日志重放领取。
type Protocol struct {
	client   *Client
	chain    Transferrer
	journal  journal.Journal
	resolver *credential.Resolver
}

// PaymentResult 是 PayQuote 成功后的回执。
type PaymentResult struct {
	QuoteID          string `json:"quote_id"`
	PaymentSignature string `json:"payment_signature"`
	Slot             uint64 `json:"slot"`
	AmountLamports   uint64 `json:"amount_lamports"`
	PayTo            string `json:"pay_to"`
}

// NewProtocol 组装发钥协议。
func NewProtocol(client *Client, chainClient Transferrer, jnl journal.Journal, resolver *credential.Resolver) *Protocol {
	return &Protocol{
		client:   client,
		chain:    chainClient,
		journal:  jnl,
		resolver: resolver,
	}
}

// Pricing 透传定价查询。
func (p *Protocol) Pricing(ctx context.Context) (*Pricing, error) {
	return p.client.GetPricing(ctx)
}

// RequestQuote 请求报价并登记到付款日志。
func (p *Protocol) RequestQuote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	quote, err := p.client.RequestQuote(ctx, req)
	if err != nil {
		return nil, err
	}

	entry := journal.Entry{
		QuoteID:         quote.ID,
		PayTo:           quote.PayTo,
		AmountLamports:  quote.AmountLamports,
		DurationMinutes: quote.DurationMinutes,
		QuoteExpiresAt:  quote.ExpiresAt,
	}
	if err := p.journal.RecordQuote(ctx, entry); err != nil {
		// 报价本身有效，日志失败只降级为告警，不阻断用户付款。
		logger.L().Warn("登记报价失败", "quote_id", quote.ID, "error", err)
	}
	return quote, nil
}

// PayQuote 按报价金额向收款地址转账，并在返回前把付款签名写入日志。
// 过期报价与 payer 锁定不匹配的报价在发起任何链上调用前就被拒绝。
func (p *Protocol) PayQuote(ctx context.Context, wallet custody.Signer, quote *Quote) (*PaymentResult, error) {
	if quote == nil || quote.ID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "报价不能为空")
	}
	if !quote.ExpiresAt.IsZero() && time.Now().After(quote.ExpiresAt) {
		return nil, xerrors.New(xerrors.CodeQuoteExpired, "报价已过期",
			xerrors.WithMetadata("quote_id", quote.ID),
			xerrors.WithNextStep("请求新的报价后重新支付"),
		)
	}
	if quote.Payer != "" && quote.Payer != wallet.Address() {
		return nil, xerrors.New(xerrors.CodeSignerMismatch, "报价锁定的 payer 与本地钱包不一致",
			xerrors.WithMetadata("quote_payer", quote.Payer),
			xerrors.WithMetadata("wallet", wallet.Address()),
		)
	}

	receipt, err := p.chain.Transfer(ctx, wallet, quote.PayTo, quote.AmountLamports)
	if err != nil {
		return nil, err
	}

	signature := receipt.Signature
	if err := p.journal.RecordPayment(ctx, quote.ID, signature); err != nil {
		// 付款已在链上确认，日志失败不能让调用方误以为需要重付。
		logger.L().Error("记录付款签名失败", "quote_id", quote.ID, "signature", signature, "error", err)
	}
	logger.Audit().Info("支付报价",
		"quote_id", quote.ID,
		"pay_to", quote.PayTo,
		"amount_lamports", quote.AmountLamports,
		"signature", signature,
	)

	return &PaymentResult{
		QuoteID:          quote.ID,
		PaymentSignature: signature,
		Slot:             receipt.Slot,
		AmountLamports:   quote.AmountLamports,
		PayTo:            quote.PayTo,
	}, nil
}

// Claim 凭付款签名领取 API Key，领到后立即作为当前凭证生效。
// 领取失败不影响已落盘的付款记录，可安全重试。
func (p *Protocol) Claim(ctx context.Context, req ClaimRequest) (*IssuedKey, error) {
	issued, err := p.client.ClaimKey(ctx, req)
	if err != nil {
		return nil, err
	}

	if _, err := p.resolver.SetActive(issued.APIKey, credential.ProvenanceIssuance); err != nil {
		return nil, err
	}
	if err := p.journal.MarkClaimed(ctx, req.QuoteID); err != nil {
		logger.L().Warn("标记领取完成失败", "quote_id", req.QuoteID, "error", err)
	}
	logger.Audit().Info("领取凭证",
		"quote_id", req.QuoteID,
		"key", credential.Mask(issued.APIKey),
		"expires_at", issued.ExpiresAt,
	)
	return issued, nil
}
