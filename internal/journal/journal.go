// Package journal 持久化付款与领取的生命周期记录。
//
// 付款签名在领取之前落盘，崩溃后可凭日志重放领取而不必重复付款。
package journal

import (
	"context"
	"time"
)

// 记录状态。付款与领取是两步独立操作，状态单向推进。
const (
	StatusQuoted  = "quoted"
	StatusPaid    = "paid"
	StatusClaimed = "claimed"
)

// Entry 是一条报价的完整生命周期记录。
type Entry struct {
	ID               string    `json:"id"`
	QuoteID          string    `json:"quote_id"`
	PayTo            string    `json:"pay_to"`
	AmountLamports   uint64    `json:"amount_lamports"`
	DurationMinutes  int       `json:"duration_minutes"`
	PaymentSignature string    `json:"payment_signature,omitempty"`
	Status           string    `json:"status"`
	QuoteExpiresAt   time.Time `json:"quote_expires_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Journal 是付款日志的存储接口。
type Journal interface {
	// RecordQuote 在请求到新报价后立即登记。
	RecordQuote(ctx context.Context, entry Entry) error
	// RecordPayment 在链上转账确认后、领取之前登记付款签名。
	RecordPayment(ctx context.Context, quoteID, paymentSignature string) error
	// MarkClaimed 在领取成功后收尾。
	MarkClaimed(ctx context.Context, quoteID string) error
	// PendingClaims 返回已付款但尚未领取的记录，供恢复流程重放。
	PendingClaims(ctx context.Context) ([]Entry, error)
	// Close 释放底层资源。
	Close() error
}
