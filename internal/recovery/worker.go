package recovery

import (
	"context"
	"log/slog"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/issuance"
	"AgentPay-Chain/internal/journal"
	"AgentPay-Chain/pkg/logger"
)

// Claimer 是恢复流程对发钥协议的最小依赖。
type Claimer interface {
	Claim(ctx context.Context, req issuance.ClaimRequest) (*issuance.IssuedKey, error)
}

// Worker 在启动时扫描付款日志，把已付款未领取的报价投入队列，
// 然后持续消费队列重放领取。
type Worker struct {
	journal journal.Journal
	claimer Claimer
	queue   Queue
	workers int
	log     *slog.Logger
}

// NewWorker 创建恢复工作组。
func NewWorker(jnl journal.Journal, claimer Claimer, queue Queue, workers int) *Worker {
	if workers <= 0 {
		workers = 1
	}
	return &Worker{
		journal: jnl,
		claimer: claimer,
		queue:   queue,
		workers: workers,
		log:     logger.Named("recovery"),
	}
}

// Seed 把日志中已付款未领取的报价全部投入队列。
func (w *Worker) Seed(ctx context.Context) error {
	pending, err := w.journal.PendingClaims(ctx)
	if err != nil {
		return err
	}
	for _, entry := range pending {
		if err := w.queue.Publish(ctx, entry.QuoteID); err != nil {
			return err
		}
		w.log.Info("待领取报价入队", "quote_id", entry.QuoteID, "signature", entry.PaymentSignature)
	}
	return nil
}

// Enqueue 在一次领取失败后把报价重新投入队列。投递失败只记日志，
// 不向调用方冒泡，下次启动时 Seed 仍会兜底。
func (w *Worker) Enqueue(ctx context.Context, quoteID string) {
	if err := w.queue.Publish(ctx, quoteID); err != nil {
		w.log.Warn("投递恢复队列失败", "quote_id", quoteID, "error", err)
	}
}

// Run 阻塞消费队列直到上下文取消。
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Seed(ctx); err != nil {
		w.log.Warn("扫描待领取报价失败", "error", err)
	}
	return w.queue.Consume(ctx, w.workers, w.replay)
}

// replay 重放指定报价的领取。终态错误（报价过期等）不再重试。
func (w *Worker) replay(ctx context.Context, quoteID string) error {
	pending, err := w.journal.PendingClaims(ctx)
	if err != nil {
		return err
	}
	var entry *journal.Entry
	for i := range pending {
		if pending[i].QuoteID == quoteID {
			entry = &pending[i]
			break
		}
	}
	if entry == nil {
		// 已领取或无付款记录，无事可做。
		return nil
	}

	_, err = w.claimer.Claim(ctx, issuance.ClaimRequest{
		QuoteID:          entry.QuoteID,
		PaymentSignature: entry.PaymentSignature,
	})
	if err == nil {
		w.log.Info("重放领取成功", "quote_id", quoteID)
		return nil
	}

	switch xerrors.CodeOf(err) {
	case xerrors.CodeQuoteExpired:
		w.log.Warn("报价已失效，放弃重放", "quote_id", quoteID, "error", err)
		return nil
	case xerrors.CodePaymentUnverified, xerrors.CodeTransient, xerrors.CodeStoreUnavailable:
		w.log.Info("领取未就绪，等待重试", "quote_id", quoteID, "error", err)
		return err
	default:
		w.log.Error("重放领取失败", "quote_id", quoteID, "error", err)
		return nil
	}
}
