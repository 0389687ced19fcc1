package chain

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"AgentPay-Chain/internal/custody"
	xerrors "AgentPay-Chain/internal/errors"
)

// maxSafeLamports 与上游调用方的安全整数范围保持一致（2^53-1）。
const maxSafeLamports = uint64(1)<<53 - 1

// TransferReceipt 汇总一次转账的结果。
type TransferReceipt struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	From      string `json:"from"`
	To        string `json:"to"`
	Lamports  uint64 `json:"lamports"`
}

// Transfer 构建并签名一笔单指令转账，提交后等待链上确认。
// 金额校验发生在任何网络调用之前。
func (c *Client) Transfer(ctx context.Context, wallet custody.Signer, to string, lamports uint64) (*TransferReceipt, error) {
	if lamports == 0 || lamports > maxSafeLamports {
		return nil, xerrors.New(xerrors.CodeInvalidAmount, "",
			xerrors.WithMetadata("lamports", fmt.Sprintf("%d", lamports)),
			xerrors.WithNextStep("金额必须是大于 0 且不超过 2^53-1 的整数 lamports"),
		)
	}
	recipient, err := solana.PublicKeyFromBase58(strings.TrimSpace(to))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "收款地址不是合法的 base58 公钥",
			xerrors.WithMetadata("address", to))
	}

	blockhashCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	latest, err := c.rpc.GetLatestBlockhash(blockhashCtx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransient, err, "获取最新 blockhash 失败",
			xerrors.WithNextStep("确认 RPC 节点可达后重试"))
	}

	payer := wallet.PublicKey()
	instruction := system.NewTransferInstruction(lamports, payer, recipient).Build()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{instruction},
		latest.Value.Blockhash,
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "构建转账交易失败")
	}

	if _, err := wallet.SignTransaction(tx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignerMismatch, err, "签名转账交易失败",
			xerrors.WithMetadata("signer", payer.String()))
	}

	sendCtx, cancelSend := context.WithTimeout(ctx, c.timeout)
	defer cancelSend()
	signature, err := c.rpc.SendTransactionWithOpts(sendCtx, tx, rpc.TransactionOpts{
		SkipPreflight:       c.skipPreflight,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if stdErrors.As(err, &rpcErr) {
			// 节点明确拒绝（余额不足、模拟失败等）。
			return nil, xerrors.Wrap(xerrors.CodeTransferRejected, err, "节点拒绝了转账交易",
				xerrors.WithMetadata("chain_error", rpcErr.Message),
				xerrors.WithNextStep("检查付款账户余额与参数后重新发起转账"),
			)
		}
		return nil, xerrors.Wrap(xerrors.CodeTransient, err, "提交转账交易失败",
			xerrors.WithNextStep("网络异常，可安全重试"))
	}

	slot, err := c.waitForConfirmation(ctx, signature)
	if err != nil {
		return nil, err
	}

	receipt := &TransferReceipt{
		Signature: signature.String(),
		Slot:      slot,
		From:      payer.String(),
		To:        recipient.String(),
		Lamports:  lamports,
	}
	c.log.Info("transfer confirmed", "signature", receipt.Signature, "lamports", lamports)
	return receipt, nil
}

// waitForConfirmation 轮询签名状态直至 finalized、链上报错或超时。
func (c *Client) waitForConfirmation(ctx context.Context, signature solana.Signature) (uint64, error) {
	deadline := time.NewTimer(c.confirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, xerrors.Wrap(xerrors.CodeTransient, ctx.Err(), "等待确认被取消",
				xerrors.WithMetadata("signature", signature.String()))
		case <-deadline.C:
			return 0, xerrors.New(xerrors.CodeTransient, "等待链上确认超时",
				xerrors.WithMetadata("signature", signature.String()),
				xerrors.WithNextStep("交易可能仍在处理，可稍后凭签名查询状态，无需重复付款"),
			)
		case <-ticker.C:
		}

		statusCtx, cancel := context.WithTimeout(ctx, c.timeout)
		statuses, err := c.rpc.GetSignatureStatuses(statusCtx, true, signature)
		cancel()
		if err != nil {
			c.log.Debug("signature status poll failed", "err", err)
			continue
		}
		if statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
			continue
		}
		status := statuses.Value[0]
		if status.Err != nil {
			return 0, xerrors.New(xerrors.CodeTransferRejected, "交易在链上执行失败",
				xerrors.WithMetadata("signature", signature.String()),
				xerrors.WithMetadata("chain_error", fmt.Sprintf("%v", status.Err)),
				xerrors.WithNextStep("检查余额与参数后重新发起转账"),
			)
		}
		if status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
			return status.Slot, nil
		}
	}
}
