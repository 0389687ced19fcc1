package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"AgentPay-Chain/internal/custody"
	xerrors "AgentPay-Chain/internal/errors"
)

// SwapBuilder 根据兑换参数向外部服务请求未签名交易。
type SwapBuilder interface {
	BuildSwap(ctx context.Context, req SwapBuildRequest) (*SwapBuildResult, error)
}

// Broadcaster 将签名后的交易交给外部广播服务。
type Broadcaster interface {
	Broadcast(ctx context.Context, signedBase64 string) (string, error)
}

// SwapBuildRequest 描述一次兑换的构建参数。
type SwapBuildRequest struct {
	FromMint        string  `json:"from"`
	ToMint          string  `json:"to"`
	Amount          uint64  `json:"amount"`
	SlippagePercent float64 `json:"slippage"`
	Payer           string  `json:"payer"`
	PriorityFee     *uint64 `json:"priority_fee,omitempty"`
}

// SwapBuildResult 是构建服务返回的未签名交易与费率元数据。
type SwapBuildResult struct {
	Transaction string          `json:"transaction"`
	Meta        json.RawMessage `json:"meta,omitempty"`
}

// SwapReceipt 汇总一次兑换的广播结果与构建阶段的元数据。
type SwapReceipt struct {
	Signature string          `json:"signature"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// SignAndSend 反序列化 base64 编码的未签名交易，用指定钱包签名后
// 重新序列化并交给广播方。交易的签名者集合不含该钱包时失败。
func (c *Client) SignAndSend(ctx context.Context, wallet custody.Signer, unsignedBase64 string, broadcaster Broadcaster) (*SwapReceipt, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(unsignedBase64))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "交易不是合法的 base64 数据")
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "反序列化交易失败")
	}

	payer := wallet.PublicKey()
	if !tx.Message.IsSigner(payer) {
		return nil, xerrors.New(xerrors.CodeSignerMismatch, "",
			xerrors.WithMetadata("signer", payer.String()),
			xerrors.WithNextStep("用构建交易时指定的付款地址对应的钱包签名"),
		)
	}
	if _, err := wallet.SignTransaction(tx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignerMismatch, err, "签名交易失败",
			xerrors.WithMetadata("signer", payer.String()))
	}

	signed, err := tx.MarshalBinary()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "序列化已签名交易失败")
	}

	broadcastCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	signature, err := broadcaster.Broadcast(broadcastCtx, base64.StdEncoding.EncodeToString(signed))
	if err != nil {
		return nil, err
	}
	c.log.Info("swap transaction broadcast", "signature", signature)
	return &SwapReceipt{Signature: signature}, nil
}

// Swap 先调用构建服务生成未签名交易，再签名并广播，
// 并把构建阶段返回的费率元数据透传给调用方。
func (c *Client) Swap(ctx context.Context, wallet custody.Signer, builder SwapBuilder, broadcaster Broadcaster, req SwapBuildRequest) (*SwapReceipt, error) {
	if req.Payer == "" {
		req.Payer = wallet.Address()
	}
	build, err := builder.BuildSwap(ctx, req)
	if err != nil {
		return nil, err
	}
	receipt, err := c.SignAndSend(ctx, wallet, build.Transaction, broadcaster)
	if err != nil {
		return nil, err
	}
	receipt.Meta = build.Meta
	return receipt, nil
}
