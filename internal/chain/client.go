package chain

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/pkg/logger"
)

// rpcAPI 是签名管线依赖的节点接口子集，便于在测试中替换为假实现。
type rpcAPI interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// Config describes how to construct a chain client.
type Config struct {
	Endpoint       string
	Timeout        time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	SkipPreflight  bool
}

// Client wraps the RPC node used for balances, blockhashes, transaction
// submission and confirmation polling.
type Client struct {
	rpc            rpcAPI
	timeout        time.Duration
	confirmTimeout time.Duration
	pollInterval   time.Duration
	skipPreflight  bool
	log            *slog.Logger
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use
// client. An empty endpoint falls back to the public mainnet node.
func NewClient(cfg Config) *Client {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = rpc.MainNetBeta_RPC
	}
	return newClient(rpc.New(endpoint), cfg)
}

func newClient(api rpcAPI, cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = 90 * time.Second
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Client{
		rpc:            api,
		timeout:        timeout,
		confirmTimeout: confirmTimeout,
		pollInterval:   poll,
		skipPreflight:  cfg.SkipPreflight,
		log:            logger.Named("chain"),
	}
}

// Balance 查询地址的余额（以最小单位 lamports 计）。
func (c *Client) Balance(ctx context.Context, address string) (uint64, error) {
	pub, err := solana.PublicKeyFromBase58(strings.TrimSpace(address))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "地址不是合法的 base58 公钥",
			xerrors.WithMetadata("address", address))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	result, err := c.rpc.GetBalance(callCtx, pub, rpc.CommitmentFinalized)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeTransient, err, "查询余额失败",
			xerrors.WithNextStep("检查 RPC 节点配置后重试"))
	}
	return result.Value, nil
}
