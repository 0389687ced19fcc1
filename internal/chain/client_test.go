package chain

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	xerrors "AgentPay-Chain/internal/errors"
)

// fakeRPC 统计调用次数并返回预置结果。
type fakeRPC struct {
	calls int

	balance uint64

	blockhashErr error
	sendErr      error
	sentSig      solana.Signature
	statusErr    interface{}
	statusDone   bool
}

func (f *fakeRPC) GetBalance(_ context.Context, _ solana.PublicKey, _ rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	f.calls++
	return &rpc.GetBalanceResult{Value: f.balance}, nil
}

func (f *fakeRPC) GetLatestBlockhash(_ context.Context, _ rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	f.calls++
	if f.blockhashErr != nil {
		return nil, f.blockhashErr
	}
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{
			Blockhash:            solana.Hash{1, 2, 3},
			LastValidBlockHeight: 100,
		},
	}, nil
}

func (f *fakeRPC) SendTransactionWithOpts(_ context.Context, _ *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	f.calls++
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	return f.sentSig, nil
}

func (f *fakeRPC) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.calls++
	status := &rpc.SignatureStatusesResult{Slot: 42}
	if f.statusErr != nil {
		status.Err = f.statusErr
	}
	if f.statusDone {
		status.ConfirmationStatus = rpc.ConfirmationStatusFinalized
	}
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{status}}, nil
}

// testWallet 用真实密钥实现签名接口。
type testWallet struct {
	priv solana.PrivateKey
}

func newTestWallet() testWallet {
	return testWallet{priv: solana.NewWallet().PrivateKey}
}

func (w testWallet) PublicKey() solana.PublicKey { return w.priv.PublicKey() }
func (w testWallet) Address() string             { return w.priv.PublicKey().String() }
func (w testWallet) SignTransaction(tx *solana.Transaction) ([]solana.Signature, error) {
	pub := w.priv.PublicKey()
	return tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(pub) {
			return &w.priv
		}
		return nil
	})
}

func fastClient(api rpcAPI) *Client {
	return newClient(api, Config{
		Timeout:        time.Second,
		ConfirmTimeout: 2 * time.Second,
		PollInterval:   time.Millisecond,
	})
}

func TestTransferRejectsInvalidAmountBeforeNetwork(t *testing.T) {
	fake := &fakeRPC{}
	client := fastClient(fake)
	wallet := newTestWallet()
	recipient := solana.NewWallet().PublicKey().String()

	for _, lamports := range []uint64{0, maxSafeLamports + 1} {
		_, err := client.Transfer(context.Background(), wallet, recipient, lamports)
		if xerrors.CodeOf(err) != xerrors.CodeInvalidAmount {
			t.Fatalf("金额 %d 期望 INVALID_AMOUNT，得到 %v", lamports, err)
		}
	}
	if fake.calls != 0 {
		t.Fatalf("金额校验失败后不应有任何 RPC 调用，实际 %d 次", fake.calls)
	}
}

func TestTransferRejectsMalformedRecipient(t *testing.T) {
	fake := &fakeRPC{}
	client := fastClient(fake)

	_, err := client.Transfer(context.Background(), newTestWallet(), "not-an-address", 1000)
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("期望 INVALID_ARGUMENT，得到 %v", err)
	}
	if fake.calls != 0 {
		t.Fatal("地址校验失败后不应有任何 RPC 调用")
	}
}

func TestTransferConfirmed(t *testing.T) {
	fake := &fakeRPC{sentSig: solana.Signature{9, 9}, statusDone: true}
	client := fastClient(fake)
	wallet := newTestWallet()
	recipient := solana.NewWallet().PublicKey()

	receipt, err := client.Transfer(context.Background(), wallet, recipient.String(), 5000)
	if err != nil {
		t.Fatalf("转账失败: %v", err)
	}
	if receipt.Signature != fake.sentSig.String() {
		t.Fatalf("unexpected signature %q", receipt.Signature)
	}
	if receipt.Slot != 42 {
		t.Fatalf("unexpected slot %d", receipt.Slot)
	}
	if receipt.From != wallet.Address() || receipt.To != recipient.String() || receipt.Lamports != 5000 {
		t.Fatalf("回执应记录转账参数: %+v", receipt)
	}
}

func TestTransferMapsNodeRejection(t *testing.T) {
	fake := &fakeRPC{sendErr: &jsonrpc.RPCError{Code: -32002, Message: "insufficient funds"}}
	client := fastClient(fake)

	_, err := client.Transfer(context.Background(), newTestWallet(), solana.NewWallet().PublicKey().String(), 1000)
	if xerrors.CodeOf(err) != xerrors.CodeTransferRejected {
		t.Fatalf("期望 TRANSFER_REJECTED，得到 %v", err)
	}
	xerr, _ := xerrors.From(err)
	if xerr.Metadata()["chain_error"] != "insufficient funds" {
		t.Fatalf("节点错误信息应保留: %v", xerr.Metadata())
	}
}

func TestTransferMapsNetworkFailureToTransient(t *testing.T) {
	fake := &fakeRPC{sendErr: errors.New("connection reset")}
	client := fastClient(fake)

	_, err := client.Transfer(context.Background(), newTestWallet(), solana.NewWallet().PublicKey().String(), 1000)
	if xerrors.CodeOf(err) != xerrors.CodeTransient {
		t.Fatalf("期望 TRANSIENT，得到 %v", err)
	}
}

func TestTransferOnChainFailure(t *testing.T) {
	fake := &fakeRPC{statusErr: map[string]any{"InstructionError": []any{0, "Custom"}}}
	client := fastClient(fake)

	_, err := client.Transfer(context.Background(), newTestWallet(), solana.NewWallet().PublicKey().String(), 1000)
	if xerrors.CodeOf(err) != xerrors.CodeTransferRejected {
		t.Fatalf("期望 TRANSFER_REJECTED，得到 %v", err)
	}
}

func TestBalance(t *testing.T) {
	fake := &fakeRPC{balance: 123456}
	client := fastClient(fake)

	lamports, err := client.Balance(context.Background(), solana.NewWallet().PublicKey().String())
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}
	if lamports != 123456 {
		t.Fatalf("unexpected balance %d", lamports)
	}

	if _, err := client.Balance(context.Background(), "bogus"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("期望 INVALID_ARGUMENT，得到 %v", err)
	}
}

// buildUnsignedTransfer 构造一笔以 payer 为签名者的未签名转账交易。
func buildUnsignedTransfer(t *testing.T, payer solana.PublicKey) string {
	t.Helper()
	instruction := system.NewTransferInstruction(1000, payer, solana.NewWallet().PublicKey()).Build()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{instruction},
		solana.Hash{7, 7},
		solana.TransactionPayer(payer),
	)
	if err != nil {
		t.Fatalf("构建交易失败: %v", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("序列化交易失败: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

type stubBroadcaster struct {
	calls int
	sig   string
	last  string
}

func (s *stubBroadcaster) Broadcast(_ context.Context, signedBase64 string) (string, error) {
	s.calls++
	s.last = signedBase64
	return s.sig, nil
}

func TestSignAndSendRejectsForeignSigner(t *testing.T) {
	client := fastClient(&fakeRPC{})
	wallet := newTestWallet()
	broadcaster := &stubBroadcaster{sig: "sig"}

	// 交易的付款人是另一个钱包。
	unsigned := buildUnsignedTransfer(t, solana.NewWallet().PublicKey())

	_, err := client.SignAndSend(context.Background(), wallet, unsigned, broadcaster)
	if xerrors.CodeOf(err) != xerrors.CodeSignerMismatch {
		t.Fatalf("期望 SIGNER_MISMATCH，得到 %v", err)
	}
	if broadcaster.calls != 0 {
		t.Fatal("签名者不匹配时不应广播")
	}
}

func TestSignAndSendRejectsMalformedTransaction(t *testing.T) {
	client := fastClient(&fakeRPC{})
	broadcaster := &stubBroadcaster{}

	if _, err := client.SignAndSend(context.Background(), newTestWallet(), "!!!", broadcaster); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("期望 INVALID_ARGUMENT，得到 %v", err)
	}
	if _, err := client.SignAndSend(context.Background(), newTestWallet(), base64.StdEncoding.EncodeToString([]byte{1, 2}), broadcaster); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("期望 INVALID_ARGUMENT，得到 %v", err)
	}
}

func TestSignAndSendBroadcastsSignedTransaction(t *testing.T) {
	client := fastClient(&fakeRPC{})
	wallet := newTestWallet()
	broadcaster := &stubBroadcaster{sig: "broadcast-sig"}

	unsigned := buildUnsignedTransfer(t, wallet.PublicKey())

	receipt, err := client.SignAndSend(context.Background(), wallet, unsigned, broadcaster)
	if err != nil {
		t.Fatalf("签名广播失败: %v", err)
	}
	if receipt.Signature != "broadcast-sig" {
		t.Fatalf("unexpected signature %q", receipt.Signature)
	}
	if broadcaster.last == unsigned {
		t.Fatal("广播内容应是签名后的交易")
	}
}

type stubBuilder struct {
	lastPayer string
	result    *SwapBuildResult
}

func (s *stubBuilder) BuildSwap(_ context.Context, req SwapBuildRequest) (*SwapBuildResult, error) {
	s.lastPayer = req.Payer
	return s.result, nil
}

func TestSwapDefaultsPayerAndPassesMeta(t *testing.T) {
	client := fastClient(&fakeRPC{})
	wallet := newTestWallet()

	builder := &stubBuilder{result: &SwapBuildResult{
		Transaction: buildUnsignedTransfer(t, wallet.PublicKey()),
		Meta:        []byte(`{"price_impact":"0.1"}`),
	}}
	broadcaster := &stubBroadcaster{sig: "swap-sig"}

	receipt, err := client.Swap(context.Background(), wallet, builder, broadcaster, SwapBuildRequest{
		FromMint: "mint-a",
		ToMint:   "mint-b",
		Amount:   100,
	})
	if err != nil {
		t.Fatalf("兑换失败: %v", err)
	}
	if builder.lastPayer != wallet.Address() {
		t.Fatalf("payer 应默认为本地钱包地址，得到 %q", builder.lastPayer)
	}
	if receipt.Signature != "swap-sig" {
		t.Fatalf("unexpected signature %q", receipt.Signature)
	}
	if string(receipt.Meta) != `{"price_impact":"0.1"}` {
		t.Fatalf("构建元数据应透传: %s", receipt.Meta)
	}
}
