package issuance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"AgentPay-Chain/internal/chain"
	"AgentPay-Chain/internal/credential"
	"AgentPay-Chain/internal/custody"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/journal"
)

type stubSigner struct {
	priv solana.PrivateKey
}

func newStubSigner() stubSigner {
	return stubSigner{priv: solana.NewWallet().PrivateKey}
}

func (s stubSigner) PublicKey() solana.PublicKey { return s.priv.PublicKey() }
func (s stubSigner) Address() string             { return s.priv.PublicKey().String() }
func (s stubSigner) SignTransaction(tx *solana.Transaction) ([]solana.Signature, error) {
	return nil, nil
}

type stubTransferrer struct {
	calls    int
	lastTo   string
	lastAmnt uint64
	err      error
}

func (s *stubTransferrer) Transfer(_ context.Context, _ custody.Signer, to string, lamports uint64) (*chain.TransferReceipt, error) {
	s.calls++
	s.lastTo = to
	s.lastAmnt = lamports
	if s.err != nil {
		return nil, s.err
	}
	return &chain.TransferReceipt{Signature: "sig-on-chain", Slot: 42, To: to, Lamports: lamports}, nil
}

func newProtocolForTest(t *testing.T, handler http.Handler, transferrer Transferrer) (*Protocol, *journal.MemoryJournal, *credential.Resolver) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}
	jnl, err := journal.NewMemoryJournal("")
	if err != nil {
		t.Fatalf("创建日志失败: %v", err)
	}
	resolver := credential.NewResolver(nil, "")
	return NewProtocol(client, transferrer, jnl, resolver), jnl, resolver
}

func TestPayQuoteRejectsExpiredBeforeTransfer(t *testing.T) {
	transferrer := &stubTransferrer{}
	protocol, _, _ := newProtocolForTest(t, http.NotFoundHandler(), transferrer)

	_, err := protocol.PayQuote(context.Background(), newStubSigner(), &Quote{
		ID:             "q-1",
		PayTo:          "pay-to",
		AmountLamports: 1000,
		ExpiresAt:      time.Now().Add(-time.Minute),
	})
	if xerrors.CodeOf(err) != xerrors.CodeQuoteExpired {
		t.Fatalf("期望 QUOTE_EXPIRED，得到 %v", err)
	}
	if transferrer.calls != 0 {
		t.Fatal("过期报价不应发起任何转账")
	}
}

func TestPayQuoteRejectsPayerMismatchBeforeTransfer(t *testing.T) {
	transferrer := &stubTransferrer{}
	protocol, _, _ := newProtocolForTest(t, http.NotFoundHandler(), transferrer)

	_, err := protocol.PayQuote(context.Background(), newStubSigner(), &Quote{
		ID:             "q-1",
		PayTo:          "pay-to",
		AmountLamports: 1000,
		Payer:          solana.NewWallet().PublicKey().String(),
		ExpiresAt:      time.Now().Add(10 * time.Minute),
	})
	if xerrors.CodeOf(err) != xerrors.CodeSignerMismatch {
		t.Fatalf("期望 SIGNER_MISMATCH，得到 %v", err)
	}
	if transferrer.calls != 0 {
		t.Fatal("payer 不匹配时不应发起任何转账")
	}
}

func TestPayQuoteJournalsSignatureBeforeReturning(t *testing.T) {
	transferrer := &stubTransferrer{}
	protocol, jnl, _ := newProtocolForTest(t, http.NotFoundHandler(), transferrer)

	quote := &Quote{
		ID:             "q-1",
		PayTo:          "pay-to",
		AmountLamports: 1000,
		ExpiresAt:      time.Now().Add(10 * time.Minute),
	}
	if err := jnl.RecordQuote(context.Background(), journal.Entry{QuoteID: quote.ID, PayTo: quote.PayTo, AmountLamports: quote.AmountLamports}); err != nil {
		t.Fatalf("登记报价失败: %v", err)
	}

	result, err := protocol.PayQuote(context.Background(), newStubSigner(), quote)
	if err != nil {
		t.Fatalf("支付失败: %v", err)
	}
	if result.PaymentSignature != "sig-on-chain" {
		t.Fatalf("unexpected signature %q", result.PaymentSignature)
	}
	if transferrer.lastTo != "pay-to" || transferrer.lastAmnt != 1000 {
		t.Fatalf("转账参数应来自报价: to=%s amount=%d", transferrer.lastTo, transferrer.lastAmnt)
	}

	pending, err := jnl.PendingClaims(context.Background())
	if err != nil {
		t.Fatalf("查询日志失败: %v", err)
	}
	if len(pending) != 1 || pending[0].PaymentSignature != "sig-on-chain" {
		t.Fatalf("付款签名应已落盘: %+v", pending)
	}
}

func TestClaimActivatesCredentialAndClosesJournal(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/keys/claim" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(IssuedKey{APIKey: "sk-issued-key", ExpiresAt: time.Now().Add(time.Hour)})
	})
	transferrer := &stubTransferrer{}
	protocol, jnl, resolver := newProtocolForTest(t, handler, transferrer)

	ctx := context.Background()
	if err := jnl.RecordQuote(ctx, journal.Entry{QuoteID: "q-1", PayTo: "pay-to", AmountLamports: 1000}); err != nil {
		t.Fatalf("登记报价失败: %v", err)
	}
	if err := jnl.RecordPayment(ctx, "q-1", "sig"); err != nil {
		t.Fatalf("登记付款失败: %v", err)
	}

	issued, err := protocol.Claim(ctx, ClaimRequest{QuoteID: "q-1", PaymentSignature: "sig"})
	if err != nil {
		t.Fatalf("领取失败: %v", err)
	}
	if issued.APIKey != "sk-issued-key" {
		t.Fatalf("unexpected key %q", issued.APIKey)
	}

	cred, err := resolver.Active()
	if err != nil {
		t.Fatalf("领取后应有可用凭证: %v", err)
	}
	if cred.APIKey != "sk-issued-key" || cred.Source != credential.ProvenanceIssuance {
		t.Fatalf("凭证应立即生效且来源为 issuance: %+v", cred)
	}

	pending, err := jnl.PendingClaims(ctx)
	if err != nil {
		t.Fatalf("查询日志失败: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("领取完成后不应有待领取记录: %+v", pending)
	}
}

func TestClaimFailureLeavesJournalIntact(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "payment_unverified", "error": "not yet"})
	})
	transferrer := &stubTransferrer{}
	protocol, jnl, resolver := newProtocolForTest(t, handler, transferrer)

	ctx := context.Background()
	if err := jnl.RecordQuote(ctx, journal.Entry{QuoteID: "q-1", PayTo: "pay-to", AmountLamports: 1000}); err != nil {
		t.Fatalf("登记报价失败: %v", err)
	}
	if err := jnl.RecordPayment(ctx, "q-1", "sig"); err != nil {
		t.Fatalf("登记付款失败: %v", err)
	}

	_, err := protocol.Claim(ctx, ClaimRequest{QuoteID: "q-1", PaymentSignature: "sig"})
	if xerrors.CodeOf(err) != xerrors.CodePaymentUnverified {
		t.Fatalf("期望 PAYMENT_UNVERIFIED，得到 %v", err)
	}

	if _, err := resolver.Active(); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatal("领取失败时不应激活任何凭证")
	}
	pending, _ := jnl.PendingClaims(ctx)
	if len(pending) != 1 {
		t.Fatalf("付款记录应保留以便重试: %+v", pending)
	}
}
