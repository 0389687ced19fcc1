package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"AgentPay-Chain/internal/credential"
	xerrors "AgentPay-Chain/internal/errors"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := credential.NewStore(filepath.Join(t.TempDir(), "credential.json"))
	resolver := credential.NewResolver(store, "")
	return NewServer(Options{
		Addr:     ":0",
		Resolver: resolver,
	})
}

func TestCredentialEndpointRoundTrip(t *testing.T) {
	server := newTestServer(t)

	// 设置凭证。
	req := httptest.NewRequest(http.MethodPost, "/api/v1/credential", strings.NewReader(`{"apiKey":"sk-live-abcdef9Qk"}`))
	rec := httptest.NewRecorder()
	server.handleCredential(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200，得到 %d: %s", rec.Code, rec.Body.String())
	}

	// 查询状态：不得泄露原始 key。
	rec = httptest.NewRecorder()
	server.handleCredential(rec, httptest.NewRequest(http.MethodGet, "/api/v1/credential", nil))
	var status credential.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("解析状态失败: %v", err)
	}
	if status.Provenance != credential.ProvenanceRuntime {
		t.Fatalf("期望 runtime 来源，得到 %q", status.Provenance)
	}
	if strings.Contains(rec.Body.String(), "sk-live-abcdef9Qk") {
		t.Fatal("状态响应不应包含原始 key")
	}

	// 清除凭证。
	rec = httptest.NewRecorder()
	server.handleCredential(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/credential", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200，得到 %d", rec.Code)
	}
	var cleared credential.ClearResult
	if err := json.Unmarshal(rec.Body.Bytes(), &cleared); err != nil {
		t.Fatalf("解析清除结果失败: %v", err)
	}
	if !cleared.Removed {
		t.Fatal("持久化副本应被移除")
	}
}

func TestCredentialEndpointRejectsBadBody(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/credential", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	server.handleCredential(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("期望 400，得到 %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("解析错误响应失败: %v", err)
	}
	if body["code"] != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("unexpected code %q", body["code"])
	}
	if body["request_id"] == "" {
		t.Fatal("错误响应应携带 request_id")
	}
}

func TestWalletEndpointWithoutWallet(t *testing.T) {
	server := newTestServer(t)

	rec := httptest.NewRecorder()
	server.handleWallet(rec, httptest.NewRequest(http.MethodGet, "/api/v1/wallet", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("期望 400，得到 %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("解析错误响应失败: %v", err)
	}
	if body["next_step"] == "" {
		t.Fatal("钱包未加载时应提示创建步骤")
	}
}

func TestCredentialEndpointResolvesPersistedAfterRestart(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "credential.json")
	if err := credential.NewStore(storePath).Write(credential.Credential{
		APIKey:    "sk-live-survivor9Qk",
		Source:    credential.ProvenanceRuntime,
		UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("写入凭证失败: %v", err)
	}

	// 重启：在同一路径上重建解析器与服务。
	resolver := credential.NewResolver(credential.NewStore(storePath), "")
	server := NewServer(Options{Resolver: resolver})

	rec := httptest.NewRecorder()
	server.handleCredential(rec, httptest.NewRequest(http.MethodGet, "/api/v1/credential", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200，得到 %d: %s", rec.Code, rec.Body.String())
	}
	var status credential.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("解析状态失败: %v", err)
	}
	if status.Provenance != credential.ProvenancePersisted {
		t.Fatalf("重启后应解析出持久化凭证，得到 %q", status.Provenance)
	}
	if status.MaskedKey == "" || strings.Contains(rec.Body.String(), "sk-live-survivor9Qk") {
		t.Fatalf("状态应包含脱敏摘要且不含原始 key: %s", rec.Body.String())
	}
}

func TestCredentialEndpointUnauthorizedWhenNothingResolves(t *testing.T) {
	server := newTestServer(t)

	rec := httptest.NewRecorder()
	server.handleCredential(rec, httptest.NewRequest(http.MethodGet, "/api/v1/credential", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("无任何凭证来源时期望 401，得到 %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("解析错误响应失败: %v", err)
	}
	if body["code"] != string(xerrors.CodeUnauthorized) {
		t.Fatalf("unexpected code %q", body["code"])
	}
	if body["next_step"] == "" {
		t.Fatal("401 响应应携带补救步骤")
	}
}

type stubSigner struct {
	priv solana.PrivateKey
}

func (s stubSigner) PublicKey() solana.PublicKey { return s.priv.PublicKey() }
func (s stubSigner) Address() string             { return s.priv.PublicKey().String() }
func (s stubSigner) SignTransaction(tx *solana.Transaction) ([]solana.Signature, error) {
	return nil, nil
}

func TestTransferRejectsNonIntegerAmounts(t *testing.T) {
	server := newTestServer(t)
	server.wallet = stubSigner{priv: solana.NewWallet().PrivateKey}

	for _, body := range []string{
		`{"to":"addr","lamports":-5}`,
		`{"to":"addr","lamports":1.5}`,
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/transfer", strings.NewReader(body))
		server.handleTransfer(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s 期望 400，得到 %d", body, rec.Code)
		}
		var envelope map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
			t.Fatalf("解析错误响应失败: %v", err)
		}
		if envelope["code"] != string(xerrors.CodeInvalidAmount) {
			t.Fatalf("%s 期望 INVALID_AMOUNT，得到 %q", body, envelope["code"])
		}
	}
}

func TestStatusMapping(t *testing.T) {
	cases := map[xerrors.Code]int{
		xerrors.CodeUnauthorized:      http.StatusUnauthorized,
		xerrors.CodeAlreadyExists:     http.StatusConflict,
		xerrors.CodePaymentUnverified: http.StatusPaymentRequired,
		xerrors.CodeQuoteExpired:      http.StatusGone,
		xerrors.CodeInvalidAmount:     http.StatusBadRequest,
		xerrors.CodeSignerMismatch:    http.StatusBadRequest,
		xerrors.CodeToolMissing:       http.StatusFailedDependency,
		xerrors.CodeTransferRejected:  http.StatusUnprocessableEntity,
		xerrors.CodeTransient:         http.StatusServiceUnavailable,
		xerrors.CodeStoreUnavailable:  http.StatusServiceUnavailable,
		xerrors.CodeUnknown:           http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := statusOf(code); got != want {
			t.Fatalf("%s 期望 %d，得到 %d", code, want, got)
		}
	}
}
