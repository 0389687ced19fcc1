// Package api 暴露守护进程的 REST 接口。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentPay-Chain/internal/chain"
	"AgentPay-Chain/internal/credential"
	"AgentPay-Chain/internal/custody"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/issuance"
	"AgentPay-Chain/internal/market"
	"AgentPay-Chain/pkg/logger"
)

// Server 负责暴露 REST 接口，供外部驱动凭证与签名流程。
type Server struct {
	addr     string
	resolver *credential.Resolver
	protocol *issuance.Protocol
	chain    *chain.Client
	market   *market.Client

	walletMu   sync.RWMutex
	wallet     custody.Signer
	walletPath string
	keygen     custody.KeygenConfig

	// 领取失败后把报价重新投入恢复队列；为空时跳过。
	enqueueClaim func(ctx context.Context, quoteID string)
}

// Options 汇总构建 Server 所需的依赖。
type Options struct {
	Addr         string
	Resolver     *credential.Resolver
	Protocol     *issuance.Protocol
	Chain        *chain.Client
	Market       *market.Client
	Wallet       custody.Signer
	WalletPath   string
	Keygen       custody.KeygenConfig
	EnqueueClaim func(ctx context.Context, quoteID string)
}

// NewServer 构造 API 服务实例。
func NewServer(opts Options) *Server {
	return &Server{
		addr:         opts.Addr,
		resolver:     opts.Resolver,
		protocol:     opts.Protocol,
		chain:        opts.Chain,
		market:       opts.Market,
		wallet:       opts.Wallet,
		walletPath:   opts.WalletPath,
		keygen:       opts.Keygen,
		enqueueClaim: opts.EnqueueClaim,
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/wallet", s.handleWallet)
	mux.HandleFunc("/api/v1/wallet/balance", s.handleBalance)
	mux.HandleFunc("/api/v1/credential", s.handleCredential)
	mux.HandleFunc("/api/v1/issuance/pricing", s.handlePricing)
	mux.HandleFunc("/api/v1/issuance/quote", s.handleQuote)
	mux.HandleFunc("/api/v1/issuance/pay", s.handlePay)
	mux.HandleFunc("/api/v1/issuance/claim", s.handleClaim)
	mux.HandleFunc("/api/v1/transfer", s.handleTransfer)
	mux.HandleFunc("/api/v1/price", s.handlePrice)
	mux.HandleFunc("/api/v1/swap", s.handleSwap)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// activeWallet 返回当前钱包；未加载时报错并提示创建。
func (s *Server) activeWallet() (custody.Signer, error) {
	s.walletMu.RLock()
	defer s.walletMu.RUnlock()
	if s.wallet == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "钱包未加载",
			xerrors.WithNextStep("POST /api/v1/wallet 创建钱包后重试"))
	}
	return s.wallet, nil
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		wallet, err := s.activeWallet()
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"address": wallet.Address()})
	case http.MethodPost:
		s.handleCreateWallet(w, r)
	default:
		writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET/POST"))
	}
}

// handleCreateWallet 创建新钱包。已有钱包文件时拒绝，绝不覆盖。
func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	s.walletMu.Lock()
	defer s.walletMu.Unlock()

	wallet, err := custody.Create(r.Context(), s.keygen, s.walletPath)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.wallet = wallet
	writeJSON(w, http.StatusCreated, map[string]string{"address": wallet.Address()})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET"))
		return
	}
	wallet, err := s.activeWallet()
	if err != nil {
		writeError(w, r, err)
		return
	}
	address := wallet.Address()
	if override := strings.TrimSpace(r.URL.Query().Get("address")); override != "" {
		address = override
	}
	lamports, err := s.chain.Balance(r.Context(), address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":  address,
		"lamports": lamports,
	})
}

func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		// 每次查询都先走一遍解析，确保重启后持久化凭证能被发现；
		// 无任何来源时按 UNAUTHORIZED 上报，而不是返回 none。
		if _, err := s.resolver.Active(); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.resolver.Status())
	case http.MethodPost, http.MethodPut:
		var req struct {
			APIKey string `json:"apiKey"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
			return
		}
		if _, err := s.resolver.SetActive(req.APIKey, credential.ProvenanceRuntime); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.resolver.Status())
	case http.MethodDelete:
		writeJSON(w, http.StatusOK, s.resolver.ClearActive())
	default:
		writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET/POST/DELETE"))
	}
}

func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET"))
		return
	}
	pricing, err := s.protocol.Pricing(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pricing)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 POST"))
		return
	}
	var req issuance.QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	quote, err := s.protocol.RequestQuote(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 POST"))
		return
	}
	wallet, err := s.activeWallet()
	if err != nil {
		writeError(w, r, err)
		return
	}
	var quote issuance.Quote
	if err := json.NewDecoder(r.Body).Decode(&quote); err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	result, err := s.protocol.PayQuote(r.Context(), wallet, &quote)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 POST"))
		return
	}
	var req issuance.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	issued, err := s.protocol.Claim(r.Context(), req)
	if err != nil {
		if s.enqueueClaim != nil && xerrors.RetryableError(err) {
			s.enqueueClaim(r.Context(), req.QuoteID)
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":        credential.Mask(issued.APIKey),
		"expires_at": issued.ExpiresAt,
		"active":     true,
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 POST"))
		return
	}
	wallet, err := s.activeWallet()
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		To       string      `json:"to"`
		Lamports json.Number `json:"lamports"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	lamports, err := parseLamports(req.Lamports)
	if err != nil {
		writeError(w, r, err)
		return
	}
	receipt, err := s.chain.Transfer(r.Context(), wallet, req.To, lamports)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET"))
		return
	}
	result, err := s.market.Price(r.Context(), r.URL.Query().Get("mint"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 POST"))
		return
	}
	wallet, err := s.activeWallet()
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req chain.SwapBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	receipt, err := s.chain.Swap(r.Context(), wallet, s.market, s.market, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// parseLamports 把请求体里的金额解析为非负整数。负数、小数和
// 非数字都归类为 INVALID_AMOUNT，而不是笼统的解析失败。
func parseLamports(raw json.Number) (uint64, error) {
	value, err := strconv.ParseUint(raw.String(), 10, 64)
	if err != nil {
		return 0, xerrors.New(xerrors.CodeInvalidAmount, "",
			xerrors.WithMetadata("lamports", raw.String()),
			xerrors.WithNextStep("金额必须是大于 0 且不超过 2^53-1 的整数 lamports"),
		)
	}
	return value, nil
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 统一错误响应：错误码、可读消息、下一步提示与请求 ID。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := uuid.NewString()
	code := xerrors.CodeOf(err)

	body := map[string]string{
		"code":       string(code),
		"error":      err.Error(),
		"request_id": requestID,
	}
	if xerr, ok := xerrors.From(err); ok {
		if step := xerr.NextStep(); step != "" {
			body["next_step"] = step
		}
	}

	logger.L().Warn("请求失败",
		"request_id", requestID,
		"method", r.Method,
		"path", r.URL.Path,
		"code", code,
		"error", err,
	)
	writeJSON(w, statusOf(code), body)
}

// statusOf 把协议错误码映射为 HTTP 状态码。
func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case xerrors.CodeAlreadyExists:
		return http.StatusConflict
	case xerrors.CodePaymentUnverified:
		return http.StatusPaymentRequired
	case xerrors.CodeQuoteExpired:
		return http.StatusGone
	case xerrors.CodeInvalidArgument, xerrors.CodeInvalidFormat, xerrors.CodeInvalidAmount, xerrors.CodeSignerMismatch:
		return http.StatusBadRequest
	case xerrors.CodeToolMissing:
		return http.StatusFailedDependency
	case xerrors.CodeTransferRejected:
		return http.StatusUnprocessableEntity
	case xerrors.CodeTransient, xerrors.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
