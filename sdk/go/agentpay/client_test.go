package agentpay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestQuotePayClaimFlow(t *testing.T) {
	claimed := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/issuance/quote":
			if r.Method != http.MethodPost {
				t.Fatalf("unexpected method: %s", r.Method)
			}
			var req QuoteRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("unexpected body: %v", err)
			}
			_ = json.NewEncoder(w).Encode(Quote{
				ID:              "q-1",
				AmountLamports:  1000,
				PayTo:           "GfM4...fake",
				DurationMinutes: req.DurationMinutes,
				ExpiresAt:       time.Now().Add(10 * time.Minute).UTC(),
			})
		case "/api/v1/issuance/pay":
			_ = json.NewEncoder(w).Encode(PaymentResult{
				QuoteID:          "q-1",
				PaymentSignature: "sig-1",
				AmountLamports:   1000,
			})
		case "/api/v1/issuance/claim":
			claimed = true
			_ = json.NewEncoder(w).Encode(ClaimResult{Key: "sk-l...f9Qk", Active: true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	quote, err := client.RequestQuote(ctx, QuoteRequest{DurationMinutes: 60})
	if err != nil {
		t.Fatalf("request quote: %v", err)
	}
	if quote.ID != "q-1" {
		t.Fatalf("expected quote q-1, got %q", quote.ID)
	}

	payment, err := client.PayQuote(ctx, quote)
	if err != nil {
		t.Fatalf("pay quote: %v", err)
	}
	if payment.PaymentSignature != "sig-1" {
		t.Fatalf("expected signature sig-1, got %q", payment.PaymentSignature)
	}

	result, err := client.Claim(ctx, ClaimRequest{QuoteID: quote.ID, PaymentSignature: payment.PaymentSignature})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !result.Active {
		t.Fatal("expected claimed key to be active")
	}
	if !claimed {
		t.Fatal("claim endpoint was not hit")
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":      "PAYMENT_UNVERIFIED",
			"error":     "payment not yet visible",
			"next_step": "retry the claim with the same signature",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	_, err := client.Claim(context.Background(), ClaimRequest{QuoteID: "q-1", PaymentSignature: "sig"})
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", apiErr.StatusCode)
	}
	if apiErr.Code != "PAYMENT_UNVERIFIED" {
		t.Fatalf("unexpected code %q", apiErr.Code)
	}
	if apiErr.NextStep == "" {
		t.Fatal("expected next_step to be populated")
	}
}

func TestCredentialStatusRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/credential" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"provenance": "persisted", "masked_key": "sk-l...f9Qk"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	status, err := client.Credential(context.Background())
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	if status.Provenance != "persisted" {
		t.Fatalf("unexpected provenance %q", status.Provenance)
	}
}
