package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentPay-Chain/sdk/go/agentpay"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/issuance/quote", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentpay.Quote{
			ID:              "quote-demo",
			AmountLamports:  60000,
			PayTo:           "DemoPayToAddress11111111111111111111111111",
			DurationMinutes: 60,
			ExpiresAt:       time.Now().Add(10 * time.Minute).UTC(),
		})
	})
	mux.HandleFunc("/api/v1/issuance/pay", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentpay.PaymentResult{
			QuoteID:          "quote-demo",
			PaymentSignature: "demo-signature",
			AmountLamports:   60000,
		})
	})
	mux.HandleFunc("/api/v1/issuance/claim", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentpay.ClaimResult{
			Key:       "sk-l...f9Qk",
			ExpiresAt: time.Now().Add(time.Hour).UTC(),
			Active:    true,
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := agentpay.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	quote, err := client.RequestQuote(ctx, agentpay.QuoteRequest{DurationMinutes: 60})
	if err != nil {
		panic(err)
	}
	fmt.Printf("quote %s: %d lamports to %s\n", quote.ID, quote.AmountLamports, quote.PayTo)

	payment, err := client.PayQuote(ctx, quote)
	if err != nil {
		panic(err)
	}
	fmt.Printf("paid with signature %s\n", payment.PaymentSignature)

	result, err := client.Claim(ctx, agentpay.ClaimRequest{QuoteID: quote.ID, PaymentSignature: payment.PaymentSignature})
	if err != nil {
		panic(err)
	}
	fmt.Printf("claimed key %s (active=%v)\n", result.Key, result.Active)
}
