// Package issuance implements the payment-gated API key protocol against
// the issuer service: pricing lookup, quote negotiation, on-chain payment
// of a quote, and claiming the issued key. Payment and claim are two
// independently retriable steps; the payment signature is journaled before
// any claim attempt so a crash between the two never forces a second
// payment.
package issuance
