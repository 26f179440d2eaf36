// Package payment implements the two-phase payment protocol: Verify checks a
// signed payment payload against a requirement without moving funds, Settle
// performs the transfer. The two are decoupled so a verified-but-unsettled
// request can be retried without re-verifying.
package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
)

// Version of the payment protocol carried on every payload.
const Version = 1

// SchemeExact is the only scheme this facilitator speaks: an exact-amount
// transfer authorization.
const SchemeExact = "exact"

// HTTP headers used by the protected-endpoint pattern.
const (
	PaymentHeader  = "X-Payment"
	ResponseHeader = "X-Payment-Response"
)

// Requirement declares what a protected endpoint charges. Static per route.
type Requirement struct {
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Decimals    int    `json:"decimals"`
	PayTo       string `json:"pay_to"`
	Resource    string `json:"resource,omitempty"`
	Description string `json:"description,omitempty"`
}

// Payload is a signed proof-of-payment for a specific Requirement. The token
// is opaque outside the signer that minted it.
type Payload struct {
	Version int    `json:"x402_version"`
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
	Token   string `json:"token"`
}

// VerifyResponse is the verdict of a Verify call.
type VerifyResponse struct {
	Valid  bool   `json:"is_valid"`
	Reason string `json:"invalid_reason,omitempty"`
	Payer  string `json:"payer,omitempty"`
}

// SettleResponse is the receipt of a Settle call.
type SettleResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	TxHash  string `json:"transaction,omitempty"`
	Network string `json:"network"`
	Payer   string `json:"payer,omitempty"`
}

// SupportedKind is one configured network/scheme combination.
type SupportedKind struct {
	Version int               `json:"x402_version"`
	Scheme  string            `json:"scheme"`
	Network string            `json:"network"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// RequiredResponse is the 402 body restating what the route charges.
type RequiredResponse struct {
	Version int           `json:"x402_version"`
	Accepts []Requirement `json:"accepts"`
	Error   string        `json:"error"`
}

// EncodePayload serializes a payload for the X-Payment header.
func EncodePayload(p Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePayload parses an X-Payment header value.
func DecodePayload(header string) (Payload, error) {
	var p Payload
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return p, fmt.Errorf("decode payment header: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode payment header: %w", err)
	}
	return p, nil
}

// EncodeReceipt serializes a settlement receipt for the X-Payment-Response header.
func EncodeReceipt(r SettleResponse) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeReceipt parses an X-Payment-Response header from an HTTP response.
// Returns nil when the header is absent.
func DecodeReceipt(h http.Header) (*SettleResponse, error) {
	v := h.Get(ResponseHeader)
	if v == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("decode payment response header: %w", err)
	}
	var r SettleResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode payment response header: %w", err)
	}
	return &r, nil
}
