package payment

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// Transport is an http.RoundTripper that answers 402 challenges: on a
// Payment Required response it constructs a payload for the first
// requirement it has a signer for and retries the request once.
type Transport struct {
	Base   http.RoundTripper
	Table  *Table
	Logger *slog.Logger
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	resp, err := t.base().RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusPaymentRequired {
		return resp, err
	}

	var challenge RequiredResponse
	challengeBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(challengeBody, &challenge); err != nil {
		// Not a payment challenge we understand; hand it back untouched.
		resp.Body = io.NopCloser(bytes.NewReader(challengeBody))
		return resp, nil
	}

	payload, ok := t.signChallenge(challenge)
	if !ok {
		resp.Body = io.NopCloser(bytes.NewReader(challengeBody))
		return resp, nil
	}
	header, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	retry := req.Clone(req.Context())
	retry.Header.Set(PaymentHeader, header)
	if body != nil {
		retry.Body = io.NopCloser(bytes.NewReader(body))
	}
	t.logger().Debug("retrying with payment", "url", req.URL.Path, "network", payload.Network)
	return t.base().RoundTrip(retry)
}

// signChallenge picks the first acceptable requirement with a configured
// signer and mints a payload for it.
func (t *Transport) signChallenge(challenge RequiredResponse) (Payload, bool) {
	for _, req := range challenge.Accepts {
		signer, err := t.Table.Signer(req.Network)
		if err != nil {
			continue
		}
		payload, err := signer.Sign(req)
		if err != nil {
			t.logger().Warn("payment signing failed", "network", req.Network, "error", err)
			continue
		}
		return payload, true
	}
	return Payload{}, false
}
