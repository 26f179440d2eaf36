package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"verus/internal/payment"
)

// HTTPGrader reaches a validator's payment-gated /verify-job endpoint. The
// transport answers the 402 challenge with a freshly signed payload, so one
// logical Grade is at most two wire calls.
type HTTPGrader struct {
	BaseURL string
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPGrader wires the grader with a payment-answering transport.
func NewHTTPGrader(baseURL string, table *payment.Table, timeout time.Duration) *HTTPGrader {
	return &HTTPGrader{
		BaseURL: baseURL,
		Client: &http.Client{
			Transport: &payment.Transport{Table: table},
		},
		Timeout: timeout,
	}
}

func (g *HTTPGrader) Grade(ctx context.Context, gradeReq Request) (Result, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	body, err := json.Marshal(gradeReq)
	if err != nil {
		return Result{}, err
	}
	url := strings.TrimRight(g.BaseURL, "/") + "/verify-job"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.Client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("grading call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("grading call: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var verdict Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return Result{}, fmt.Errorf("decode grading verdict: %w", err)
	}
	receipt, err := payment.DecodeReceipt(resp.Header)
	if err != nil {
		return Result{}, err
	}
	return Result{Verdict: verdict, PaymentResponse: receipt}, nil
}
