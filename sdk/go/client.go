// Package verussdk is a minimal client for the facilitator API. It is what
// the sponsor and freelancer front-ends are built on: a client configured
// with network credentials answers 402 challenges transparently.
package verussdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"verus/internal/config"
	"verus/internal/domain"
	"verus/internal/payment"
)

// Client is a facilitator HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration

	// lastReceipt holds the settlement receipt of the most recent paid call.
	lastReceipt *payment.SettleResponse
}

// New creates a client with sane defaults and no payment capability.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// NewPaying creates a client that answers payment challenges with the given
// network credentials.
func NewPaying(baseURL string, networks map[string]config.NetworkConfig) (*Client, error) {
	table, err := payment.NewTable(networks)
	if err != nil {
		return nil, err
	}
	c := New(baseURL)
	c.HTTPClient = &http.Client{
		Timeout:   c.Timeout,
		Transport: &payment.Transport{Table: table},
	}
	return c, nil
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// LastPaymentReceipt returns the settlement receipt of the most recent call
// that carried one, or nil.
func (c *Client) LastPaymentReceipt() *payment.SettleResponse {
	return c.lastReceipt
}

// SubmitJob creates a job and returns its id.
func (c *Client) SubmitJob(ctx context.Context, description, acceptanceCriteria, feedbackAuth string) (int64, error) {
	body := map[string]any{
		"description":        description,
		"acceptanceCriteria": acceptanceCriteria,
		"feedbackAuth":       feedbackAuth,
	}
	var resp struct {
		JobID int64 `json:"jobID"`
	}
	err := c.do(ctx, http.MethodPost, "submit-job", body, &resp)
	return resp.JobID, err
}

// AcceptJob binds the wallet to an open job and returns the snapshot.
func (c *Client) AcceptJob(ctx context.Context, jobID int64, walletAddress, feedbackAuth string) (domain.Job, error) {
	body := map[string]any{
		"jobID":         jobID,
		"walletAddress": walletAddress,
		"feedbackAuth":  feedbackAuth,
	}
	var resp domain.Job
	err := c.do(ctx, http.MethodPost, "accept-job", body, &resp)
	return resp, err
}

// DeliverResult mirrors the deliver-job response body.
type DeliverResult struct {
	Success         bool                    `json:"success"`
	Words           int                     `json:"words"`
	PaymentResponse *payment.SettleResponse `json:"paymentResponse,omitempty"`
	Job             *domain.Job             `json:"job,omitempty"`
}

// DeliverJob submits an artifact for grading.
func (c *Client) DeliverJob(ctx context.Context, jobID int64, artifact string) (DeliverResult, error) {
	body := map[string]any{
		"jobID":    jobID,
		"artifact": artifact,
	}
	var resp DeliverResult
	err := c.do(ctx, http.MethodPost, "deliver-job", body, &resp)
	return resp, err
}

// SponsorFeedback redeems the freelancer's feedback authorization. Zero score
// lets the facilitator apply its default scoring policy.
func (c *Client) SponsorFeedback(ctx context.Context, jobID int64, feedbackAuth string, score int, tag1, tag2 string) (string, error) {
	body := map[string]any{
		"jobID":        jobID,
		"feedbackAuth": feedbackAuth,
		"score":        score,
		"tag1":         tag1,
		"tag2":         tag2,
	}
	var resp struct {
		TxHash string `json:"txHash"`
	}
	err := c.do(ctx, http.MethodPost, "sponsor-feedback", body, &resp)
	return resp.TxHash, err
}

// GetJob fetches one job snapshot.
func (c *Client) GetJob(ctx context.Context, jobID int64) (domain.Job, error) {
	var resp domain.Job
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("jobs/%d", jobID), nil, &resp)
	return resp, err
}

// ListJobs lists all jobs.
func (c *Client) ListJobs(ctx context.Context) ([]domain.Job, error) {
	var resp []domain.Job
	err := c.do(ctx, http.MethodGet, "jobs", nil, &resp)
	return resp, err
}

// Verify asks the facilitator to verify a payload against a requirement.
func (c *Client) Verify(ctx context.Context, p payment.Payload, req payment.Requirement) (payment.VerifyResponse, error) {
	body := map[string]any{
		"paymentPayload":      p,
		"paymentRequirements": req,
	}
	var resp payment.VerifyResponse
	err := c.do(ctx, http.MethodPost, "verify", body, &resp)
	return resp, err
}

// Settle asks the facilitator to settle a verified payload.
func (c *Client) Settle(ctx context.Context, p payment.Payload, req payment.Requirement) (payment.SettleResponse, error) {
	body := map[string]any{
		"paymentPayload":      p,
		"paymentRequirements": req,
	}
	var resp payment.SettleResponse
	err := c.do(ctx, http.MethodPost, "settle", body, &resp)
	return resp, err
}

// Supported lists the facilitator's configured payment kinds.
func (c *Client) Supported(ctx context.Context) ([]payment.SupportedKind, error) {
	var resp struct {
		Kinds []payment.SupportedKind `json:"kinds"`
	}
	err := c.do(ctx, http.MethodGet, "supported", nil, &resp)
	return resp.Kinds, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if receipt, err := payment.DecodeReceipt(resp.Header); err == nil && receipt != nil {
		c.lastReceipt = receipt
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
