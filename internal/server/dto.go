package server

import (
	"verus/internal/domain"
	"verus/internal/payment"
)

// SubmitJobRequest opens a job. The sponsor's feedback authorization is
// escrowed on the job so the freelancer can redeem it after completion.
type SubmitJobRequest struct {
	Description        string `json:"description" example:"Write 500 words on agentic commerce"`
	AcceptanceCriteria string `json:"acceptanceCriteria" example:"500"`
	FeedbackAuth       string `json:"feedbackAuth"`
}

type SubmitJobResponse struct {
	JobID int64 `json:"jobID"`
}

type AcceptJobRequest struct {
	JobID         int64  `json:"jobID"`
	WalletAddress string `json:"walletAddress" example:"0xabc"`
	FeedbackAuth  string `json:"feedbackAuth"`
}

type DeliverJobRequest struct {
	JobID    int64  `json:"jobID"`
	Artifact string `json:"artifact"`
}

// SponsorFeedbackRequest redeems the freelancer-issued authorization held on
// the job. Score zero means "apply the default scoring policy".
type SponsorFeedbackRequest struct {
	JobID        int64  `json:"jobID"`
	FeedbackAuth string `json:"feedbackAuth"`
	Score        int    `json:"score,omitempty" minimum:"0" maximum:"100"`
	Tag1         string `json:"tag1,omitempty"`
	Tag2         string `json:"tag2,omitempty"`
}

type SponsorFeedbackResponse struct {
	TxHash   string          `json:"txHash"`
	Feedback domain.Feedback `json:"feedback"`
}

// VerifyRequest and SettleRequest share the same wire shape: the payment
// payload plus the requirement it claims to satisfy.
type VerifyRequest struct {
	PaymentPayload      payment.Payload     `json:"paymentPayload"`
	PaymentRequirements payment.Requirement `json:"paymentRequirements"`
}

type SettleRequest = VerifyRequest

type SupportedResponse struct {
	Kinds []payment.SupportedKind `json:"kinds"`
}

// EndpointInfo is the GET self-description of a POST-only protocol endpoint.
type EndpointInfo struct {
	Endpoint    string `json:"endpoint"`
	Description string `json:"description"`
	Method      string `json:"method"`
}
