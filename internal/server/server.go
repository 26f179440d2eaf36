// Package server exposes the facilitator and validator HTTP APIs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"verus/internal/config"
	"verus/internal/domain"
	"verus/internal/engine"
	"verus/internal/payment"
)

// Config for the facilitator HTTP handler.
type Config struct {
	Engine      engine.Engine
	Facilitator *payment.Facilitator
	Conf        *config.Config
	Logger      *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"job 1 is no longer in the expected state"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns the facilitator HTTP handler: the job lifecycle routes, payment
// gated where configured, plus the verify/settle protocol surface.
func New(cfg Config) (http.Handler, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	installErrorEnvelope()

	router := chi.NewRouter()
	router.Use(payment.Middleware(Requirements(cfg.Conf), cfg.Facilitator, cfg.Logger))
	hcfg := huma.DefaultConfig("Verus Facilitator API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	registerHealth(api)
	registerJobs(api, cfg)
	registerPayments(api, cfg.Facilitator, cfg.Conf)
	registerOpenAPI(router, api)

	return router, nil
}

func installErrorEnvelope() {
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError classifies engine and adapter failures into the error envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var nf domain.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"resource": nf.Resource, "id": nf.ID})
	}
	var ce domain.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var un domain.UnsupportedNetworkError
	if errors.As(err, &un) {
		return newAPIError(http.StatusBadRequest, "unsupported_network", err.Error(), map[string]any{"network": un.Network})
	}
	var ae domain.AuthorizationError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"reason": ae.Reason})
	}
	var se domain.SettlementError
	if errors.As(err, &se) {
		return newAPIError(http.StatusBadGateway, "settlement_failed", err.Error(), nil)
	}
	var te domain.TransientStoreError
	if errors.As(err, &te) {
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", err.Error(), map[string]any{"op": te.Op})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusPaymentRequired:
		return "payment_required"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadGateway:
		return "settlement_failed"
	case http.StatusServiceUnavailable:
		return "store_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// Requirements builds the route gate table from configured prices.
func Requirements(cfg *config.Config) map[string]payment.Requirement {
	out := make(map[string]payment.Requirement, len(cfg.Payment.Prices))
	for route, price := range cfg.Payment.Prices {
		payTo := price.PayTo
		if payTo == "" {
			payTo = cfg.Payment.Networks[price.Network].Address
		}
		resource := route
		if _, p, ok := strings.Cut(route, " "); ok {
			resource = p
		}
		out[route] = payment.Requirement{
			Scheme:      payment.SchemeExact,
			Network:     price.Network,
			Asset:       price.Asset,
			Amount:      price.Amount,
			Decimals:    price.Decimals,
			PayTo:       payTo,
			Resource:    resource,
			Description: "payment for " + resource,
		}
	}
	return out
}

// settleGated consumes the payment admitted by the middleware, if any, and
// returns the receipt header value. Routes without a configured price get an
// empty header.
func settleGated(ctx context.Context, cfg Config) (string, error) {
	gated, ok := payment.FromContext(ctx)
	if !ok {
		return "", nil
	}
	payCtx := ctx
	if d := cfg.Conf.Timeouts.Payment; d > 0 {
		var cancel context.CancelFunc
		payCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	receipt, err := cfg.Facilitator.Settle(payCtx, gated.Payload, gated.Requirement)
	if err != nil {
		return "", err
	}
	if !receipt.Success {
		return "", domain.SettlementError{Reason: receipt.Error}
	}
	return payment.EncodeReceipt(receipt)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerJobs(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-job",
		Method:        http.MethodPost,
		Path:          "/submit-job",
		Summary:       "Submit a job",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitJobRequest `json:"body"`
	}) (*struct {
		PaymentResponse string            `header:"X-Payment-Response"`
		Body            SubmitJobResponse `json:"body"`
	}, error) {
		// Payment settles before any work is created, so a replayed or
		// exhausted payment never leaves an orphan job behind.
		receipt, err := settleGated(ctx, cfg)
		if err != nil {
			return nil, handleError(err)
		}
		id, err := cfg.Engine.CreateJob(ctx, input.Body.Description, input.Body.AcceptanceCriteria, input.Body.FeedbackAuth)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			PaymentResponse string            `header:"X-Payment-Response"`
			Body            SubmitJobResponse `json:"body"`
		}{PaymentResponse: receipt, Body: SubmitJobResponse{JobID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-job",
		Method:      http.MethodPost,
		Path:        "/accept-job",
		Summary:     "Accept an open job",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body AcceptJobRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		job, err := cfg.Engine.AcceptJob(ctx, input.Body.JobID, input.Body.WalletAddress, input.Body.FeedbackAuth)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deliver-job",
		Method:      http.MethodPost,
		Path:        "/deliver-job",
		Summary:     "Deliver an artifact for grading",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body DeliverJobRequest `json:"body"`
	}) (*struct {
		Body engine.DeliverResult `json:"body"`
	}, error) {
		res, err := cfg.Engine.DeliverJob(ctx, input.Body.JobID, input.Body.Artifact)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DeliverResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sponsor-feedback",
		Method:      http.MethodPost,
		Path:        "/sponsor-feedback",
		Summary:     "Redeem the freelancer's feedback authorization",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body SponsorFeedbackRequest `json:"body"`
	}) (*struct {
		Body SponsorFeedbackResponse `json:"body"`
	}, error) {
		score, tag1, tag2 := input.Body.Score, input.Body.Tag1, input.Body.Tag2
		if score == 0 {
			score, tag1, tag2 = DefaultFeedback()
		}
		fb, err := cfg.Engine.SponsorFeedback(ctx, input.Body.JobID, input.Body.FeedbackAuth, score, tag1, tag2)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SponsorFeedbackResponse `json:"body"`
		}{Body: SponsorFeedbackResponse{TxHash: fb.TxHash, Feedback: fb}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get a job snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		job, err := cfg.Engine.GetJob(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Job `json:"body"`
	}, error) {
		jobs, err := cfg.Engine.ListJobs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Job `json:"body"`
		}{Body: jobs}, nil
	})
}

func registerPayments(api huma.API, f *payment.Facilitator, cfg *config.Config) {
	huma.Register(api, huma.Operation{
		OperationID: "describe-verify",
		Method:      http.MethodGet,
		Path:        "/verify",
		Summary:     "Describe the verify endpoint",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body EndpointInfo `json:"body"`
	}, error) {
		return &struct {
			Body EndpointInfo `json:"body"`
		}{Body: EndpointInfo{
			Endpoint:    "/verify",
			Description: "POST to verify a payment payload against payment requirements",
			Method:      http.MethodPost,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-payment",
		Method:      http.MethodPost,
		Path:        "/verify",
		Summary:     "Verify a payment payload",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body VerifyRequest `json:"body"`
	}) (*struct {
		Body payment.VerifyResponse `json:"body"`
	}, error) {
		verifyCtx := ctx
		if d := cfg.Timeouts.Payment; d > 0 {
			var cancel context.CancelFunc
			verifyCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		verdict, err := f.Verify(verifyCtx, input.Body.PaymentPayload, input.Body.PaymentRequirements)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body payment.VerifyResponse `json:"body"`
		}{Body: verdict}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "describe-settle",
		Method:      http.MethodGet,
		Path:        "/settle",
		Summary:     "Describe the settle endpoint",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body EndpointInfo `json:"body"`
	}, error) {
		return &struct {
			Body EndpointInfo `json:"body"`
		}{Body: EndpointInfo{
			Endpoint:    "/settle",
			Description: "POST to settle a verified payment payload",
			Method:      http.MethodPost,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "settle-payment",
		Method:      http.MethodPost,
		Path:        "/settle",
		Summary:     "Settle a verified payment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body SettleRequest `json:"body"`
	}) (*struct {
		Body payment.SettleResponse `json:"body"`
	}, error) {
		settleCtx := ctx
		if d := cfg.Timeouts.Payment; d > 0 {
			var cancel context.CancelFunc
			settleCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		receipt, err := f.Settle(settleCtx, input.Body.PaymentPayload, input.Body.PaymentRequirements)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body payment.SettleResponse `json:"body"`
		}{Body: receipt}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "supported-kinds",
		Method:      http.MethodGet,
		Path:        "/supported",
		Summary:     "List supported payment kinds",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SupportedResponse `json:"body"`
	}, error) {
		return &struct {
			Body SupportedResponse `json:"body"`
		}{Body: SupportedResponse{Kinds: f.Supported()}}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API) {
	var spec []byte
	r.Get(path.Join("/", "openapi.json"), func(w http.ResponseWriter, req *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}
