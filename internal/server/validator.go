package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"verus/internal/config"
	"verus/internal/oracle"
	"verus/internal/payment"
)

// ValidatorConfig for the validator HTTP handler.
type ValidatorConfig struct {
	Grader      oracle.Grader
	Facilitator *payment.Facilitator
	Conf        *config.Config
	Logger      *slog.Logger
}

// NewValidator returns the validator HTTP handler: a payment-gated grading
// endpoint backed by the configured oracle.
func NewValidator(cfg ValidatorConfig) (http.Handler, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	installErrorEnvelope()

	router := chi.NewRouter()
	router.Use(payment.Middleware(Requirements(cfg.Conf), cfg.Facilitator, cfg.Logger))
	hcfg := huma.DefaultConfig("Verus Validator API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	registerHealth(api)
	registerVerifyJob(api, cfg)
	registerOpenAPI(router, api)

	return router, nil
}

func registerVerifyJob(api huma.API, cfg ValidatorConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "verify-job",
		Method:      http.MethodPost,
		Path:        "/verify-job",
		Summary:     "Grade a delivered artifact",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body oracle.Request `json:"body"`
	}) (*struct {
		PaymentResponse string         `header:"X-Payment-Response"`
		Body            oracle.Verdict `json:"body"`
	}, error) {
		receipt, err := settleGated(ctx, Config{Facilitator: cfg.Facilitator, Conf: cfg.Conf})
		if err != nil {
			return nil, handleError(err)
		}
		gradeCtx := ctx
		if d := cfg.Conf.Timeouts.Oracle; d > 0 {
			var cancel context.CancelFunc
			gradeCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		res, err := cfg.Grader.Grade(gradeCtx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			PaymentResponse string         `header:"X-Payment-Response"`
			Body            oracle.Verdict `json:"body"`
		}{PaymentResponse: receipt, Body: res.Verdict}, nil
	})
}
