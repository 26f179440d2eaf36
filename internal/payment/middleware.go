package payment

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// Verifier is the slice of the facilitator the gate needs. The middleware
// only verifies; settlement stays with the handler so a verified request can
// be retried without paying twice.
type Verifier interface {
	Verify(ctx context.Context, p Payload, req Requirement) (VerifyResponse, error)
}

type gatedKey struct{}

// Gated is what the middleware admits into the request context: the verified
// payload and the requirement it satisfied, ready for the handler to settle.
type Gated struct {
	Payload     Payload
	Requirement Requirement
}

// FromContext returns the verified payment admitted by the middleware.
func FromContext(ctx context.Context) (Gated, bool) {
	g, ok := ctx.Value(gatedKey{}).(Gated)
	return g, ok
}

// Middleware gates routes behind payment requirements. Routes are keyed
// "METHOD /path"; anything unlisted passes through untouched. Invalid or
// missing payment is rejected with 402 and a restated requirement.
func Middleware(prices map[string]Requirement, v Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, ok := prices[r.Method+" "+r.URL.Path]
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get(PaymentHeader)
			if header == "" {
				writeRequired(w, req, "payment required")
				return
			}
			payload, err := DecodePayload(header)
			if err != nil {
				writeRequired(w, req, err.Error())
				return
			}
			verdict, err := v.Verify(r.Context(), payload, req)
			if err != nil {
				writeRequired(w, req, err.Error())
				return
			}
			if !verdict.Valid {
				logger.Debug("rejecting unpaid request", "path", r.URL.Path, "reason", verdict.Reason)
				writeRequired(w, req, verdict.Reason)
				return
			}
			ctx := context.WithValue(r.Context(), gatedKey{}, Gated{Payload: payload, Requirement: req})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeRequired(w http.ResponseWriter, req Requirement, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(RequiredResponse{
		Version: Version,
		Accepts: []Requirement{req},
		Error:   reason,
	})
}
