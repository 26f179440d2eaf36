// Package oracle is the grading boundary: an external judgment service
// deciding whether a delivered artifact satisfies its acceptance criterion.
package oracle

import (
	"context"
	"strconv"
	"strings"

	"verus/internal/domain"
	"verus/internal/payment"
)

// Request carries one artifact to be judged against a criterion.
type Request struct {
	JobID              int64  `json:"jobID"`
	Artifact           string `json:"artifact"`
	AcceptanceCriteria string `json:"acceptanceCriteria"`
}

// Verdict is the oracle's judgment, returned to the caller verbatim.
type Verdict struct {
	Success bool `json:"success"`
	Words   int  `json:"words"`
}

// Result pairs the verdict with the payment receipt of the gated call, when
// the grader was reached through a paid endpoint.
type Result struct {
	Verdict
	PaymentResponse *payment.SettleResponse `json:"paymentResponse,omitempty"`
}

// Grader judges artifacts. Implementations must respect ctx cancellation: a
// timed-out grade leaves the job untouched.
type Grader interface {
	Grade(ctx context.Context, req Request) (Result, error)
}

// WordCount is the reference grader: it counts the artifact's words and
// passes when the count equals the numeric acceptance criterion.
type WordCount struct{}

func (WordCount) Grade(_ context.Context, req Request) (Result, error) {
	want, err := strconv.Atoi(strings.TrimSpace(req.AcceptanceCriteria))
	if err != nil {
		return Result{}, domain.ValidationError{Msg: "acceptance criteria must be a word count"}
	}
	words := len(strings.Fields(req.Artifact))
	return Result{Verdict: Verdict{Success: words == want, Words: words}}, nil
}
