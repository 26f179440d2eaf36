// Package engine owns the job lifecycle state machine and mediates the
// verify -> accept -> deliver -> settle -> feedback sequence between the
// store, the audit log, the registry and the grading oracle.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"verus/internal/cidutil"
	"verus/internal/config"
	"verus/internal/domain"
	"verus/internal/ledger"
	"verus/internal/oracle"
	"verus/internal/registry"
	"verus/internal/repo"
)

// Engine is the facilitator core. It holds no in-process job state: the
// store is the single source of truth and every guard is a conditional
// update at the store boundary, safe under concurrent requests.
type Engine struct {
	Store    repo.Repo
	Log      ledger.Log
	Registry *registry.Registry
	Oracle   oracle.Grader
	Config   *config.Config
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, log ledger.Log, reg *registry.Registry, grader oracle.Grader, cfg *config.Config, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		Store:    repo.Repo{DB: db},
		Log:      log,
		Registry: reg,
		Oracle:   grader,
		Config:   cfg,
		Logger:   logger,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// CreateJob opens a job: allocates its audit topic, persists the record,
// then anchors the created snapshot as the topic's first message. The store
// write always commits before the audit append.
func (e Engine) CreateJob(ctx context.Context, description, acceptanceCriteria, sponsorFeedbackAuth string) (int64, error) {
	switch {
	case description == "":
		return 0, domain.ValidationError{Msg: "description is required"}
	case acceptanceCriteria == "":
		return 0, domain.ValidationError{Msg: "acceptanceCriteria is required"}
	case sponsorFeedbackAuth == "":
		return 0, domain.ValidationError{Msg: "feedbackAuth is required"}
	}

	logCtx, cancel := withTimeout(ctx, e.Config.Timeouts.Log)
	defer cancel()
	topic, err := e.Log.CreateTopic(logCtx, "job audit")
	if err != nil {
		return 0, fmt.Errorf("create audit topic: %w", err)
	}

	now := e.now().UTC().Format(time.RFC3339)
	job := domain.Job{
		Description:         description,
		AcceptanceCriteria:  acceptanceCriteria,
		Status:              domain.JobOpen,
		TopicRef:            topic,
		SponsorFeedbackAuth: sponsorFeedbackAuth,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	storeCtx, cancel := withTimeout(ctx, e.Config.Timeouts.Store)
	defer cancel()
	id, err := e.Store.InsertJob(storeCtx, job)
	if err != nil {
		return 0, e.classifyStore("insert job", 0, err)
	}
	job.ID = id

	if err := e.appendAudit(ctx, topic, job); err != nil {
		return 0, err
	}
	e.Logger.Info("job created", "job", id, "topic", topic)
	return id, nil
}

// AcceptJob binds a freelancer to an open job. Acceptance is exactly-once:
// a job that already left open is a conflict, never a silent overwrite.
func (e Engine) AcceptJob(ctx context.Context, jobID int64, walletAddress, feedbackAuth string) (domain.Job, error) {
	switch {
	case jobID == 0:
		return domain.Job{}, domain.ValidationError{Msg: "jobID is required"}
	case walletAddress == "":
		return domain.Job{}, domain.ValidationError{Msg: "walletAddress is required"}
	case feedbackAuth == "":
		return domain.Job{}, domain.ValidationError{Msg: "feedbackAuth is required"}
	}
	storeCtx, cancel := withTimeout(ctx, e.Config.Timeouts.Store)
	defer cancel()
	job, err := e.Store.AcceptJob(storeCtx, jobID, walletAddress, feedbackAuth, e.now())
	if err != nil {
		return domain.Job{}, e.classifyStore("accept job", jobID, err)
	}
	if err := e.appendAudit(ctx, job.TopicRef, job); err != nil {
		return domain.Job{}, err
	}
	e.Logger.Info("job accepted", "job", jobID, "freelancer", walletAddress)
	return job, nil
}

// DeliverResult is what a delivery attempt returns: the oracle's verdict
// verbatim, plus the post-transition snapshot when the delivery passed.
type DeliverResult struct {
	oracle.Result
	Job *domain.Job `json:"job,omitempty"`
}

// DeliverJob submits an artifact for grading. Only an oracle pass moves the
// job to completed; a failing verdict leaves it accepted and retryable, and
// an oracle timeout changes nothing.
func (e Engine) DeliverJob(ctx context.Context, jobID int64, artifact string) (DeliverResult, error) {
	if jobID == 0 {
		return DeliverResult{}, domain.ValidationError{Msg: "jobID is required"}
	}
	if artifact == "" {
		return DeliverResult{}, domain.ValidationError{Msg: "artifact is required"}
	}
	storeCtx, cancel := withTimeout(ctx, e.Config.Timeouts.Store)
	defer cancel()
	job, err := e.Store.GetJob(storeCtx, jobID)
	if err != nil {
		return DeliverResult{}, e.classifyStore("load job", jobID, err)
	}
	switch job.Status {
	case domain.JobOpen:
		return DeliverResult{}, domain.ConflictError{Msg: fmt.Sprintf("job %d has not been accepted", jobID)}
	case domain.JobCompleted:
		return DeliverResult{}, domain.ConflictError{Msg: fmt.Sprintf("job %d is already completed", jobID)}
	}

	oracleCtx, cancel := withTimeout(ctx, e.Config.Timeouts.Oracle)
	defer cancel()
	result, err := e.Oracle.Grade(oracleCtx, oracle.Request{
		JobID:              jobID,
		Artifact:           artifact,
		AcceptanceCriteria: job.AcceptanceCriteria,
	})
	if err != nil {
		return DeliverResult{}, fmt.Errorf("grade artifact: %w", err)
	}
	if !result.Success {
		// Intentional retry point: the job stays accepted and the verdict
		// goes back to the caller untouched.
		e.Logger.Info("delivery rejected", "job", jobID, "words", result.Words)
		return DeliverResult{Result: result}, nil
	}

	storeCtx, cancel = withTimeout(ctx, e.Config.Timeouts.Store)
	defer cancel()
	job, err = e.Store.CompleteJob(storeCtx, jobID, e.now())
	if err != nil {
		return DeliverResult{}, e.classifyStore("complete job", jobID, err)
	}
	entry := map[string]any{
		"job":         job,
		"artifactCid": cidutil.CIDv1RawSHA256([]byte(artifact)),
	}
	if result.PaymentResponse != nil {
		entry["paymentResponse"] = result.PaymentResponse
	}
	if err := e.appendAudit(ctx, job.TopicRef, entry); err != nil {
		return DeliverResult{}, err
	}
	e.Logger.Info("job completed", "job", jobID)
	return DeliverResult{Result: result, Job: &job}, nil
}

// SponsorFeedback redeems a feedback authorization and anchors the feedback
// record, merged with the current job snapshot, on the job's audit topic.
func (e Engine) SponsorFeedback(ctx context.Context, jobID int64, feedbackAuth string, score int, tag1, tag2 string) (domain.Feedback, error) {
	if jobID == 0 {
		return domain.Feedback{}, domain.ValidationError{Msg: "jobID is required"}
	}
	if feedbackAuth == "" {
		return domain.Feedback{}, domain.ValidationError{Msg: "feedbackAuth is required"}
	}
	regCtx, cancel := withTimeout(ctx, e.Config.Timeouts.Registry)
	defer cancel()
	fb, err := e.Registry.GiveFeedback(regCtx, feedbackAuth, score, tag1, tag2)
	if err != nil {
		return domain.Feedback{}, err
	}
	storeCtx, cancel := withTimeout(ctx, e.Config.Timeouts.Store)
	defer cancel()
	job, err := e.Store.GetJob(storeCtx, jobID)
	if err != nil {
		return domain.Feedback{}, e.classifyStore("load job", jobID, err)
	}
	if err := e.appendAudit(ctx, job.TopicRef, map[string]any{
		"job":      job,
		"feedback": fb,
	}); err != nil {
		return domain.Feedback{}, err
	}
	e.Logger.Info("sponsor feedback recorded", "job", jobID, "tx", fb.TxHash, "score", score)
	return fb, nil
}

// GetJob returns a snapshot.
func (e Engine) GetJob(ctx context.Context, jobID int64) (domain.Job, error) {
	storeCtx, cancel := withTimeout(ctx, e.Config.Timeouts.Store)
	defer cancel()
	job, err := e.Store.GetJob(storeCtx, jobID)
	if err != nil {
		return domain.Job{}, e.classifyStore("load job", jobID, err)
	}
	return job, nil
}

// ListJobs returns all job snapshots.
func (e Engine) ListJobs(ctx context.Context) ([]domain.Job, error) {
	storeCtx, cancel := withTimeout(ctx, e.Config.Timeouts.Store)
	defer cancel()
	jobs, err := e.Store.ListJobs(storeCtx)
	if err != nil {
		return nil, e.classifyStore("list jobs", 0, err)
	}
	return jobs, nil
}

func (e Engine) appendAudit(ctx context.Context, topic string, message any) error {
	logCtx, cancel := withTimeout(ctx, e.Config.Timeouts.Log)
	defer cancel()
	if _, err := e.Log.Append(logCtx, topic, message); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// classifyStore maps store failures into the error taxonomy.
func (e Engine) classifyStore(op string, jobID int64, err error) error {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return domain.NotFoundError{Resource: "job", ID: fmt.Sprint(jobID)}
	case errors.Is(err, repo.ErrStaleStatus):
		return domain.ConflictError{Msg: fmt.Sprintf("job %d is no longer in the expected state", jobID)}
	default:
		return domain.TransientStoreError{Op: op, Err: err}
	}
}
