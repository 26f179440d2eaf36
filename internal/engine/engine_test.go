package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"verus/internal/config"
	"verus/internal/db"
	"verus/internal/domain"
	"verus/internal/engine"
	"verus/internal/ledger"
	"verus/internal/migrate"
	"verus/internal/oracle"
	"verus/internal/registry"
)

type testEnv struct {
	Engine   engine.Engine
	Registry *registry.Registry
	Log      *ledger.SQLLog
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	cfg := config.Default()
	log := &ledger.SQLLog{DB: conn, Now: now}
	reg := &registry.Registry{
		DB:         conn,
		Log:        log,
		SigningKey: []byte(cfg.Registry.SigningKey),
		AuthTTL:    cfg.Registry.FeedbackAuthTTL,
		ChainID:    cfg.Payment.ChainID,
		Now:        now,
	}
	eng := engine.New(conn, log, reg, oracle.WordCount{}, cfg, nil)
	eng.Now = now
	return testEnv{Engine: eng, Registry: reg, Log: log, Ctx: context.Background()}
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

func TestCreateAcceptDeliverFlow(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.Engine.CreateJob(env.Ctx, "Write 500 words", "500", "sponsor-auth")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if id != 1 {
		t.Fatalf("first job id = %d, want 1", id)
	}
	job, err := env.Engine.GetJob(env.Ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobOpen {
		t.Fatalf("status after create = %s, want open", job.Status)
	}

	job, err = env.Engine.AcceptJob(env.Ctx, id, "0xabc", "freelancer-auth")
	if err != nil {
		t.Fatalf("accept job: %v", err)
	}
	if job.Status != domain.JobAccepted {
		t.Fatalf("status after accept = %s, want accepted", job.Status)
	}
	if job.FreelancerAddress == nil || *job.FreelancerAddress != "0xabc" {
		t.Fatalf("freelancer address not recorded: %+v", job.FreelancerAddress)
	}

	res, err := env.Engine.DeliverJob(env.Ctx, id, words(500))
	if err != nil {
		t.Fatalf("deliver job: %v", err)
	}
	if !res.Success || res.Words != 500 {
		t.Fatalf("verdict = %+v, want success with 500 words", res.Verdict)
	}
	if res.Job == nil || res.Job.Status != domain.JobCompleted {
		t.Fatalf("job after deliver = %+v, want completed", res.Job)
	}
}

func TestAuditFirstEntryIsCreatedSnapshot(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Engine.CreateJob(env.Ctx, "Write 500 words", "500", "sponsor-auth")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	job, err := env.Engine.GetJob(env.Ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	data, err := env.Log.Read(env.Ctx, ledger.Ref{Topic: job.TopicRef, Seq: 1})
	if err != nil {
		t.Fatalf("read first audit entry: %v", err)
	}
	var snapshot domain.Job
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatalf("decode audit entry: %v", err)
	}
	if snapshot.ID != id || snapshot.Status != domain.JobOpen || snapshot.Description != job.Description {
		t.Fatalf("audit snapshot = %+v, want created job %+v", snapshot, job)
	}
}

func TestAcceptIsExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Engine.CreateJob(env.Ctx, "Write 500 words", "500", "sponsor-auth")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := env.Engine.AcceptJob(env.Ctx, id, "0xabc", "auth-1"); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	_, err = env.Engine.AcceptJob(env.Ctx, id, "0xdef", "auth-2")
	var ce domain.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("second accept error = %v, want ConflictError", err)
	}
	job, err := env.Engine.GetJob(env.Ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if *job.FreelancerAddress != "0xabc" {
		t.Fatalf("freelancer overwritten to %s", *job.FreelancerAddress)
	}
}

func TestAcceptUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AcceptJob(env.Ctx, 42, "0xabc", "auth")
	var nf domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want NotFoundError", err)
	}
}

func TestFailedDeliveryIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Engine.CreateJob(env.Ctx, "Write 500 words", "500", "sponsor-auth")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := env.Engine.AcceptJob(env.Ctx, id, "0xabc", "auth"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	res, err := env.Engine.DeliverJob(env.Ctx, id, words(480))
	if err != nil {
		t.Fatalf("short delivery: %v", err)
	}
	if res.Success || res.Words != 480 {
		t.Fatalf("verdict = %+v, want failure with 480 words", res.Verdict)
	}
	job, err := env.Engine.GetJob(env.Ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobAccepted {
		t.Fatalf("status after failed delivery = %s, want accepted", job.Status)
	}

	res, err = env.Engine.DeliverJob(env.Ctx, id, words(500))
	if err != nil {
		t.Fatalf("corrected delivery: %v", err)
	}
	if !res.Success || res.Job.Status != domain.JobCompleted {
		t.Fatalf("corrected delivery = %+v, want completed", res)
	}
}

func TestDeliverRequiresAcceptedJob(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Engine.CreateJob(env.Ctx, "Write 500 words", "500", "sponsor-auth")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	_, err = env.Engine.DeliverJob(env.Ctx, id, words(500))
	var ce domain.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("deliver on open job = %v, want ConflictError", err)
	}

	if _, err := env.Engine.AcceptJob(env.Ctx, id, "0xabc", "auth"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.Engine.DeliverJob(env.Ctx, id, words(500)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	_, err = env.Engine.DeliverJob(env.Ctx, id, words(500))
	if !errors.As(err, &ce) {
		t.Fatalf("deliver on completed job = %v, want ConflictError", err)
	}
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name                         string
		desc, criteria, feedbackAuth string
	}{
		{"missing description", "", "500", "auth"},
		{"missing criteria", "Write 500 words", "", "auth"},
		{"missing feedback auth", "Write 500 words", "500", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CreateJob(env.Ctx, tc.desc, tc.criteria, tc.feedbackAuth)
			var ve domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
		})
	}
}

func TestSponsorFeedbackAnchorsOnAuditLog(t *testing.T) {
	env := newTestEnv(t)

	agentID, err := env.Registry.Register(env.Ctx, "hcs://unused/1", "0xfreelancer")
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	auth, err := env.Registry.NewFeedbackAuth(env.Ctx, agentID, "0xsponsor", "0xfreelancer")
	if err != nil {
		t.Fatalf("issue auth: %v", err)
	}
	token, err := env.Registry.SignFeedbackAuth(auth)
	if err != nil {
		t.Fatalf("sign auth: %v", err)
	}

	id, err := env.Engine.CreateJob(env.Ctx, "Write 500 words", "500", "sponsor-auth")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := env.Engine.AcceptJob(env.Ctx, id, "0xfreelancer", token); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.Engine.DeliverJob(env.Ctx, id, words(500)); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	fb, err := env.Engine.SponsorFeedback(env.Ctx, id, token, 88, "decent-specification", "no-feature-creeping")
	if err != nil {
		t.Fatalf("sponsor feedback: %v", err)
	}
	if fb.Score != 88 || fb.TxHash == "" {
		t.Fatalf("feedback = %+v", fb)
	}

	job, err := env.Engine.GetJob(env.Ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	// create, accept, deliver, feedback: the feedback entry is seq 4.
	data, err := env.Log.Read(env.Ctx, ledger.Ref{Topic: job.TopicRef, Seq: 4})
	if err != nil {
		t.Fatalf("read feedback entry: %v", err)
	}
	var entry struct {
		Feedback domain.Feedback `json:"feedback"`
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("decode feedback entry: %v", err)
	}
	if entry.Feedback.TxHash != fb.TxHash {
		t.Fatalf("audit feedback tx = %s, want %s", entry.Feedback.TxHash, fb.TxHash)
	}
}
