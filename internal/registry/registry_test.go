package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verus/internal/db"
	"verus/internal/domain"
	"verus/internal/ledger"
	"verus/internal/migrate"
	"verus/internal/registry"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return &registry.Registry{
		DB:         conn,
		Log:        &ledger.SQLLog{DB: conn},
		SigningKey: []byte("test-signing-key"),
		AuthTTL:    365 * 24 * time.Hour,
		ChainID:    296,
	}
}

func registerAgent(t *testing.T, r *registry.Registry) int64 {
	t.Helper()
	id, err := r.Register(context.Background(), "hcs://topic/1", "0xowner")
	require.NoError(t, err)
	return id
}

func TestFeedbackIndexMonotonicity(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	agentID := registerAgent(t, r)

	first, err := r.NewFeedbackAuth(ctx, agentID, "0xclient", "0xowner")
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.Index)

	token, err := r.SignFeedbackAuth(first)
	require.NoError(t, err)
	_, err = r.GiveFeedback(ctx, token, 90, "decent-specification", "")
	require.NoError(t, err)

	second, err := r.NewFeedbackAuth(ctx, agentID, "0xclient", "0xowner")
	require.NoError(t, err)
	assert.EqualValues(t, 2, second.Index)

	// A different client pair starts its own sequence.
	other, err := r.NewFeedbackAuth(ctx, agentID, "0xother", "0xowner")
	require.NoError(t, err)
	assert.EqualValues(t, 1, other.Index)
}

func TestFeedbackReplayRejected(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	agentID := registerAgent(t, r)

	auth, err := r.NewFeedbackAuth(ctx, agentID, "0xclient", "0xowner")
	require.NoError(t, err)
	token, err := r.SignFeedbackAuth(auth)
	require.NoError(t, err)

	fb, err := r.GiveFeedback(ctx, token, 85, "decent-specification", "no-feature-creeping")
	require.NoError(t, err)
	assert.Equal(t, 85, fb.Score)
	assert.NotEmpty(t, fb.TxHash)

	_, err = r.GiveFeedback(ctx, token, 85, "", "")
	var ae domain.AuthorizationError
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, ae.Reason, "already consumed")
}

func TestExpiredAuthRejected(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	agentID := registerAgent(t, r)

	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Now = func() time.Time { return issued }
	auth, err := r.NewFeedbackAuth(ctx, agentID, "0xclient", "0xowner")
	require.NoError(t, err)
	token, err := r.SignFeedbackAuth(auth)
	require.NoError(t, err)

	r.Now = func() time.Time { return issued.Add(r.AuthTTL + time.Hour) }
	_, err = r.GiveFeedback(ctx, token, 80, "", "")
	var ae domain.AuthorizationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "expired", ae.Reason)
}

func TestMalformedAuthRejected(t *testing.T) {
	r := newRegistry(t)
	_, err := r.ParseFeedbackAuth("not-a-token")
	var ae domain.AuthorizationError
	require.ErrorAs(t, err, &ae)

	// A token signed with a different key fails verification.
	other := newRegistry(t)
	other.SigningKey = []byte("other-key")
	agentID := registerAgent(t, other)
	auth, err := other.NewFeedbackAuth(context.Background(), agentID, "0xclient", "0xowner")
	require.NoError(t, err)
	token, err := other.SignFeedbackAuth(auth)
	require.NoError(t, err)
	_, err = r.ParseFeedbackAuth(token)
	require.ErrorAs(t, err, &ae)
}

func TestScoreBounds(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	agentID := registerAgent(t, r)
	auth, err := r.NewFeedbackAuth(ctx, agentID, "0xclient", "0xowner")
	require.NoError(t, err)
	token, err := r.SignFeedbackAuth(auth)
	require.NoError(t, err)

	_, err = r.GiveFeedback(ctx, token, 101, "", "")
	var ve domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestAgentCardRoundTrip(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	topic, err := r.Log.CreateTopic(ctx, "agent cards")
	require.NoError(t, err)
	card := domain.AgentCard{
		Name:            "validator",
		Description:     "grades artifacts by word count",
		ProtocolVersion: "0.3.0",
		Version:         "0.1.0",
		URL:             "http://localhost:3001",
		Skills: []domain.AgentSkill{
			{ID: "grade", Name: "Grade artifacts", Tags: []string{"grading"}},
		},
		DefaultInputModes:  []string{"application/json"},
		DefaultOutputModes: []string{"application/json"},
	}
	uri, err := r.PublishAgentCard(ctx, topic, card)
	require.NoError(t, err)
	assert.Contains(t, uri, "hcs://")

	agentID, err := r.Register(ctx, uri, "0xowner")
	require.NoError(t, err)

	resolved, err := r.ResolveCard(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, card, resolved)
}

func TestResolveUnknownAgent(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Resolve(context.Background(), 42)
	var nf domain.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "agent", nf.Resource)
}
