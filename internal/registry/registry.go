// Package registry adapts the on-ledger identity and reputation registries:
// agent registration/lookup and the feedback-authorization flow.
package registry

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"verus/internal/domain"
	"verus/internal/ledger"
)

const uriScheme = "hcs://"

// Registry talks to the identity and reputation ledgers. Feedback
// authorizations are signed tuples; the ledger's unique index constraint is
// what makes each one single-use, not any in-process bookkeeping.
type Registry struct {
	DB         *sql.DB
	Log        ledger.Log
	SigningKey []byte
	AuthTTL    time.Duration
	ChainID    int64
	Now        func() time.Time
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Register submits a metadata URI and returns the assigned agent id. The
// adapter does not deduplicate; callers check for an already-configured id
// before registering.
func (r *Registry) Register(ctx context.Context, metadataURI, ownerAddress string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO agents(metadata_uri,owner_address,created_at) VALUES (?,?,?)`,
		metadataURI, ownerAddress, r.now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("register agent: %w", err)
	}
	return res.LastInsertId()
}

// Resolve returns the metadata URI registered for an agent id.
func (r *Registry) Resolve(ctx context.Context, agentID int64) (string, error) {
	var uri string
	err := r.DB.QueryRowContext(ctx, `SELECT metadata_uri FROM agents WHERE id=?`, agentID).Scan(&uri)
	if err == sql.ErrNoRows {
		return "", domain.NotFoundError{Resource: "agent", ID: fmt.Sprint(agentID)}
	}
	return uri, err
}

// PublishAgentCard appends the card to the agents topic and returns its URI.
func (r *Registry) PublishAgentCard(ctx context.Context, topic string, card domain.AgentCard) (string, error) {
	ref, err := r.Log.Append(ctx, topic, card)
	if err != nil {
		return "", fmt.Errorf("publish agent card: %w", err)
	}
	return uriScheme + ref.String(), nil
}

// ResolveCard follows an agent's metadata URI back through the audit log.
// The log may lag a fresh append, so the read retries with backoff.
func (r *Registry) ResolveCard(ctx context.Context, agentID int64) (domain.AgentCard, error) {
	var card domain.AgentCard
	uri, err := r.Resolve(ctx, agentID)
	if err != nil {
		return card, err
	}
	if !strings.HasPrefix(uri, uriScheme) {
		return card, domain.ValidationError{Msg: fmt.Sprintf("unsupported metadata URI %q", uri)}
	}
	ref, err := ledger.ParseRef(strings.TrimPrefix(uri, uriScheme))
	if err != nil {
		return card, err
	}
	data, err := ledger.ReadWithRetry(ctx, r.Log, ref, 5, 200*time.Millisecond)
	if err != nil {
		return card, err
	}
	if err := json.Unmarshal(data, &card); err != nil {
		return card, fmt.Errorf("decode agent card: %w", err)
	}
	return card, nil
}

// LastFeedbackIndex returns the highest consumed index for the pair, 0 if none.
func (r *Registry) LastFeedbackIndex(ctx context.Context, agentID int64, clientAddress string) (int64, error) {
	var last int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(idx),0) FROM feedback WHERE agent_id=? AND client_address=?`,
		agentID, clientAddress).Scan(&last)
	return last, err
}

// NewFeedbackAuth constructs the next authorization for the pair: index is
// last-used + 1, expiry is now + AuthTTL.
func (r *Registry) NewFeedbackAuth(ctx context.Context, agentID int64, clientAddress, recipientAddress string) (domain.FeedbackAuthorization, error) {
	last, err := r.LastFeedbackIndex(ctx, agentID, clientAddress)
	if err != nil {
		return domain.FeedbackAuthorization{}, err
	}
	return domain.FeedbackAuthorization{
		AgentID:          agentID,
		ClientAddress:    clientAddress,
		Index:            last + 1,
		Expiry:           r.now().Add(r.AuthTTL).Unix(),
		ChainID:          r.ChainID,
		RecipientAddress: recipientAddress,
	}, nil
}

type authClaims struct {
	jwt.RegisteredClaims
	AgentID          int64  `json:"agent_id"`
	ClientAddress    string `json:"client_address"`
	Index            int64  `json:"index"`
	ChainID          int64  `json:"chain_id"`
	RecipientAddress string `json:"recipient_address"`
}

// SignFeedbackAuth signs the tuple into its portable token form.
func (r *Registry) SignFeedbackAuth(auth domain.FeedbackAuthorization) (string, error) {
	claims := authClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Unix(auth.Expiry, 0)),
			IssuedAt:  jwt.NewNumericDate(r.now()),
		},
		AgentID:          auth.AgentID,
		ClientAddress:    auth.ClientAddress,
		Index:            auth.Index,
		ChainID:          auth.ChainID,
		RecipientAddress: auth.RecipientAddress,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.SigningKey)
}

// ParseFeedbackAuth verifies a signed authorization token.
func (r *Registry) ParseFeedbackAuth(token string) (domain.FeedbackAuthorization, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(r.now))
	claims := &authClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return r.SigningKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.FeedbackAuthorization{}, domain.AuthorizationError{Reason: "expired"}
		}
		return domain.FeedbackAuthorization{}, domain.AuthorizationError{Reason: "malformed: " + err.Error()}
	}
	if !parsed.Valid {
		return domain.FeedbackAuthorization{}, domain.AuthorizationError{Reason: "invalid signature"}
	}
	return domain.FeedbackAuthorization{
		AgentID:          claims.AgentID,
		ClientAddress:    claims.ClientAddress,
		Index:            claims.Index,
		Expiry:           claims.ExpiresAt.Unix(),
		ChainID:          claims.ChainID,
		RecipientAddress: claims.RecipientAddress,
	}, nil
}

// GiveFeedback redeems an authorization with a score and tags, returning the
// ledger transaction reference. Redeeming a consumed index fails: the
// feedback table's primary key is (agent_id, client_address, idx).
func (r *Registry) GiveFeedback(ctx context.Context, token string, score int, tag1, tag2 string) (domain.Feedback, error) {
	auth, err := r.ParseFeedbackAuth(token)
	if err != nil {
		return domain.Feedback{}, err
	}
	if score < 0 || score > 100 {
		return domain.Feedback{}, domain.ValidationError{Msg: "score must be between 0 and 100"}
	}
	now := r.now().UTC().Format(time.RFC3339)
	txHash := feedbackTxHash(auth, score, now)
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO feedback(agent_id,client_address,idx,score,tag1,tag2,tx_hash,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		auth.AgentID, auth.ClientAddress, auth.Index, score, tag1, tag2, txHash, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "constraint failed") {
			return domain.Feedback{}, domain.AuthorizationError{Reason: fmt.Sprintf("index %d already consumed", auth.Index)}
		}
		return domain.Feedback{}, fmt.Errorf("record feedback: %w", err)
	}
	return domain.Feedback{
		AgentID:       auth.AgentID,
		ClientAddress: auth.ClientAddress,
		Index:         auth.Index,
		Score:         score,
		Tag1:          tag1,
		Tag2:          tag2,
		TxHash:        txHash,
		CreatedAt:     now,
	}, nil
}

func feedbackTxHash(auth domain.FeedbackAuthorization, score int, ts string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%d|%d|%s", auth.AgentID, auth.ClientAddress, auth.Index, score, ts)))
	return "0x" + hex.EncodeToString(sum[:])
}
