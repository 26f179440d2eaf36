package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"verus/internal/domain"
)

// SQLLog stores topics in the local database. The consensus service behind
// the real deployment exposes the same contract; sequence numbers here come
// from a per-topic counter inside one transaction instead of consensus order.
type SQLLog struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l *SQLLog) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *SQLLog) CreateTopic(ctx context.Context, memo string) (string, error) {
	id := uuid.NewString()
	_, err := l.DB.ExecContext(ctx, `INSERT INTO topics(id,memo,created_at) VALUES (?,?,?)`,
		id, memo, l.now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("create topic: %w", err)
	}
	return id, nil
}

// Append durably appends a message and returns its sequence reference.
// Sequences are contiguous and strictly increasing per topic.
func (l *SQLLog) Append(ctx context.Context, topic string, message any) (Ref, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return Ref{}, fmt.Errorf("marshal topic message: %w", err)
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return Ref{}, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM topics WHERE id=?`, topic).Scan(&exists); err != nil {
		return Ref{}, err
	}
	if exists == 0 {
		return Ref{}, domain.NotFoundError{Resource: "topic", ID: topic}
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM topic_messages WHERE topic_id=?`, topic).Scan(&seq); err != nil {
		return Ref{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO topic_messages(topic_id,seq,payload_json,ts) VALUES (?,?,?,?)`,
		topic, seq, string(data), l.now().UTC().Format(time.RFC3339)); err != nil {
		return Ref{}, fmt.Errorf("append to topic %s: %w", topic, err)
	}
	if err := tx.Commit(); err != nil {
		return Ref{}, err
	}
	return Ref{Topic: topic, Seq: seq}, nil
}

func (l *SQLLog) Read(ctx context.Context, ref Ref) ([]byte, error) {
	var payload string
	err := l.DB.QueryRowContext(ctx, `SELECT payload_json FROM topic_messages WHERE topic_id=? AND seq=?`,
		ref.Topic, ref.Seq).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundError{Resource: "message", ID: ref.String()}
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}
