// Package ledger is the append-only audit log: topics of sequence-numbered
// messages. A (topic, sequence) pair is the canonical pointer to a message.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"verus/internal/domain"
)

// Ref points at one message in one topic.
type Ref struct {
	Topic string
	Seq   int64
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%d", r.Topic, r.Seq)
}

// ParseRef parses "topic/seq".
func ParseRef(s string) (Ref, error) {
	i := strings.LastIndex(s, "/")
	if i <= 0 || i == len(s)-1 {
		return Ref{}, domain.ValidationError{Msg: fmt.Sprintf("malformed message ref %q", s)}
	}
	seq, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return Ref{}, domain.ValidationError{Msg: fmt.Sprintf("malformed message ref %q", s)}
	}
	return Ref{Topic: s[:i], Seq: seq}, nil
}

// Log is the append-only message log. Read may transiently miss a freshly
// appended message; callers tolerate that with ReadWithRetry, not by treating
// a miss as permanent absence.
type Log interface {
	CreateTopic(ctx context.Context, memo string) (string, error)
	Append(ctx context.Context, topic string, message any) (Ref, error)
	Read(ctx context.Context, ref Ref) ([]byte, error)
}

// ReadWithRetry reads a message, backing off on transient misses.
func ReadWithRetry(ctx context.Context, log Log, ref Ref, attempts int, backoff time.Duration) ([]byte, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		data, err := log.Read(ctx, ref)
		if err == nil {
			return data, nil
		}
		var nf domain.NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
