package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"verus/internal/db"
	"verus/internal/domain"
	"verus/internal/ledger"
	"verus/internal/migrate"
)

func newLog(t *testing.T) *ledger.SQLLog {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &ledger.SQLLog{DB: conn}
}

func TestAppendSequencesAreMonotonic(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()
	topic, err := log.CreateTopic(ctx, "test")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	for want := int64(1); want <= 5; want++ {
		ref, err := log.Append(ctx, topic, map[string]any{"n": want})
		if err != nil {
			t.Fatalf("append %d: %v", want, err)
		}
		if ref.Seq != want {
			t.Fatalf("seq = %d, want %d", ref.Seq, want)
		}
	}

	// A second topic keeps its own counter.
	other, err := log.CreateTopic(ctx, "other")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	ref, err := log.Append(ctx, other, "first")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ref.Seq != 1 {
		t.Fatalf("other topic seq = %d, want 1", ref.Seq)
	}
}

func TestReadBackMessage(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()
	topic, err := log.CreateTopic(ctx, "test")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	ref, err := log.Append(ctx, topic, map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	data, err := log.Read(ctx, ref)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]string
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg["hello"] != "world" {
		t.Fatalf("message = %v", msg)
	}
}

func TestAppendToUnknownTopic(t *testing.T) {
	log := newLog(t)
	_, err := log.Append(context.Background(), "no-such-topic", "msg")
	var nf domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want NotFoundError", err)
	}
}

func TestReadMissIsNotFound(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()
	topic, err := log.CreateTopic(ctx, "test")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	_, err = log.Read(ctx, ledger.Ref{Topic: topic, Seq: 7})
	var nf domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want NotFoundError", err)
	}
}

func TestReadWithRetryEventuallySees(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()
	topic, err := log.CreateTopic(ctx, "test")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		log.Append(ctx, topic, "late")
	}()

	data, err := ledger.ReadWithRetry(ctx, log, ledger.Ref{Topic: topic, Seq: 1}, 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("retry read: %v", err)
	}
	if string(data) != `"late"` {
		t.Fatalf("data = %s", data)
	}
}

func TestReadWithRetryGivesUp(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()
	topic, err := log.CreateTopic(ctx, "test")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	_, err = ledger.ReadWithRetry(ctx, log, ledger.Ref{Topic: topic, Seq: 1}, 3, time.Millisecond)
	var nf domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want NotFoundError", err)
	}
}

func TestParseRef(t *testing.T) {
	ref, err := ledger.ParseRef("topic-a/12")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ref.Topic != "topic-a" || ref.Seq != 12 {
		t.Fatalf("ref = %+v", ref)
	}
	if ref.String() != "topic-a/12" {
		t.Fatalf("string = %s", ref.String())
	}
	for _, bad := range []string{"", "noslash", "topic/", "/1", "topic/notanumber"} {
		if _, err := ledger.ParseRef(bad); err == nil {
			t.Fatalf("ParseRef(%q) should fail", bad)
		}
	}
}
