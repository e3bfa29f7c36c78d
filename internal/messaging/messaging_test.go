package messaging_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"casework/internal/config"
	"casework/internal/db"
	"casework/internal/domain"
	"casework/internal/messaging"
	"casework/internal/migrate"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func enqueue(t *testing.T, conn *sql.DB, store messaging.Store, reference string, ts time.Time) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	info := []byte(fmt.Sprintf(`{"case_id":%q}`, reference))
	if err := store.Enqueue(ctx, tx, reference, "CASE_EVENT", ts, info); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

type fakeBus struct {
	sent    []string
	failRef string
}

func (b *fakeBus) Publish(_ context.Context, c domain.MessageCandidate) error {
	if c.CaseReference == b.failRef {
		return errors.New("broker unavailable")
	}
	b.sent = append(b.sent, c.CaseReference)
	return nil
}

func messagingConfig(batch int) config.MessagingConfig {
	return config.MessagingConfig{
		MessageType: "CASE_EVENT",
		BatchSize:   batch,
		Interval:    config.Duration(time.Second),
	}
}

func TestClaimBatchIsExclusive(t *testing.T) {
	conn := newTestDB(t)
	store := messaging.Store{DB: conn}
	ctx := context.Background()
	base := time.Now()

	enqueue(t, conn, store, "ref-1", base)
	enqueue(t, conn, store, "ref-2", base.Add(time.Second))

	claimed, fetched, err := store.ClaimBatch(ctx, "CASE_EVENT", 10)
	if err != nil || fetched != 2 || len(claimed) != 2 {
		t.Fatalf("want 2 claimed of 2 fetched, got %d/%d err=%v", len(claimed), fetched, err)
	}
	// rows are ordered by timestamp
	if claimed[0].CaseReference != "ref-1" {
		t.Fatalf("oldest first, got %s", claimed[0].CaseReference)
	}
	// a second claimant sees nothing while the claim holds
	claimed, fetched, err = store.ClaimBatch(ctx, "CASE_EVENT", 10)
	if err != nil || fetched != 0 || len(claimed) != 0 {
		t.Fatalf("claimed rows must be invisible, got %d/%d err=%v", len(claimed), fetched, err)
	}
}

func TestConfiguredClaimWindowBoundsTheClaim(t *testing.T) {
	conn := newTestDB(t)
	now := time.Now()
	store := messaging.Store{
		DB:          conn,
		ClaimWindow: 30 * time.Second,
		Now:         func() time.Time { return now },
	}
	ctx := context.Background()

	enqueue(t, conn, store, "ref-1", now)

	claimed, _, err := store.ClaimBatch(ctx, "CASE_EVENT", 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("first claim: got %d err=%v", len(claimed), err)
	}

	// still inside the configured window
	store.Now = func() time.Time { return now.Add(29 * time.Second) }
	claimed, _, err = store.ClaimBatch(ctx, "CASE_EVENT", 10)
	if err != nil || len(claimed) != 0 {
		t.Fatalf("claim must hold for the full window, got %d err=%v", len(claimed), err)
	}

	// the window has lapsed without a publish, so another instance may retry
	store.Now = func() time.Time { return now.Add(31 * time.Second) }
	claimed, _, err = store.ClaimBatch(ctx, "CASE_EVENT", 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("lapsed claim must be claimable again, got %d err=%v", len(claimed), err)
	}
}

func TestPublishPendingDrainsInBatches(t *testing.T) {
	conn := newTestDB(t)
	store := messaging.Store{DB: conn}
	base := time.Now()
	for i := 0; i < 5; i++ {
		enqueue(t, conn, store, fmt.Sprintf("ref-%d", i), base.Add(time.Duration(i)*time.Second))
	}

	bus := &fakeBus{}
	pub := messaging.Publisher{Store: store, Bus: bus, Config: messagingConfig(2)}
	n, err := pub.PublishPending(context.Background())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n != 5 || len(bus.sent) != 5 {
		t.Fatalf("want all 5 published in one run, got %d", n)
	}

	// nothing left: the next run is a no-op
	n, err = pub.PublishPending(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("drained queue must publish nothing, got %d err=%v", n, err)
	}
}

func TestFailedCandidateDoesNotBlockBatch(t *testing.T) {
	conn := newTestDB(t)
	store := messaging.Store{DB: conn}
	base := time.Now()
	enqueue(t, conn, store, "ref-bad", base)
	enqueue(t, conn, store, "ref-ok", base.Add(time.Second))

	bus := &fakeBus{failRef: "ref-bad"}
	pub := messaging.Publisher{Store: store, Bus: bus, Config: messagingConfig(10)}
	n, err := pub.PublishPending(context.Background())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n != 1 || len(bus.sent) != 1 || bus.sent[0] != "ref-ok" {
		t.Fatalf("healthy row must publish despite the failure, got %v", bus.sent)
	}

	// the failed row was released and goes out once the broker recovers
	bus.failRef = ""
	n, err = pub.PublishPending(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("released row must publish on the next run, got %d err=%v", n, err)
	}
}

func TestRetentionSweep(t *testing.T) {
	conn := newTestDB(t)
	now := time.Now()
	store := messaging.Store{DB: conn}
	enqueue(t, conn, store, "ref-old", now.AddDate(0, 0, -30))

	bus := &fakeBus{}
	cfg := messagingConfig(10)
	cfg.RetentionDays = 7
	// first run publishes the old candidate back-dated three weeks
	pub := messaging.Publisher{Store: store, Bus: bus, Config: cfg, Now: func() time.Time { return now.AddDate(0, 0, -20) }}
	if _, err := pub.PublishPending(context.Background()); err != nil {
		t.Fatal(err)
	}

	// today: a fresh candidate publishes and the stale one is swept
	enqueue(t, conn, store, "ref-new", now)
	pub.Now = func() time.Time { return now }
	if _, err := pub.PublishPending(context.Background()); err != nil {
		t.Fatal(err)
	}
	var remaining int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM message_candidates`).Scan(&remaining); err != nil {
		t.Fatal(err)
	}
	if remaining != 1 {
		t.Fatalf("sweep must keep only rows inside the window, got %d", remaining)
	}
}

func TestSweepIgnoresUnpublished(t *testing.T) {
	conn := newTestDB(t)
	now := time.Now()
	store := messaging.Store{DB: conn}
	enqueue(t, conn, store, "ref-pending", now.AddDate(0, 0, -30))

	n, err := store.DeletePublishedBefore(context.Background(), "CASE_EVENT", now)
	if err != nil || n != 0 {
		t.Fatalf("unpublished rows must never be swept, got %d err=%v", n, err)
	}
}
