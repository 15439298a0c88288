package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"launchpad/internal/db"
	"launchpad/internal/domain"
	"launchpad/internal/migrate"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func str(s string) *string { return &s }

func sampleLaunch(id, creator, createdAt string) domain.Launch {
	return domain.Launch{
		ID:                id,
		CreatorWallet:     creator,
		AgentName:         "Bot",
		Personality:       "curious",
		Bio:               str("bio"),
		PostingFrequency:  domain.PostingDaily1,
		AllowTokenMention: true,
		TokenName:         "Moon",
		TokenSymbol:       "MOON",
		Mint:              str("mint-" + id),
		TxSignature:       str("sig-" + id),
		Status:            domain.StatusFailedPartial,
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
	}
}

func insert(t *testing.T, r Repo, l domain.Launch) {
	t.Helper()
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.InsertLaunchTx(context.Background(), tx, l); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestLaunchRoundTripAndList(t *testing.T) {
	r := Repo{DB: openTestDB(t)}
	ctx := context.Background()
	insert(t, r, sampleLaunch("a", "w1", "2026-01-01T00:00:00Z"))
	insert(t, r, sampleLaunch("b", "w1", "2026-01-02T00:00:00Z"))
	insert(t, r, sampleLaunch("c", "w2", "2026-01-03T00:00:00Z"))

	got, err := r.GetLaunch(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Bio == nil || *got.Bio != "bio" || !got.AllowTokenMention || got.IdentityAPIKey != nil {
		t.Fatalf("unexpected launch: %+v", got)
	}

	list, err := r.ListLaunches(ctx, LaunchFilters{Creator: "w1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "a" {
		t.Fatalf("expected newest first for w1, got %+v", list)
	}

	if _, err := r.GetLaunch(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateLaunchScopedByCreator(t *testing.T) {
	r := Repo{DB: openTestDB(t)}
	ctx := context.Background()
	insert(t, r, sampleLaunch("a", "w1", "2026-01-01T00:00:00Z"))

	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	l := sampleLaunch("a", "intruder", "2026-01-01T00:00:00Z")
	l.Status = domain.StatusAgentRegistered
	if err := r.UpdateLaunchTx(ctx, tx, l); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for foreign creator, got %v", err)
	}
	if _, err := r.GetOwnedLaunchTx(ctx, tx, "a", "intruder"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected owned lookup to fail, got %v", err)
	}
}

func TestUpdateLaunchIssuesScopedStatement(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)UPDATE launches SET .* WHERE id=\? AND creator_wallet=\?`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r := Repo{DB: conn}
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.UpdateLaunchTx(context.Background(), tx, sampleLaunch("a", "w1", "2026-01-01T00:00:00Z")); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLaunchEventsAreAppendOnly(t *testing.T) {
	r := Repo{DB: openTestDB(t)}
	ctx := context.Background()
	insert(t, r, sampleLaunch("a", "w1", "2026-01-01T00:00:00Z"))
	if _, err := r.DB.Exec(`INSERT INTO launch_events(launch_id,step,status,message,metadata_json,created_at) VALUES ('a','finalize','success','m','{"mint":"x"}','2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	events, err := r.ListLaunchEvents(ctx, "a")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Metadata["mint"] != "x" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if _, err := r.DB.Exec(`UPDATE launch_events SET status='failed'`); err == nil {
		t.Fatalf("expected update to be rejected")
	}
	if _, err := r.DB.Exec(`DELETE FROM launch_events`); err == nil {
		t.Fatalf("expected delete to be rejected")
	}

	latest, err := r.LatestEventID(ctx)
	if err != nil || latest != events[0].ID {
		t.Fatalf("latest id = %d, %v", latest, err)
	}
	after, err := r.EventsAfter(ctx, 10, latest)
	if err != nil || len(after) != 0 {
		t.Fatalf("expected no events after latest, got %d, %v", len(after), err)
	}
}
