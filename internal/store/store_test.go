package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barcode-drop/backend/internal/scan"
	"github.com/barcode-drop/backend/internal/session"
)

const testDatabaseEnv = "BARCODE_DROP_TEST_DATABASE_URL"

type testDB struct {
	store   *Store
	connURL string
	channel string
}

// newTestDB creates a throwaway schema and a store bound to it. It skips the
// test when no database is configured.
func newTestDB(t *testing.T) *testDB {
	t.Helper()
	dbURL := strings.TrimSpace(os.Getenv(testDatabaseEnv))
	if dbURL == "" {
		t.Skipf("%s not set; skipping Postgres integration test", testDatabaseEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	admin, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(admin.Close)

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = admin.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	})

	// Unknown URL parameters become runtime parameters of every connection.
	sep := "?"
	if strings.Contains(dbURL, "?") {
		sep = "&"
	}
	connURL := dbURL + sep + "search_path=" + schema

	channel := "barcodes_" + schema
	s, err := Open(ctx, connURL, channel)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.EnsureSchema(ctx))
	return &testDB{store: s, connURL: connURL, channel: channel}
}

func TestSchemaStatementsQuoteChannel(t *testing.T) {
	stmts := strings.Join(schemaStatements("it's"), "\n")
	assert.Contains(t, stmts, "pg_notify('it''s', json_build_object('type', 'insert'")
	assert.Contains(t, stmts, "pg_notify('it''s', json_build_object('type', 'delete'")
	assert.Contains(t, stmts, "process_instance_id UUID NOT NULL")
}

func TestOpenRejectsBadURI(t *testing.T) {
	_, err := Open(context.Background(), "postgres://%zz", "barcodes")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.store.EnsureSchema(context.Background()))
}

func TestInsertListAndDeleteScans(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := db.store

	fixed := uuid.New()
	first, err := s.InsertScan(ctx, fixed, "4006381333931", "peter")
	require.NoError(t, err)
	assert.Equal(t, fixed, first.ID)
	assert.False(t, first.ScannedAt.IsZero())

	second, err := s.InsertScan(ctx, uuid.Nil, "9780201379624", "nicholas")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, second.ID)

	_, err = s.InsertScan(ctx, fixed, "dup", "peter")
	assert.True(t, errors.Is(err, errors.AlreadyExists), "got %v", err)

	all, err := s.ListScans(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	peter, err := s.ListScansForUser(ctx, "peter")
	require.NoError(t, err)
	require.Len(t, peter, 1)
	assert.Equal(t, "4006381333931", peter[0].Barcode)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"nicholas", "peter"}, users)

	n, err := s.DeleteScans(ctx, []uuid.UUID{fixed}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.DeleteScansOfUser(ctx, "nicholas")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.DeleteScans(ctx, nil, nil)
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestSessionTable(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := db.store

	mine, theirs := uuid.New(), uuid.New()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, s.InsertSession(ctx, session.Record{ID: a, Username: "alice", ProcessID: mine}))
	require.NoError(t, s.InsertSession(ctx, session.Record{ID: b, Username: "alice", ProcessID: theirs}))
	require.NoError(t, s.InsertSession(ctx, session.Record{ID: c, Username: "bob", ProcessID: mine}))

	counts, err := s.CountSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []SessionCount{{"alice", 2}, {"bob", 1}}, counts)

	require.NoError(t, s.DeleteSession(ctx, b))
	n, err := s.DeleteSessionsForProcess(ctx, mine)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	counts, err = s.CountSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestTriggerPublishesChanges(t *testing.T) {
	db := newTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, db.connURL)
	require.NoError(t, err)
	defer conn.Close(context.Background())
	_, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{db.channel}.Sanitize())
	require.NoError(t, err)

	rec, err := db.store.InsertScan(ctx, uuid.Nil, "a", "peter")
	require.NoError(t, err)

	n, err := conn.WaitForNotification(ctx)
	require.NoError(t, err)
	ev, err := scan.Decode(n.Payload)
	require.NoError(t, err)
	assert.Equal(t, scan.KindInsert, ev.Kind)
	require.Len(t, ev.Rows, 1)
	assert.Equal(t, rec.ID, ev.Rows[0].ID)
	assert.Equal(t, "peter", ev.Rows[0].Username)
	assert.True(t, rec.ScannedAt.Equal(ev.Rows[0].ScannedAt))

	_, err = db.store.DeleteAllScans(ctx)
	require.NoError(t, err)

	n, err = conn.WaitForNotification(ctx)
	require.NoError(t, err)
	ev, err = scan.Decode(n.Payload)
	require.NoError(t, err)
	assert.Equal(t, scan.Delete(scan.Deletion{ID: rec.ID, Username: "peter"}), ev)
}

func TestTriggerBatchesLargeDeletes(t *testing.T) {
	db := newTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const rows = notifyBatch*2 + 7
	_, err := db.store.pool.Exec(ctx,
		`INSERT INTO `+barcodesTable+` (barcode, username) SELECT g::text, 'bulk' FROM generate_series(1, $1) g`, rows)
	require.NoError(t, err)

	conn, err := pgx.Connect(ctx, db.connURL)
	require.NoError(t, err)
	defer conn.Close(context.Background())
	_, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{db.channel}.Sanitize())
	require.NoError(t, err)

	_, err = db.store.DeleteScansOfUser(ctx, "bulk")
	require.NoError(t, err)

	seen := 0
	for seen < rows {
		n, err := conn.WaitForNotification(ctx)
		require.NoError(t, err)
		ev, err := scan.Decode(n.Payload)
		require.NoError(t, err)
		require.Equal(t, scan.KindDelete, ev.Kind)
		assert.LessOrEqual(t, len(ev.Deletions), notifyBatch)
		seen += len(ev.Deletions)
	}
	assert.Equal(t, rows, seen)
}
