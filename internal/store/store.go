// Package store is the Postgres persistence layer: the barcodes table, the
// durable session table and the trigger that publishes barcode changes on a
// notification channel.
package store

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/barcode-drop/backend/internal/scan"
	"github.com/barcode-drop/backend/internal/session"
)

const (
	barcodesTable = "barcodes"
	sessionsTable = "websocket_connections"

	// notifyBatch bounds the rows per notification so a bulk delete stays
	// under the server's payload limit.
	notifyBatch = 50
)

var (
	logger    = loggo.GetLogger("barcodedrop.store")
	sqlLogger = loggo.GetLogger("barcodedrop.store.sql")
)

// Store wraps a pgx connection pool.
type Store struct {
	pool    *pgxpool.Pool
	channel string
}

var _ session.Table = (*Store)(nil)

// Open creates a pool for connString, verifies it with a ping and logs every
// statement at TRACE. Notifications for scan changes are published on channel.
func Open(ctx context.Context, connString, channel string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.NewNotValid(err, "database connection URI")
	}
	cfg.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   tracelog.LoggerFunc(logSQL),
		LogLevel: tracelog.LogLevelTrace,
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Annotate(err, "creating connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Annotate(err, "pinging database")
	}
	return New(pool, channel), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, channel string) *Store {
	return &Store{pool: pool, channel: channel}
}

func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Trace(s.pool.Ping(ctx))
}

func logSQL(_ context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	if !sqlLogger.IsTraceEnabled() {
		return
	}
	if sql, ok := data["sql"]; ok {
		sqlLogger.Tracef("%s: %s %v", msg, sql, data["args"])
		return
	}
	sqlLogger.Tracef("%s [%s] %v", msg, level, data)
}

// EnsureSchema creates the tables, indexes and notify trigger if they do not
// exist. It is idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.channel) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errors.Annotate(err, "ensure schema")
		}
	}
	logger.Infof("schema ready, notifying on channel %q", s.channel)
	return nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func schemaStatements(channel string) []string {
	ch := quoteLiteral(channel)
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + barcodesTable + ` (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    scanned_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    barcode    TEXT NOT NULL,
    username   TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_barcodes_username_scanned_at
    ON ` + barcodesTable + ` (username, scanned_at DESC)`,
		`CREATE TABLE IF NOT EXISTS ` + sessionsTable + ` (
    id                  UUID PRIMARY KEY,
    username            TEXT NOT NULL,
    process_instance_id UUID NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_websocket_connections_process
    ON ` + sessionsTable + ` (process_instance_id)`,
		`CREATE OR REPLACE FUNCTION notify_barcodes_insert() RETURNS trigger AS $$
DECLARE
    batch json;
BEGIN
    FOR batch IN
        SELECT json_agg(json_build_object(
                   'id', id, 'scanned_at', scanned_at,
                   'barcode', barcode, 'username', username))
        FROM (SELECT *, (row_number() OVER () - 1) / ` + strconv.Itoa(notifyBatch) + ` AS grp FROM new_rows) r
        GROUP BY grp
        ORDER BY grp
    LOOP
        PERFORM pg_notify(` + ch + `, json_build_object('type', 'insert', 'data', batch)::text);
    END LOOP;
    RETURN NULL;
END;
$$ LANGUAGE plpgsql`,
		`CREATE OR REPLACE FUNCTION notify_barcodes_delete() RETURNS trigger AS $$
DECLARE
    batch json;
BEGIN
    FOR batch IN
        SELECT json_agg(json_build_object('id', id, 'username', username))
        FROM (SELECT *, (row_number() OVER () - 1) / ` + strconv.Itoa(notifyBatch) + ` AS grp FROM old_rows) r
        GROUP BY grp
        ORDER BY grp
    LOOP
        PERFORM pg_notify(` + ch + `, json_build_object('type', 'delete', 'data', batch)::text);
    END LOOP;
    RETURN NULL;
END;
$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS barcodes_notify_insert ON ` + barcodesTable,
		`CREATE TRIGGER barcodes_notify_insert
    AFTER INSERT ON ` + barcodesTable + `
    REFERENCING NEW TABLE AS new_rows
    FOR EACH STATEMENT EXECUTE FUNCTION notify_barcodes_insert()`,
		`DROP TRIGGER IF EXISTS barcodes_notify_delete ON ` + barcodesTable,
		`CREATE TRIGGER barcodes_notify_delete
    AFTER DELETE ON ` + barcodesTable + `
    REFERENCING OLD TABLE AS old_rows
    FOR EACH STATEMENT EXECUTE FUNCTION notify_barcodes_delete()`,
	}
}

const selectScans = `SELECT id, scanned_at, barcode, username FROM ` + barcodesTable

func scanRecord(row pgx.CollectableRow) (scan.Record, error) {
	var r scan.Record
	err := row.Scan(&r.ID, &r.ScannedAt, &r.Barcode, &r.Username)
	return r, err
}

// ListScans returns every scan, newest first.
func (s *Store) ListScans(ctx context.Context) ([]scan.Record, error) {
	rows, err := s.pool.Query(ctx, selectScans+` ORDER BY scanned_at DESC`)
	if err != nil {
		return nil, errors.Annotate(err, "list scans")
	}
	out, err := pgx.CollectRows(rows, scanRecord)
	return out, errors.Annotate(err, "list scans")
}

// ListScansForUser returns username's scans, newest first.
func (s *Store) ListScansForUser(ctx context.Context, username string) ([]scan.Record, error) {
	rows, err := s.pool.Query(ctx, selectScans+` WHERE username = $1 ORDER BY scanned_at DESC`, username)
	if err != nil {
		return nil, errors.Annotatef(err, "list scans of %q", username)
	}
	out, err := pgx.CollectRows(rows, scanRecord)
	return out, errors.Annotatef(err, "list scans of %q", username)
}

// ListUsers returns the distinct usernames that own at least one scan.
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT username FROM `+barcodesTable+` ORDER BY username`)
	if err != nil {
		return nil, errors.Annotate(err, "list users")
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return out, errors.Annotate(err, "list users")
}

// InsertScan stores one scan. A nil id lets the database generate one.
func (s *Store) InsertScan(ctx context.Context, id uuid.UUID, barcode, username string) (scan.Record, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if id == uuid.Nil {
		rows, err = s.pool.Query(ctx,
			`INSERT INTO `+barcodesTable+` (barcode, username) VALUES ($1, $2)
			 RETURNING id, scanned_at, barcode, username`, barcode, username)
	} else {
		rows, err = s.pool.Query(ctx,
			`INSERT INTO `+barcodesTable+` (id, barcode, username) VALUES ($1, $2, $3)
			 RETURNING id, scanned_at, barcode, username`, id.String(), barcode, username)
	}
	if err != nil {
		return scan.Record{}, errors.Annotate(err, "insert scan")
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if err != nil {
		if isUniqueViolation(err) {
			return scan.Record{}, errors.AlreadyExistsf("scan %s", id)
		}
		return scan.Record{}, errors.Annotate(err, "insert scan")
	}
	return rec, nil
}

// DeleteAllScans removes every scan.
func (s *Store) DeleteAllScans(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+barcodesTable)
	if err != nil {
		return 0, errors.Annotate(err, "delete all scans")
	}
	return tag.RowsAffected(), nil
}

// DeleteScansOfUser removes all of username's scans.
func (s *Store) DeleteScansOfUser(ctx context.Context, username string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+barcodesTable+` WHERE username = $1`, username)
	if err != nil {
		return 0, errors.Annotatef(err, "delete scans of %q", username)
	}
	return tag.RowsAffected(), nil
}

// DeleteScans removes the scans whose id is in ids or whose owner is in
// users, in a single statement so one notification covers them all.
func (s *Store) DeleteScans(ctx context.Context, ids []uuid.UUID, users []string) (int64, error) {
	if len(ids) == 0 && len(users) == 0 {
		return 0, errors.NotValidf("empty ids and users")
	}
	idStrings := make([]string, len(ids))
	for i, id := range ids {
		idStrings[i] = id.String()
	}
	if users == nil {
		users = []string{}
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+barcodesTable+` WHERE id = ANY($1::uuid[]) OR username = ANY($2::text[])`,
		idStrings, users)
	if err != nil {
		return 0, errors.Annotate(err, "delete scans")
	}
	return tag.RowsAffected(), nil
}

func (s *Store) InsertSession(ctx context.Context, rec session.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+sessionsTable+` (id, username, process_instance_id) VALUES ($1, $2, $3)`,
		rec.ID.String(), rec.Username, rec.ProcessID.String())
	return errors.Annotatef(err, "insert session %s", rec.ID)
}

func (s *Store) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+sessionsTable+` WHERE id = $1`, id.String())
	return errors.Annotatef(err, "delete session %s", id)
}

func (s *Store) DeleteSessionsForProcess(ctx context.Context, process uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+sessionsTable+` WHERE process_instance_id = $1`, process.String())
	if err != nil {
		return 0, errors.Annotatef(err, "delete sessions of process %s", process)
	}
	return tag.RowsAffected(), nil
}

// SessionCount is the number of durable sessions one user has across all
// running instances.
type SessionCount struct {
	Username string `json:"username"`
	Sessions int64  `json:"sessions"`
}

// CountSessions aggregates durable session rows per user.
func (s *Store) CountSessions(ctx context.Context) ([]SessionCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT username, count(*) FROM `+sessionsTable+` GROUP BY username ORDER BY username`)
	if err != nil {
		return nil, errors.Annotate(err, "count sessions")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SessionCount, error) {
		var c SessionCount
		err := row.Scan(&c.Username, &c.Sessions)
		return c, err
	})
	return out, errors.Annotate(err, "count sessions")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
