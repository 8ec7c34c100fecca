// Package session mirrors live WebSocket session existence into durable
// storage so operators can count connected clients across instances.
package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

const (
	DefaultQueueSize = 256
	DefaultOpTimeout = 5 * time.Second
)

// Record is one durable session row.
type Record struct {
	ID        uuid.UUID
	Username  string
	ProcessID uuid.UUID
}

// Table is the durable session table.
type Table interface {
	InsertSession(ctx context.Context, rec Record) error
	DeleteSession(ctx context.Context, id uuid.UUID) error
	DeleteSessionsForProcess(ctx context.Context, process uuid.UUID) (int64, error)
}

// Logger is the subset of loggo.Logger the mirror writes to.
type Logger interface {
	Debugf(string, ...any)
	Infof(string, ...any)
	Errorf(string, ...any)
}

type opKind int

const (
	opPersist opKind = iota
	opRemove
)

type op struct {
	kind opKind
	rec  Record
}

// Config for a Mirror. Zero values take the package defaults.
type Config struct {
	ProcessID uuid.UUID
	QueueSize int
	OpTimeout time.Duration
	Logger    Logger
}

// Mirror is a best-effort, fire-and-forget writer of session rows. Persist
// and Remove never block: they enqueue for a single worker, so a Remove can
// never overtake the Persist of the same session. A full queue drops the
// operation with an error log.
type Mirror struct {
	table     Table
	process   uuid.UUID
	ops       chan op
	opTimeout time.Duration
	logger    Logger
	dropped   atomic.Int64
}

// NewMirror creates a Mirror for table. A nil ProcessID generates a fresh
// one. The caller must run Run in a goroutine.
func NewMirror(table Table, cfg Config) *Mirror {
	if cfg.ProcessID == uuid.Nil {
		cfg.ProcessID = uuid.New()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = loggo.GetLogger("barcodedrop.session")
	}
	return &Mirror{
		table:     table,
		process:   cfg.ProcessID,
		ops:       make(chan op, cfg.QueueSize),
		opTimeout: cfg.OpTimeout,
		logger:    cfg.Logger,
	}
}

// ProcessID identifies this process instance's rows.
func (m *Mirror) ProcessID() uuid.UUID {
	return m.process
}

// Dropped reports how many operations were discarded because the queue was
// full.
func (m *Mirror) Dropped() int64 {
	return m.dropped.Load()
}

func (m *Mirror) Persist(id uuid.UUID, username string) {
	m.enqueue(op{kind: opPersist, rec: Record{ID: id, Username: username, ProcessID: m.process}})
}

func (m *Mirror) Remove(id uuid.UUID) {
	m.enqueue(op{kind: opRemove, rec: Record{ID: id, ProcessID: m.process}})
}

func (m *Mirror) enqueue(o op) {
	select {
	case m.ops <- o:
	default:
		m.dropped.Add(1)
		m.logger.Errorf("durability queue full, dropping %s of session %s", o.kind, o.rec.ID)
	}
}

// Run applies queued operations one at a time until ctx is cancelled. It
// then applies whatever is still queued and returns.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case o := <-m.ops:
			m.apply(o)
		}
	}
}

func (m *Mirror) drain() {
	for {
		select {
		case o := <-m.ops:
			m.apply(o)
		default:
			return
		}
	}
}

func (m *Mirror) apply(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()

	var err error
	switch o.kind {
	case opPersist:
		err = m.table.InsertSession(ctx, o.rec)
	case opRemove:
		err = m.table.DeleteSession(ctx, o.rec.ID)
	}
	if err != nil {
		m.logger.Errorf("%s session %s: %v", o.kind, o.rec.ID, err)
		return
	}
	m.logger.Debugf("%s session %s", o.kind, o.rec.ID)
}

// Purge deletes every row tagged with this process instance. It is meant to
// run once, after Run has returned, during graceful shutdown.
func (m *Mirror) Purge(ctx context.Context) (int64, error) {
	n, err := m.table.DeleteSessionsForProcess(ctx, m.process)
	if err != nil {
		return 0, errors.Annotatef(err, "purging sessions of process %s", m.process)
	}
	m.logger.Infof("deleted %d session rows of process %s", n, m.process)
	return n, nil
}

func (k opKind) String() string {
	if k == opPersist {
		return "persist"
	}
	return "remove"
}
