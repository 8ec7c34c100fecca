package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/barcode-drop/backend/internal/scan"
)

// Handler receives the change events a real database trigger would publish.
type Handler interface {
	Handle(ev scan.ChangeEvent)
}

// Store is an in-memory scan table. Every mutation emits one change event
// per statement, the way the notify trigger does. Events are emitted under
// the table lock so they arrive in commit order.
type Store struct {
	clock   clock.Clock
	handler Handler

	mu    sync.Mutex
	scans []scan.Record
}

func NewStore(clk clock.Clock, handler Handler) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{clock: clk, handler: handler}
}

// newestFirst returns a sorted copy of the rows matching keep.
func (s *Store) newestFirst(keep func(scan.Record) bool) []scan.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scan.Record, 0, len(s.scans))
	for _, r := range s.scans {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ScannedAt.After(out[j].ScannedAt)
	})
	return out
}

func (s *Store) ListScans(context.Context) ([]scan.Record, error) {
	return s.newestFirst(func(scan.Record) bool { return true }), nil
}

func (s *Store) ListScansForUser(_ context.Context, username string) ([]scan.Record, error) {
	return s.newestFirst(func(r scan.Record) bool { return r.Username == username }), nil
}

func (s *Store) ListUsers(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var users []string
	for _, r := range s.scans {
		if _, ok := seen[r.Username]; !ok {
			seen[r.Username] = struct{}{}
			users = append(users, r.Username)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (s *Store) InsertScan(_ context.Context, id uuid.UUID, barcode, username string) (scan.Record, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}
	rec := scan.Record{
		ID:        id,
		ScannedAt: s.clock.Now().UTC(),
		Barcode:   barcode,
		Username:  username,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.scans {
		if r.ID == id {
			return scan.Record{}, errors.AlreadyExistsf("scan %s", id)
		}
	}
	s.scans = append(s.scans, rec)
	s.handler.Handle(scan.Insert(rec))
	return rec, nil
}

// InsertBatch stores rows in one statement, stamping them with the current
// time, and emits a single insert event for all of them.
func (s *Store) InsertBatch(rows []scan.Record) {
	if len(rows) == 0 {
		return
	}
	now := s.clock.Now().UTC()
	batch := make([]scan.Record, len(rows))
	for i, r := range rows {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		r.ScannedAt = now
		batch[i] = r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans = append(s.scans, batch...)
	s.handler.Handle(scan.Insert(batch...))
}

// remove deletes the matching rows and emits a delete event if any matched.
func (s *Store) remove(match func(scan.Record) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		kept    []scan.Record
		removed []scan.Deletion
	)
	for _, r := range s.scans {
		if match(r) {
			removed = append(removed, scan.Deletion{ID: r.ID, Username: r.Username})
			continue
		}
		kept = append(kept, r)
	}
	s.scans = kept
	if len(removed) > 0 {
		s.handler.Handle(scan.Delete(removed...))
	}
	return int64(len(removed))
}

func (s *Store) DeleteAllScans(context.Context) (int64, error) {
	return s.remove(func(scan.Record) bool { return true }), nil
}

func (s *Store) DeleteScansOfUser(_ context.Context, username string) (int64, error) {
	return s.remove(func(r scan.Record) bool { return r.Username == username }), nil
}

func (s *Store) DeleteScans(_ context.Context, ids []uuid.UUID, users []string) (int64, error) {
	if len(ids) == 0 && len(users) == 0 {
		return 0, errors.NotValidf("empty ids and users")
	}
	idSet := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	userSet := make(map[string]struct{}, len(users))
	for _, u := range users {
		userSet[u] = struct{}{}
	}
	return s.remove(func(r scan.Record) bool {
		_, byID := idSet[r.ID]
		_, byUser := userSet[r.Username]
		return byID || byUser
	}), nil
}
