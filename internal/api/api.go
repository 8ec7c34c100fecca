// Package api serves the REST query and mutation endpoints and mounts the
// live-update WebSocket and operational handlers on one chi router.
//
// Handlers here only talk to the database. Connected WebSocket clients learn
// about changes through the notification channel, never from this package.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/barcode-drop/backend/internal/scan"
)

// Store is the scan table.
type Store interface {
	ListScans(ctx context.Context) ([]scan.Record, error)
	ListScansForUser(ctx context.Context, username string) ([]scan.Record, error)
	ListUsers(ctx context.Context) ([]string, error)
	InsertScan(ctx context.Context, id uuid.UUID, barcode, username string) (scan.Record, error)
	DeleteAllScans(ctx context.Context) (int64, error)
	DeleteScansOfUser(ctx context.Context, username string) (int64, error)
	DeleteScans(ctx context.Context, ids []uuid.UUID, users []string) (int64, error)
}

// Logger is the subset of loggo.Logger the handlers write to.
type Logger interface {
	Debugf(string, ...any)
	Infof(string, ...any)
	Errorf(string, ...any)
}

// accessLog adapts a Logger to chi's request logger sink.
type accessLog struct {
	logger Logger
}

func (a accessLog) Print(v ...any) {
	a.logger.Infof("%s", fmt.Sprint(v...))
}

// Options wires the router. Nil handlers are not mounted.
type Options struct {
	Store   Store
	Watch   http.HandlerFunc
	Metrics http.Handler
	Status  http.Handler
	Logger  Logger
}

type handlers struct {
	store  Store
	logger Logger
}

// NewRouter builds the HTTP surface.
func NewRouter(opts Options) http.Handler {
	h := &handlers{store: opts.Store, logger: opts.Logger}
	if h.logger == nil {
		h.logger = loggo.GetLogger("barcodedrop.api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  accessLog{logger: h.logger},
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))

	r.Get("/scans", h.listScans)
	r.Get("/scans/{username}", h.listScansForUser)
	r.Get("/users", h.listUsers)
	r.Post("/scan/{username}", h.insertScan)
	r.Delete("/all-scans", h.deleteAllScans)
	r.Delete("/scans/{username}", h.deleteScansOfUser)
	r.Delete("/scans", h.deleteScans)

	if opts.Watch != nil {
		r.Get("/watch/{username}", opts.Watch)
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.Status != nil {
		r.Method(http.MethodGet, "/status", opts.Status)
	}
	return r
}

func (h *handlers) listScans(w http.ResponseWriter, r *http.Request) {
	scans, err := h.store.ListScans(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, nonNil(scans))
}

func (h *handlers) listScansForUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	h.logger.Debugf("listing scans of %q", username)
	scans, err := h.store.ListScansForUser(r.Context(), username)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, nonNil(scans))
}

func (h *handlers) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, nonNil(users))
}

func (h *handlers) insertScan(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	req, err := parseScanRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Debugf("user %q scanned %q (requested id %s)", username, req.Barcode, req.ID)

	rec, err := h.store.InsertScan(r.Context(), req.ID, req.Barcode, username)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Barcode-ID", rec.ID.String())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "user '%s' scanned '%s' (id: %s)", username, rec.Barcode, rec.ID)
}

func (h *handlers) deleteAllScans(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.DeleteAllScans(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Debugf("deleted all %d scans", n)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) deleteScansOfUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	n, err := h.store.DeleteScansOfUser(r.Context(), username)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Debugf("deleted %d scans of %q", n, username)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) deleteScans(w http.ResponseWriter, r *http.Request) {
	req, err := parseDeleteRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := h.store.DeleteScans(r.Context(), req.IDs, req.Users)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Debugf("deleted %d scans (ids %v, users %q)", n, req.IDs, req.Users)
	w.WriteHeader(http.StatusNoContent)
}

// fail maps error kinds onto status codes. Client errors carry their message;
// anything else is logged and reported without detail.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errors.NotValid), errors.Is(err, errors.BadRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, errors.AlreadyExists):
		http.Error(w, "a barcode with this id already exists", http.StatusBadRequest)
	case errors.Is(err, errors.NotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		h.logger.Errorf("%s %s [%s]: %v", r.Method, r.URL.Path, middleware.GetReqID(r.Context()), errors.ErrorStack(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// nonNil keeps empty results encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
