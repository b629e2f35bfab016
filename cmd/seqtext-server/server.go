package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/seqtext/pkg/document"
	"github.com/astromechza/seqtext/pkg/hub"
	"github.com/astromechza/seqtext/pkg/registry"
	"github.com/astromechza/seqtext/pkg/snapshot"
	"github.com/astromechza/seqtext/pkg/storage"
	"github.com/astromechza/seqtext/pkg/viz"
)

const maxBody = 1 << 20

type server struct {
	store    storage.Store
	registry *registry.Registry
	hub      *hub.Hub
}

func (s *server) routes(r *mux.Router) {
	r.Methods(http.MethodGet).Path("/docs").HandlerFunc(s.listDocs)
	r.Methods(http.MethodPost).Path("/docs/{doc}").HandlerFunc(s.createDoc)
	r.Methods(http.MethodGet).Path("/docs/{doc}/text").HandlerFunc(s.getText)
	r.Methods(http.MethodGet).Path("/docs/{doc}/ops").HandlerFunc(s.getOps)
	r.Methods(http.MethodGet).Path("/docs/{doc}/stats").HandlerFunc(s.getStats)
	r.Methods(http.MethodGet).Path("/docs/{doc}/svg").HandlerFunc(s.getSvg)
	r.Methods(http.MethodGet).Path("/docs/{doc}/sync").HandlerFunc(s.syncDoc)
}

// seed returns the saved state of a document, or nothing for a new one.
func (s *server) seed(ctx context.Context, id string) (snapshot.State, error) {
	state, err := s.store.Load(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return snapshot.State{}, nil
	}
	return state, err
}

// save backs one open document up and reports whether the stored copy changed.
func (s *server) save(ctx context.Context, id string) (bool, error) {
	state, ok := s.registry.State(id)
	if !ok {
		return false, nil
	}
	return s.store.Save(ctx, id, state)
}

// open finds a document in memory or in the store. Unknown documents are not
// created.
func (s *server) open(ctx context.Context, id string) (*document.Document, bool, error) {
	if doc, ok := s.registry.Get(id); ok {
		return doc, true, nil
	}
	state, err := s.store.Load(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	doc, _, err := s.registry.GetOrCreate(id, func() (snapshot.State, error) { return state, nil })
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (s *server) lookup(writer http.ResponseWriter, request *http.Request) (*document.Document, bool) {
	id := mux.Vars(request)["doc"]
	doc, ok, err := s.open(request.Context(), id)
	if err != nil {
		slog.Error("failed to open doc", "doc", id, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return nil, false
	} else if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return nil, false
	}
	return doc, true
}

func writeJSON(writer http.ResponseWriter, v any) {
	writer.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *server) listDocs(writer http.ResponseWriter, request *http.Request) {
	stored, err := s.store.List(request.Context())
	if err != nil {
		slog.Error("failed to list docs", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	seen := make(map[string]bool)
	ids := make([]string, 0, len(stored))
	for _, id := range append(stored, s.registry.IDs()...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	writeJSON(writer, ids)
}

func (s *server) createDoc(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["doc"]
	body, err := io.ReadAll(io.LimitReader(request.Body, maxBody))
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, err := s.store.Load(request.Context(), id); err == nil {
		writer.WriteHeader(http.StatusConflict)
		return
	}
	if _, err := s.registry.Create(id, string(body)); errors.Is(err, registry.ErrExists) {
		writer.WriteHeader(http.StatusConflict)
		return
	} else if err != nil {
		slog.Error("failed to create doc", "doc", id, "err", err)
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, err := s.save(request.Context(), id); err != nil {
		slog.Error("failed to save new doc", "doc", id, "err", err)
	}
	writer.WriteHeader(http.StatusCreated)
}

func (s *server) getText(writer http.ResponseWriter, request *http.Request) {
	doc, ok := s.lookup(writer, request)
	if !ok {
		return
	}
	writer.Header().Add("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.WriteString(writer, doc.RenderText()); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *server) getOps(writer http.ResponseWriter, request *http.Request) {
	if doc, ok := s.lookup(writer, request); ok {
		writeJSON(writer, doc.Operations())
	}
}

func (s *server) getStats(writer http.ResponseWriter, request *http.Request) {
	if doc, ok := s.lookup(writer, request); ok {
		writeJSON(writer, doc.Stats())
	}
}

func (s *server) getSvg(writer http.ResponseWriter, request *http.Request) {
	doc, ok := s.lookup(writer, request)
	if !ok {
		return
	}
	writer.Header().Add("Content-Type", "image/svg+xml")
	if err := viz.RenderSVG(writer, doc.Elements()); err != nil {
		slog.Error("failed to render", "err", err)
	}
}

func (s *server) syncDoc(writer http.ResponseWriter, request *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	if err := s.hub.Serve(request.Context(), mux.Vars(request)["doc"], conn); err != nil {
		slog.Error("failed to sync", "err", err)
	}
}
