// Package hub serves documents over websockets. Every connection is a peer of
// one document; operations a peer sends are applied to the server's replica
// and rebroadcast to the document's other peers.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/seqtext/pkg/document"
	"github.com/astromechza/seqtext/pkg/op"
	"github.com/astromechza/seqtext/pkg/protocol"
	"github.com/astromechza/seqtext/pkg/registry"
	"github.com/astromechza/seqtext/pkg/snapshot"
)

// sendBuffer bounds how far a peer may fall behind before it is dropped.
const sendBuffer = 256

// Publisher forwards operations applied here to other server processes.
type Publisher interface {
	Publish(ctx context.Context, doc string, o op.Operation) error
}

// SeedFunc loads the persisted state of a document that is not in memory yet.
type SeedFunc func(ctx context.Context, doc string) (snapshot.State, error)

type Option func(*Hub)

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

func WithPublisher(p Publisher) Option {
	return func(h *Hub) { h.publisher = p }
}

func WithSeed(fn SeedFunc) Option {
	return func(h *Hub) { h.seed = fn }
}

type peer struct {
	site string
	send chan []byte
	// closed once the peer is removed from its room
	gone chan struct{}
}

type Hub struct {
	registry  *registry.Registry
	publisher Publisher
	seed      SeedFunc
	logger    *slog.Logger

	mu    sync.Mutex // protects rooms
	rooms map[string]map[*peer]struct{}
}

func New(reg *registry.Registry, opts ...Option) *Hub {
	h := &Hub{
		registry: reg,
		logger:   slog.Default(),
		rooms:    make(map[string]map[*peer]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Peers returns the number of connections on a document.
func (h *Hub) Peers(doc string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[doc])
}

func (h *Hub) document(ctx context.Context, id string) (*document.Document, error) {
	var seed func() (snapshot.State, error)
	if h.seed != nil {
		seed = func() (snapshot.State, error) { return h.seed(ctx, id) }
	}
	doc, created, err := h.registry.GetOrCreate(id, seed)
	if err != nil {
		return nil, err
	}
	if created {
		h.logger.Info("opened document", "doc", id, "length", doc.Len(), "generation", h.registry.Generation(id))
	}
	return doc, nil
}

// join registers p and returns the snapshot it starts from. Taking the
// snapshot and joining under one lock means every operation applied later is
// also broadcast to p.
func (h *Hub) join(id string, doc *document.Document, p *peer) protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[id]
	if !ok {
		room = make(map[*peer]struct{})
		h.rooms[id] = room
	}
	room[p] = struct{}{}
	return protocol.Snapshot(id, p.site, h.registry.Generation(id), doc.Operations())
}

func (h *Hub) leave(id string, p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[id]; ok {
		if _, ok := room[p]; ok {
			delete(room, p)
			close(p.gone)
		}
		if len(room) == 0 {
			delete(h.rooms, id)
		}
	}
}

// broadcast queues msg for every peer of a document except skip. A peer whose
// buffer is full is removed; its connection closes once the writer notices.
func (h *Hub) broadcast(id string, msg protocol.Message, skip *peer) {
	raw, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error("failed to encode broadcast", "doc", id, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.rooms[id] {
		if p == skip {
			continue
		}
		select {
		case p.send <- raw:
		default:
			h.logger.Warn("dropping slow peer", "doc", id, "site", p.site)
			delete(h.rooms[id], p)
			close(p.gone)
		}
	}
}

// forward reports whether peers need an operation that had result res here. A
// delete that found nothing is still forwarded: a peer may hold the insert it
// targets, and applying it twice is harmless.
func forward(o op.Operation, res op.Result) bool {
	return res == op.Applied || (o.Kind == op.Delete && res == op.NotFoundIgnored)
}

// Deliver applies an operation that arrived from outside any connection, such
// as another server process, and broadcasts it when peers may need it.
// Documents that are not open here are ignored.
func (h *Hub) Deliver(id string, o op.Operation) op.Result {
	doc, ok := h.registry.Get(id)
	if !ok {
		return op.NotFoundIgnored
	}
	res := doc.Apply(o)
	if forward(o, res) {
		h.broadcast(id, protocol.Op(id, o), nil)
	}
	return res
}

func (h *Hub) publish(ctx context.Context, id string, o op.Operation) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, id, o); err != nil {
		h.logger.Error("failed to publish op", "doc", id, "op", o, "err", err)
	}
}

// Serve runs a connection until it closes or ctx is done. The peer is assigned
// a fresh site and sent a snapshot before anything else.
func (h *Hub) Serve(ctx context.Context, id string, conn *websocket.Conn) error {
	defer conn.Close()
	doc, err := h.document(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to open document %s: %w", id, err)
	}

	p := &peer{
		site: uuid.NewString(),
		send: make(chan []byte, sendBuffer),
		gone: make(chan struct{}),
	}
	first, err := protocol.Encode(h.join(id, doc, p))
	if err != nil {
		h.leave(id, p)
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	defer h.leave(id, p)
	logger := h.logger.With("doc", id, "site", p.site)
	logger.Info("peer joined")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, first); err != nil {
			logger.Error("failed to write snapshot", "err", err)
			return
		}
		for {
			select {
			case raw := <-p.send:
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					logger.Error("failed to write message", "err", err)
					return
				}
			case <-p.gone:
				return
			case <-ctx.Done():
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
		}
	}()

	err = h.read(ctx, id, doc, p, conn, logger)
	cancel()
	wg.Wait()
	logger.Info("peer left")
	return err
}

func (h *Hub) read(ctx context.Context, id string, doc *document.Document, p *peer, conn *websocket.Conn, logger *slog.Logger) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				return nil
			}
			select {
			case <-p.gone:
				return nil
			default:
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			logger.Warn("rejected message", "err", err)
			h.reply(id, p, protocol.Error(id, err))
			continue
		}
		switch msg.Type {
		case protocol.TypeOp:
			o := *msg.Op
			res := doc.Apply(o)
			logger.Debug("applied", "op", o, "result", res)
			if forward(o, res) {
				h.publish(ctx, id, o)
				h.broadcast(id, protocol.Op(id, o), p)
			}
		case protocol.TypeEdit:
			o, err := h.edit(doc, p.site, msg.Edit)
			if err != nil {
				logger.Warn("rejected edit", "edit", msg.Edit, "err", err)
				h.reply(id, p, protocol.Error(id, err))
				continue
			}
			h.publish(ctx, id, o)
			h.broadcast(id, protocol.Op(id, o), p)
			h.reply(id, p, protocol.Text(id, doc.RenderText()))
		default:
			logger.Warn("ignoring message", "type", msg.Type)
		}
	}
}

func (h *Hub) edit(doc *document.Document, site string, e *protocol.Edit) (op.Operation, error) {
	switch e.Action {
	case protocol.ActionInsert:
		return doc.LocalInsert(e.Index, e.Value, site)
	case protocol.ActionDelete:
		return doc.LocalDelete(e.Index, site)
	}
	return op.Operation{}, errors.New("unknown edit action")
}

func (h *Hub) reply(id string, p *peer, msg protocol.Message) {
	raw, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error("failed to encode reply", "doc", id, "err", err)
		return
	}
	select {
	case p.send <- raw:
	case <-p.gone:
	default:
		h.logger.Warn("dropping reply to slow peer", "doc", id, "site", p.site)
	}
}
