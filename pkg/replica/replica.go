// Package replica is the client side of a document's websocket. It keeps a
// full local replica, so edits apply immediately and survive a lost
// connection: on reconnect the server's snapshot is merged in and any local
// operations the server is missing are sent again. A snapshot from a new
// generation shares no identifiers with the replica, so it replaces the
// replica instead.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/astromechza/seqtext/pkg/document"
	"github.com/astromechza/seqtext/pkg/op"
	"github.com/astromechza/seqtext/pkg/protocol"
	"github.com/astromechza/seqtext/pkg/textdiff"
)

var ErrNotConnected = errors.New("replica has never connected")

type Option func(*Replica)

func WithLogger(l *slog.Logger) Option {
	return func(r *Replica) { r.logger = l }
}

func WithDocumentOptions(opts ...document.Option) Option {
	return func(r *Replica) { r.docOpts = append(r.docOpts, opts...) }
}

// WithBackOff replaces the exponential backoff used between connection
// attempts.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(r *Replica) { r.newBackOff = fn }
}

type Replica struct {
	url        string
	docID      string
	logger     *slog.Logger
	docOpts    []document.Option
	newBackOff func() backoff.BackOff

	mu         sync.Mutex // protects doc, generation, conn and writes to conn
	doc        *document.Document
	generation string
	conn       *websocket.Conn
	// changed is signalled after remote operations are applied
	changed chan struct{}
}

// SyncURL builds the websocket address of a document from the server's base
// http address.
func SyncURL(base, doc string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	u = u.JoinPath("docs", doc, "sync")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// Dial connects to a document, retrying with backoff until the first snapshot
// arrives or ctx is done.
func Dial(ctx context.Context, base, doc string, opts ...Option) (*Replica, error) {
	u, err := SyncURL(base, doc)
	if err != nil {
		return nil, err
	}
	r := &Replica{
		url:     u,
		docID:   doc,
		logger:  slog.Default(),
		changed: make(chan struct{}, 1),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("doc", doc)
	if err := r.reconnect(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Replica) reconnect(ctx context.Context) error {
	return backoff.RetryNotify(func() error {
		return r.connect(ctx)
	}, backoff.WithContext(r.newBackOff(), ctx), func(err error, d time.Duration) {
		r.logger.Warn("failed to connect", "err", err, "retry", d)
	})
}

func opKey(o op.Operation) string {
	return o.Kind.String() + " " + o.ID.String()
}

func (r *Replica) connect(ctx context.Context) error {
	r.mu.Lock()
	u := r.url
	r.mu.Unlock()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	msg, err := protocol.Decode(raw)
	if err != nil || msg.Type != protocol.TypeSnapshot {
		_ = conn.Close()
		return fmt.Errorf("expected snapshot, got %q: %v", msg.Type, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc != nil && msg.Generation != r.generation {
		r.logger.Warn("server started a new generation, dropping local state",
			"old", r.generation, "new", msg.Generation, "dropped", r.doc.RenderText())
		r.doc = nil
	}
	if r.doc == nil {
		r.doc = document.New(msg.Site, append([]document.Option{document.WithLogger(r.logger)}, r.docOpts...)...)
	}
	r.generation = msg.Generation
	r.doc.ApplyAll(msg.Ops)

	known := make(map[string]bool, len(msg.Ops))
	for _, o := range msg.Ops {
		known[opKey(o)] = true
	}
	resent := 0
	for _, o := range r.doc.Operations() {
		if known[opKey(o)] {
			continue
		}
		if err := writeOp(conn, r.docID, o); err != nil {
			_ = conn.Close()
			return err
		}
		resent++
	}
	if r.conn != nil {
		_ = r.conn.Close()
	}
	r.conn = conn
	r.logger.Info("connected", "site", r.doc.Site(), "generation", r.generation, "length", r.doc.Len(), "resent", resent)
	r.notify()
	return nil
}

func writeOp(conn *websocket.Conn, doc string, o op.Operation) error {
	raw, err := protocol.Encode(protocol.Op(doc, o))
	if err != nil {
		return fmt.Errorf("failed to encode op: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("failed to write op: %w", err)
	}
	return nil
}

func (r *Replica) notify() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// Changed is signalled, coalesced, whenever remote operations change the
// replica.
func (r *Replica) Changed() <-chan struct{} {
	return r.changed
}

// Run receives remote operations until ctx is done, reconnecting whenever the
// connection drops.
func (r *Replica) Run(ctx context.Context) error {
	watch, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		<-watch.Done()
		if ctx.Err() == nil {
			// Run returned on its own
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.conn != nil {
			_ = r.conn.Close()
		}
	}()
	for {
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()
		err := r.receive(conn)
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn("connection lost", "err", err)
		if err := r.reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (r *Replica) receive(conn *websocket.Conn) error {
	doc, err := r.document()
	if err != nil {
		return err
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			r.logger.Warn("rejected message", "err", err)
			continue
		}
		switch msg.Type {
		case protocol.TypeOp:
			if res := doc.Apply(*msg.Op); res == op.Applied {
				r.notify()
			}
		case protocol.TypeError:
			r.logger.Warn("server rejected message", "err", msg.Error)
		}
	}
}

// send writes local operations. A failed write is not an error for the
// caller: the operations stay in the replica and are resent on reconnect.
func (r *Replica) send(ops ...op.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return
	}
	for _, o := range ops {
		if err := writeOp(r.conn, r.docID, o); err != nil {
			r.logger.Warn("deferring ops until reconnect", "err", err)
			_ = r.conn.Close()
			return
		}
	}
}

func (r *Replica) document() (*document.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc == nil {
		return nil, ErrNotConnected
	}
	return r.doc, nil
}

func (r *Replica) Insert(index int, text string) error {
	doc, err := r.document()
	if err != nil {
		return err
	}
	ops, err := doc.InsertText(index, text, "")
	if err != nil {
		return err
	}
	r.send(ops...)
	return nil
}

func (r *Replica) Delete(index, n int) error {
	doc, err := r.document()
	if err != nil {
		return err
	}
	ops, err := doc.DeleteRange(index, n, "")
	if err != nil {
		return err
	}
	r.send(ops...)
	return nil
}

// SetText edits the replica until it renders text, using the smallest set of
// inserts and deletes found by a character diff.
func (r *Replica) SetText(text string) error {
	doc, err := r.document()
	if err != nil {
		return err
	}
	ops, err := textdiff.Apply(doc, textdiff.Diff(doc.RenderText(), text), "")
	r.send(ops...)
	return err
}

func (r *Replica) Text() string {
	doc, err := r.document()
	if err != nil {
		return ""
	}
	return doc.RenderText()
}

// Generation names the identifier lineage the replica follows.
func (r *Replica) Generation() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

func (r *Replica) Site() string {
	doc, err := r.document()
	if err != nil {
		return ""
	}
	return doc.Site()
}

// Document exposes the local replica, for inspection.
func (r *Replica) Document() *document.Document {
	doc, _ := r.document()
	return doc
}

func (r *Replica) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = r.conn.Close()
	return err
}
