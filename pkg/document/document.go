// Package document composes the position allocator and the sequence store into
// the replicated text document. Local edits produce operations for broadcast;
// remote operations are applied by identifier and never re-positioned.
package document

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/astromechza/seqtext/pkg/ident"
	"github.com/astromechza/seqtext/pkg/op"
	"github.com/astromechza/seqtext/pkg/sequence"
)

var (
	// ErrNotFound is returned when a visible index does not resolve against the
	// current text. Callers may retry against a fresher view.
	ErrNotFound = errors.New("visible index not found")
	ErrNotEmpty = errors.New("document is not empty")
	ErrNoValue  = errors.New("insert needs a value")
)

// Clock supplies logical timestamps. They are metadata only; ordering comes
// from identifiers.
type Clock interface {
	Now() int64
}

type ClockFunc func() int64

func (f ClockFunc) Now() int64 { return f() }

// WallClock reports Unix milliseconds.
var WallClock = ClockFunc(func() int64 { return time.Now().UnixMilli() })

type Option func(*Document)

func WithClock(c Clock) Option {
	return func(d *Document) { d.clock = c }
}

func WithAllocator(a *ident.Allocator) Option {
	return func(d *Document) { d.alloc = a }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Document) { d.logger = l }
}

// Document is one replica of a collaboratively edited text. All methods are
// safe for concurrent use; a single mutex serializes them.
type Document struct {
	mu     sync.Mutex
	site   string
	clock  Clock
	alloc  *ident.Allocator
	store  *sequence.Store
	lastTS int64
	logger *slog.Logger
}

// New creates an empty document owned by site.
func New(site string, opts ...Option) *Document {
	d := &Document{
		site:   site,
		clock:  WallClock,
		store:  sequence.New(),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.alloc == nil {
		d.alloc = ident.NewAllocator(rand.New(rand.NewSource(time.Now().UnixNano())))
	}
	return d
}

func (d *Document) Site() string {
	return d.site
}

func (d *Document) siteOr(site string) (string, error) {
	if site == "" {
		site = d.site
	}
	if err := ident.ValidateSite(site); err != nil {
		return "", err
	}
	return site, nil
}

// tick returns the next local timestamp, never lower than one already issued
// or observed.
func (d *Document) tick() int64 {
	ts := d.clock.Now()
	if ts < d.lastTS {
		ts = d.lastTS
	}
	d.lastTS = ts
	return ts
}

// LocalInsert inserts value at a visible index on behalf of site (the
// document's own site when empty) and returns the operation to broadcast.
func (d *Document) LocalInsert(index int, value, site string) (op.Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.insert(index, value, site)
}

func (d *Document) insert(index int, value, site string) (op.Operation, error) {
	if value == "" {
		return op.Operation{}, ErrNoValue
	}
	site, err := d.siteOr(site)
	if err != nil {
		return op.Operation{}, err
	}
	before, after, ok := d.store.Neighbours(index)
	if !ok {
		return op.Operation{}, fmt.Errorf("%w: insert at %d of %d", ErrNotFound, index, d.store.Len())
	}
	id, err := d.alloc.Between(before, after, site)
	if err != nil {
		return op.Operation{}, fmt.Errorf("failed to allocate identifier: %w", err)
	}
	o := op.Operation{Kind: op.Insert, ID: id, Value: value, Site: site, Timestamp: d.tick()}
	d.store.ApplyInsert(id, value, site, o.Timestamp)
	return o, nil
}

// LocalDelete tombstones the element at a visible index and returns the
// operation to broadcast.
func (d *Document) LocalDelete(index int, site string) (op.Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delete(index, site)
}

func (d *Document) delete(index int, site string) (op.Operation, error) {
	site, err := d.siteOr(site)
	if err != nil {
		return op.Operation{}, err
	}
	id, ok := d.store.IDAt(index)
	if !ok {
		return op.Operation{}, fmt.Errorf("%w: delete at %d of %d", ErrNotFound, index, d.store.Len())
	}
	d.store.ApplyDelete(id)
	return op.Operation{Kind: op.Delete, ID: id, Site: site, Timestamp: d.tick()}, nil
}

// InsertText inserts each rune of text as its own element starting at index.
// The returned operations must be delivered in order.
func (d *Document) InsertText(index int, text, site string) ([]op.Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops := make([]op.Operation, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		o, err := d.insert(index+len(ops), string(r), site)
		if err != nil {
			return ops, err
		}
		ops = append(ops, o)
	}
	return ops, nil
}

// DeleteRange deletes n visible elements starting at index.
func (d *Document) DeleteRange(index, n int, site string) ([]op.Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops := make([]op.Operation, 0, n)
	for i := 0; i < n; i++ {
		o, err := d.delete(index, site)
		if err != nil {
			return ops, err
		}
		ops = append(ops, o)
	}
	return ops, nil
}

// Apply integrates an operation produced by any replica, including this one.
// It is idempotent and commutative with every other operation except that a
// sender's own operations keep their order.
func (d *Document) Apply(o op.Operation) op.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.apply(o)
}

func (d *Document) apply(o op.Operation) op.Result {
	if o.Timestamp > d.lastTS {
		d.lastTS = o.Timestamp
	}
	var r sequence.Result
	switch o.Kind {
	case op.Insert:
		r = d.store.ApplyInsert(o.ID, o.Value, o.Site, o.Timestamp)
	case op.Delete:
		r = d.store.ApplyDelete(o.ID)
	default:
		// Decoding rejects unknown kinds; treat a hand-built one as unknown.
		r = sequence.NotFound
	}
	res := toResult(r)
	if res != op.Applied {
		d.logger.Debug("operation ignored", "site", d.site, "op", o.String(), "result", res.String())
	}
	return res
}

// ApplyAll applies operations in order and returns one result per operation.
func (d *Document) ApplyAll(ops []op.Operation) []op.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]op.Result, len(ops))
	for i, o := range ops {
		out[i] = d.apply(o)
	}
	return out
}

func toResult(r sequence.Result) op.Result {
	switch r {
	case sequence.Duplicate:
		return op.DuplicateIgnored
	case sequence.NotFound:
		return op.NotFoundIgnored
	}
	return op.Applied
}

// Initialize bulk-loads seed text into an empty document, one element per
// rune. Identifiers are derived deterministically from the rune count and
// site, so replicas seeding the same content agree on every identifier.
func (d *Document) Initialize(seed, site string) ([]op.Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store.Size() != 0 {
		return nil, ErrNotEmpty
	}
	site, err := d.siteOr(site)
	if err != nil {
		return nil, err
	}
	ids := ident.Spread(utf8.RuneCountInString(seed), site)
	ts := d.tick()
	ops := make([]op.Operation, 0, len(ids))
	for _, r := range seed {
		id := ids[len(ops)]
		d.store.ApplyInsert(id, string(r), site, ts)
		ops = append(ops, op.Operation{Kind: op.Insert, ID: id, Value: string(r), Site: site, Timestamp: ts})
	}
	return ops, nil
}

// Operations returns an operation log that rebuilds the current state,
// tombstones included, on an empty replica.
func (d *Document) Operations() []op.Operation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.operations()
}

// Capture returns the rendered text and the operation log of one state.
func (d *Document) Capture() (string, []op.Operation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.Render(), d.operations()
}

func (d *Document) operations() []op.Operation {
	ops := make([]op.Operation, 0, d.store.Size()+d.store.Tombstones())
	var deletes []op.Operation
	d.store.Each(func(el sequence.Element) bool {
		ops = append(ops, op.Operation{Kind: op.Insert, ID: el.ID, Value: el.Value, Site: el.Site, Timestamp: el.Timestamp})
		if el.Deleted {
			deletes = append(deletes, op.Operation{Kind: op.Delete, ID: el.ID, Site: el.Site, Timestamp: el.Timestamp})
		}
		return true
	})
	return append(ops, deletes...)
}

// Elements returns every element, tombstones included, in order.
func (d *Document) Elements() []sequence.Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]sequence.Element, 0, d.store.Size())
	d.store.Each(func(el sequence.Element) bool {
		out = append(out, el)
		return true
	})
	return out
}

func (d *Document) RenderText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.Render()
}

// Len is the number of visible elements.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.Len()
}

// IDAt exposes the visible-index projection.
func (d *Document) IDAt(index int) (ident.Identifier, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.IDAt(index)
}

func (d *Document) Stats() sequence.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.Stats()
}
