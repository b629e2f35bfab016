// Package sequence holds the ordered element store behind a document. Order is
// derived only from identifier comparison; elements are never relinked.
package sequence

import (
	"strings"

	"github.com/tidwall/btree"

	"github.com/astromechza/seqtext/pkg/ident"
)

// Element is one entry of the sequence. Only Deleted ever changes, and only
// from false to true.
type Element struct {
	ID        ident.Identifier
	Value     string
	Site      string
	Timestamp int64
	Deleted   bool
}

// Result reports what an apply call did to the store.
type Result int

const (
	Applied Result = iota
	Duplicate
	NotFound
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case NotFound:
		return "not-found"
	}
	return "unknown"
}

// Stats summarises the store contents.
type Stats struct {
	Elements   int `json:"elements"`
	Live       int `json:"live"`
	Tombstones int `json:"tombstones"`
	MaxDepth   int `json:"max_depth"`
	Pending    int `json:"pending_deletes"`
}

func byID(a, b *Element) bool {
	return ident.Compare(a.ID, b.ID) < 0
}

// Store is an ordered collection of elements. It keeps two indexes over the
// same elements: every element, and live elements only. The live index counts
// items per subtree, which makes visible-index lookups O(log n) and keeps the
// projection exact after every insert and delete.
//
// Store is not safe for concurrent use.
type Store struct {
	all      *btree.BTreeG[*Element]
	live     *btree.BTreeG[*Element]
	allHint  btree.PathHint
	liveHint btree.PathHint
	// deletes that arrived before their insert, keyed by encoded identifier
	pending  map[string]struct{}
	maxDepth int
}

func New() *Store {
	opts := btree.Options{NoLocks: true, Degree: 16}
	return &Store{
		all:     btree.NewBTreeGOptions(byID, opts),
		live:    btree.NewBTreeGOptions(byID, opts),
		pending: make(map[string]struct{}),
	}
}

func key(id ident.Identifier) *Element {
	return &Element{ID: id}
}

// Get returns a copy of the element with the given identifier.
func (s *Store) Get(id ident.Identifier) (Element, bool) {
	el, ok := s.all.Get(key(id))
	if !ok {
		return Element{}, false
	}
	return *el, true
}

// ApplyInsert adds an element at the rank given by its identifier. Inserting
// an identifier that is already present is a no-op returning Duplicate.
func (s *Store) ApplyInsert(id ident.Identifier, value, site string, ts int64) Result {
	if _, ok := s.all.Get(key(id)); ok {
		return Duplicate
	}
	el := &Element{ID: id, Value: value, Site: site, Timestamp: ts}
	if len(s.pending) > 0 {
		k := id.String()
		if _, ok := s.pending[k]; ok {
			delete(s.pending, k)
			el.Deleted = true
		}
	}
	s.all.SetHint(el, &s.allHint)
	if !el.Deleted {
		s.live.SetHint(el, &s.liveHint)
	}
	s.maxDepth = max(s.maxDepth, id.Depth())
	return Applied
}

// ApplyDelete tombstones an element. It returns Duplicate when the element is
// already a tombstone and NotFound when the identifier is unknown. An unknown
// identifier is remembered so that its insert, if it arrives later, lands as a
// tombstone.
func (s *Store) ApplyDelete(id ident.Identifier) Result {
	el, ok := s.all.Get(key(id))
	if !ok {
		s.pending[id.String()] = struct{}{}
		return NotFound
	}
	if el.Deleted {
		return Duplicate
	}
	el.Deleted = true
	s.live.Delete(el)
	return Applied
}

// IDAt maps a visible index (tombstones skipped) to its identifier.
func (s *Store) IDAt(index int) (ident.Identifier, bool) {
	if index < 0 || index >= s.live.Len() {
		return nil, false
	}
	el, ok := s.live.GetAt(index)
	if !ok {
		return nil, false
	}
	return el.ID, true
}

// Neighbours returns the identifiers on either side of a visible insertion
// point: the live element before index and the one at index. A nil side is
// the start or end of the document. ok is false when index is out of range.
func (s *Store) Neighbours(index int) (before, after ident.Identifier, ok bool) {
	if index < 0 || index > s.live.Len() {
		return nil, nil, false
	}
	if index > 0 {
		before, _ = s.IDAt(index - 1)
	}
	if index < s.live.Len() {
		after, _ = s.IDAt(index)
	}
	return before, after, true
}

// Len is the number of live elements.
func (s *Store) Len() int {
	return s.live.Len()
}

// Size is the number of elements including tombstones.
func (s *Store) Size() int {
	return s.all.Len()
}

func (s *Store) Tombstones() int {
	return s.all.Len() - s.live.Len()
}

// Render concatenates the values of live elements in identifier order.
func (s *Store) Render() string {
	var b strings.Builder
	s.live.Scan(func(el *Element) bool {
		b.WriteString(el.Value)
		return true
	})
	return b.String()
}

// Values returns the live values in order.
func (s *Store) Values() []string {
	out := make([]string, 0, s.live.Len())
	s.live.Scan(func(el *Element) bool {
		out = append(out, el.Value)
		return true
	})
	return out
}

// Each calls fn for every element, tombstones included, in identifier order
// until fn returns false.
func (s *Store) Each(fn func(Element) bool) {
	s.all.Scan(func(el *Element) bool {
		return fn(*el)
	})
}

func (s *Store) Stats() Stats {
	return Stats{
		Elements:   s.all.Len(),
		Live:       s.live.Len(),
		Tombstones: s.Tombstones(),
		MaxDepth:   s.maxDepth,
		Pending:    len(s.pending),
	}
}
