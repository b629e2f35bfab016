// Package registry owns the documents a process serves, keyed by document id.
// It is created explicitly and handed to whatever needs it; there is no
// process-wide instance.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/astromechza/seqtext/pkg/document"
	"github.com/astromechza/seqtext/pkg/snapshot"
)

var ErrExists = errors.New("document already exists")

type Registry struct {
	site string
	opts []document.Option
	// creation is serialized so a seed loader runs at most once per id
	mu   sync.Mutex
	docs *sync.Map
}

// New creates a registry whose documents belong to site.
func New(site string, opts ...document.Option) *Registry {
	return &Registry{site: site, opts: opts, docs: new(sync.Map)}
}

func (r *Registry) Site() string {
	return r.site
}

type entry struct {
	doc        *document.Document
	generation string
}

func (r *Registry) load(id string) (*entry, bool) {
	raw, ok := r.docs.Load(id)
	if !ok {
		return nil, false
	}
	return raw.(*entry), true
}

func (r *Registry) Get(id string) (*document.Document, bool) {
	e, ok := r.load(id)
	if !ok {
		return nil, false
	}
	return e.doc, true
}

// Generation returns the lineage of the identifiers in document id.
func (r *Registry) Generation(id string) string {
	if e, ok := r.load(id); ok {
		return e.generation
	}
	return ""
}

// State captures document id for persistence.
func (r *Registry) State(id string) (snapshot.State, bool) {
	e, ok := r.load(id)
	if !ok {
		return snapshot.State{}, false
	}
	text, ops := e.doc.Capture()
	return snapshot.State{Generation: e.generation, Text: text, Ops: ops}, true
}

// GetOrCreate returns the document for id. When it does not exist yet, seed is
// called for its persisted state and the new document is rebuilt from it.
// created reports whether this call made the document.
func (r *Registry) GetOrCreate(id string, seed func() (snapshot.State, error)) (doc *document.Document, created bool, err error) {
	if doc, ok := r.Get(id); ok {
		return doc, false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc, ok := r.Get(id); ok {
		return doc, false, nil
	}
	var state snapshot.State
	if seed != nil {
		if state, err = seed(); err != nil {
			return nil, false, fmt.Errorf("failed to load seed for %s: %w", id, err)
		}
	}
	e, err := r.newEntry(state)
	if err != nil {
		return nil, false, err
	}
	r.docs.Store(id, e)
	return e.doc, true, nil
}

// Create adds a new document seeded with text.
func (r *Registry) Create(id, text string) (*document.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.Get(id); ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	e, err := r.newEntry(snapshot.State{Text: text})
	if err != nil {
		return nil, err
	}
	r.docs.Store(id, e)
	return e.doc, nil
}

// newEntry replays the operation log of state when it has one, keeping its
// generation. Otherwise the text is seeded and gets the seed generation.
func (r *Registry) newEntry(state snapshot.State) (*entry, error) {
	doc := document.New(r.site, r.opts...)
	if len(state.Ops) > 0 {
		if state.Generation == "" {
			return nil, fmt.Errorf("operation log has no generation")
		}
		doc.ApplyAll(state.Ops)
		return &entry{doc: doc, generation: state.Generation}, nil
	}
	if _, err := doc.Initialize(state.Text, ""); err != nil {
		return nil, fmt.Errorf("failed to initialize document: %w", err)
	}
	return &entry{doc: doc, generation: snapshot.SeedGeneration(r.site, state.Text)}, nil
}

func (r *Registry) Remove(id string) bool {
	_, ok := r.docs.LoadAndDelete(id)
	return ok
}

func (r *Registry) Range(fn func(id string, doc *document.Document) bool) {
	r.docs.Range(func(k, v any) bool {
		return fn(k.(string), v.(*entry).doc)
	})
}

// IDs returns the sorted document ids.
func (r *Registry) IDs() []string {
	var out []string
	r.Range(func(id string, _ *document.Document) bool {
		out = append(out, id)
		return true
	})
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	return len(r.IDs())
}
