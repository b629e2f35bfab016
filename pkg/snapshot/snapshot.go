// Package snapshot encodes persisted document content. The rendered text is
// stored as an automerge Text field so snapshots stay readable by automerge
// tooling. Next to it go the operation log, which rebuilds the exact
// identifiers and tombstones, and the generation of the document lineage.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/seqtext/pkg/op"
)

const (
	textField       = "text"
	opsField        = "ops"
	generationField = "generation"
)

var ErrNoText = errors.New("snapshot has no text field")

// State is what gets persisted for a document. Ops is empty for snapshots
// that only carry text; those are reseeded from Text.
type State struct {
	// Generation names the lineage of identifiers. It changes only when a
	// document is seeded from text rather than replayed from its log.
	Generation string
	Text       string
	Ops        []op.Operation
}

// Digest identifies the content of a state. Two states with the same digest
// rebuild the same document.
func (s State) Digest() (string, error) {
	raw, err := json.Marshal(s.Ops)
	if err != nil {
		return "", fmt.Errorf("failed to encode ops: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(s.Generation))
	h.Write([]byte{0})
	h.Write([]byte(s.Text))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SeedGeneration names the lineage of a document seeded from text by site.
// Seeding is deterministic, so equal inputs give equal identifiers and share a
// generation.
func SeedGeneration(site, text string) string {
	h := sha256.New()
	h.Write([]byte(site))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// Encode stores a state in a new automerge document and returns its saved form.
func Encode(s State) ([]byte, error) {
	doc := automerge.New()
	if err := doc.Path(textField).Set(automerge.NewText(s.Text)); err != nil {
		return nil, fmt.Errorf("failed to set text: %w", err)
	}
	if s.Generation != "" {
		if err := doc.Path(generationField).Set(s.Generation); err != nil {
			return nil, fmt.Errorf("failed to set generation: %w", err)
		}
	}
	if len(s.Ops) > 0 {
		raw, err := json.Marshal(s.Ops)
		if err != nil {
			return nil, fmt.Errorf("failed to encode ops: %w", err)
		}
		if err := doc.Path(opsField).Set(string(raw)); err != nil {
			return nil, fmt.Errorf("failed to set ops: %w", err)
		}
	}
	if _, err := doc.Commit("snapshot", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return doc.Save(), nil
}

// Decode loads a saved automerge document.
func Decode(raw []byte) (State, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return State{}, fmt.Errorf("failed to load doc: %w", err)
	}
	v, err := doc.Path(textField).Get()
	if err != nil {
		return State{}, fmt.Errorf("failed to read text: %w", err)
	}
	if v.Kind() != automerge.KindText {
		return State{}, ErrNoText
	}
	var s State
	if s.Text, err = doc.Path(textField).Text().Get(); err != nil {
		return State{}, fmt.Errorf("failed to read text: %w", err)
	}
	if s.Generation, err = str(doc, generationField); err != nil {
		return State{}, err
	}
	rawOps, err := str(doc, opsField)
	if err != nil {
		return State{}, err
	}
	if rawOps != "" {
		if err := json.Unmarshal([]byte(rawOps), &s.Ops); err != nil {
			return State{}, fmt.Errorf("failed to decode ops: %w", err)
		}
	}
	return s, nil
}

// str reads an optional string field; a missing field is empty.
func str(doc *automerge.Doc, field string) (string, error) {
	v, err := doc.Path(field).Get()
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", field, err)
	}
	switch v.Kind() {
	case automerge.KindVoid:
		return "", nil
	case automerge.KindStr:
		return v.Str(), nil
	}
	return "", fmt.Errorf("%s is a %v, not a string", field, v.Kind())
}
