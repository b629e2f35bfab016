// Package textdiff turns whole-buffer text changes into positional edits. It is
// an adapter for editors that only report their full buffer; it plays no part
// in convergence.
package textdiff

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/astromechza/seqtext/pkg/op"
)

type Kind int

const (
	Insert Kind = iota + 1
	Delete
)

func (k Kind) String() string {
	if k == Insert {
		return "insert"
	}
	return "delete"
}

// Edit is a rune-offset edit. Edits returned by Diff are meant to be applied
// one after another, each against the text produced by the previous one.
type Edit struct {
	Kind  Kind
	Index int
	Text  string
}

// Len is the number of runes the edit inserts or removes.
func (e Edit) Len() int {
	return utf8.RuneCountInString(e.Text)
}

// Diff returns the edits that turn old into new.
func Diff(old, new string) []Edit {
	if old == new {
		return nil
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(old, new, false)

	var edits []Edit
	index := 0
	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			index += n
		case diffmatchpatch.DiffDelete:
			edits = append(edits, Edit{Kind: Delete, Index: index, Text: d.Text})
		case diffmatchpatch.DiffInsert:
			edits = append(edits, Edit{Kind: Insert, Index: index, Text: d.Text})
			index += n
		}
	}
	return edits
}

// Patch applies edits to a plain string.
func Patch(text string, edits []Edit) string {
	runes := []rune(text)
	for _, e := range edits {
		if e.Index < 0 || e.Index > len(runes) {
			continue
		}
		switch e.Kind {
		case Insert:
			ins := []rune(e.Text)
			runes = append(runes[:e.Index], append(ins, runes[e.Index:]...)...)
		case Delete:
			end := min(e.Index+e.Len(), len(runes))
			runes = append(runes[:e.Index], runes[end:]...)
		}
	}
	return string(runes)
}

// Editor is the part of a document the adapter drives.
type Editor interface {
	InsertText(index int, text, site string) ([]op.Operation, error)
	DeleteRange(index, n int, site string) ([]op.Operation, error)
}

// Apply feeds edits into a document one rune at a time and returns the
// resulting operations in order.
func Apply(doc Editor, edits []Edit, site string) ([]op.Operation, error) {
	var out []op.Operation
	for _, e := range edits {
		var (
			ops []op.Operation
			err error
		)
		switch e.Kind {
		case Insert:
			ops, err = doc.InsertText(e.Index, e.Text, site)
		case Delete:
			ops, err = doc.DeleteRange(e.Index, e.Len(), site)
		}
		out = append(out, ops...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}
