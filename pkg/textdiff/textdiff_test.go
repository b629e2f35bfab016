package textdiff

import (
	"testing"

	"github.com/astromechza/seqtext/pkg/document"
)

func TestDiffPatch(t *testing.T) {
	cases := []struct{ old, new string }{
		{"", ""},
		{"", "hello"},
		{"hello", ""},
		{"hello", "help"},
		{"the cat sat", "the bat sat down"},
		{"abc", "xabcx"},
		{"naïve café", "naive cafe!"},
		{"line one\nline two\n", "line one\nline 2\nline three\n"},
	}
	for _, c := range cases {
		edits := Diff(c.old, c.new)
		if got := Patch(c.old, edits); got != c.new {
			t.Errorf("Patch(%q, Diff(..., %q)) = %q, edits %+v", c.old, c.new, got, edits)
		}
	}
	if Diff("same", "same") != nil {
		t.Error("equal inputs should give no edits")
	}
}

func TestApplyToDocument(t *testing.T) {
	doc := document.New("ui")
	if _, err := doc.Initialize("the cat sat", "seed"); err != nil {
		t.Fatal(err)
	}
	ops, err := Apply(doc, Diff("the cat sat", "the bat sat down"), "")
	if err != nil {
		t.Fatal(err)
	}
	if got := doc.RenderText(); got != "the bat sat down" {
		t.Fatalf("RenderText() = %q", got)
	}

	// The operations replay onto another replica with the same seed.
	other := document.New("other")
	if _, err := other.Initialize("the cat sat", "seed"); err != nil {
		t.Fatal(err)
	}
	other.ApplyAll(ops)
	if got := other.RenderText(); got != "the bat sat down" {
		t.Fatalf("replica RenderText() = %q", got)
	}
}
