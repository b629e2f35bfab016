package document

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/astromechza/seqtext/pkg/ident"
	"github.com/astromechza/seqtext/pkg/op"
)

func newDoc(site string, seed int64) *Document {
	var ts int64
	return New(site,
		WithAllocator(ident.NewAllocator(rand.New(rand.NewSource(seed)))),
		WithClock(ClockFunc(func() int64 { ts++; return ts })),
	)
}

func mustInsert(t *testing.T, d *Document, index int, value string) op.Operation {
	t.Helper()
	o, err := d.LocalInsert(index, value, "")
	if err != nil {
		t.Fatalf("LocalInsert(%d, %q): %v", index, value, err)
	}
	return o
}

func checkText(t *testing.T, d *Document, want string) {
	t.Helper()
	if got := d.RenderText(); got != want {
		t.Fatalf("%s: RenderText() = %q, want %q", d.Site(), got, want)
	}
}

func TestConvergenceExample(t *testing.T) {
	a, b := newDoc("A", 1), newDoc("B", 2)
	op1 := mustInsert(t, a, 0, "a")
	op2 := mustInsert(t, a, 1, "b")
	op3 := mustInsert(t, b, 0, "c")

	x, y := newDoc("X", 3), newDoc("Y", 4)
	for _, o := range []op.Operation{op1, op2, op3} {
		if r := x.Apply(o); r != op.Applied {
			t.Fatalf("X apply %v: %v", o, r)
		}
	}
	for _, o := range []op.Operation{op3, op1, op2} {
		if r := y.Apply(o); r != op.Applied {
			t.Fatalf("Y apply %v: %v", o, r)
		}
	}
	if x.RenderText() != y.RenderText() {
		t.Fatalf("diverged: %q vs %q", x.RenderText(), y.RenderText())
	}
	if len(x.RenderText()) != 3 {
		t.Fatalf("RenderText() = %q", x.RenderText())
	}
}

func TestIdempotence(t *testing.T) {
	a := newDoc("A", 1)
	o := mustInsert(t, a, 0, "h")
	d := mustInsert(t, a, 1, "i")

	b := newDoc("B", 2)
	if r := b.Apply(o); r != op.Applied {
		t.Fatal(r)
	}
	if r := b.Apply(o); r != op.DuplicateIgnored {
		t.Fatalf("second apply = %v", r)
	}
	b.Apply(d)
	del, err := a.LocalDelete(0, "")
	if err != nil {
		t.Fatal(err)
	}
	if r := b.Apply(del); r != op.Applied {
		t.Fatal(r)
	}
	if r := b.Apply(del); r != op.DuplicateIgnored {
		t.Fatalf("second delete = %v", r)
	}
	checkText(t, b, "i")
	checkText(t, a, "i")

	// Replaying a replica's own operations is a no-op too.
	if r := a.Apply(o); r != op.DuplicateIgnored {
		t.Fatalf("own replay = %v", r)
	}
}

func TestTombstoneStability(t *testing.T) {
	d := newDoc("A", 1)
	if _, err := d.InsertText(0, "abcdef", ""); err != nil {
		t.Fatal(err)
	}
	idsBefore := make(map[string]bool)
	for _, el := range d.Elements() {
		idsBefore[el.ID.String()] = true
	}

	if _, err := d.DeleteRange(2, 2, ""); err != nil {
		t.Fatal(err)
	}
	checkText(t, d, "abef")
	for _, el := range d.Elements() {
		if !idsBefore[el.ID.String()] {
			t.Fatalf("identifier %v appeared after delete", el.ID)
		}
	}
	if st := d.Stats(); st.Tombstones != 2 || st.Elements != 6 {
		t.Fatalf("stats = %+v", st)
	}

	mustInsert(t, d, 2, "X")
	checkText(t, d, "abXef")
	mustInsert(t, d, 2, "Y")
	checkText(t, d, "abYXef")
}

func TestInitializeRoundTrip(t *testing.T) {
	d := newDoc("A", 1)
	ops, err := d.Initialize("hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 5 {
		t.Fatalf("got %d ops", len(ops))
	}
	checkText(t, d, "hello")
	for i := 1; i < len(ops); i++ {
		if !ops[i-1].ID.Less(ops[i].ID) {
			t.Fatalf("identifiers not increasing at %d", i)
		}
	}
	if _, err := d.Initialize("again", ""); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("second Initialize err = %v", err)
	}

	// Two replicas seeding the same text agree and keep converging.
	e := newDoc("B", 2)
	if _, err := e.Initialize("hello", "A"); err != nil {
		t.Fatal(err)
	}
	o := mustInsert(t, e, 5, "!")
	if r := d.Apply(o); r != op.Applied {
		t.Fatal(r)
	}
	checkText(t, d, "hello!")

	u := newDoc("U", 3)
	if _, err := u.Initialize("héllo wörld", ""); err != nil {
		t.Fatal(err)
	}
	checkText(t, u, "héllo wörld")
	if u.Len() != 11 {
		t.Fatalf("Len() = %d", u.Len())
	}
}

func TestConcurrentInsertSameBoundary(t *testing.T) {
	base := newDoc("base", 1)
	seed, err := base.InsertText(0, "ac", "")
	if err != nil {
		t.Fatal(err)
	}

	a, b := newDoc("A", 2), newDoc("B", 3)
	a.ApplyAll(seed)
	b.ApplyAll(seed)

	oa := mustInsert(t, a, 1, "x")
	ob := mustInsert(t, b, 1, "y")

	a.Apply(ob)
	b.Apply(oa)
	if a.RenderText() != b.RenderText() {
		t.Fatalf("diverged: %q vs %q", a.RenderText(), b.RenderText())
	}
	want := "axyc"
	if ob.ID.Less(oa.ID) {
		want = "ayxc"
	}
	checkText(t, a, want)
}

func TestSameDigitsDifferentSites(t *testing.T) {
	// Deterministic allocators pick the same digit for the same gap, so only
	// the site separates the two new identifiers.
	a := New("A", WithAllocator(&ident.Allocator{}))
	b := New("B", WithAllocator(&ident.Allocator{}))
	oa := mustInsert(t, a, 0, "1")
	ob := mustInsert(t, b, 0, "2")
	if oa.ID[0].Digit != ob.ID[0].Digit {
		t.Fatalf("expected equal digits, got %v and %v", oa.ID, ob.ID)
	}
	a.Apply(ob)
	b.Apply(oa)
	checkText(t, a, "12")
	checkText(t, b, "12")

	// And inserting between two such siblings still works.
	o := mustInsert(t, a, 1, "m")
	b.Apply(o)
	checkText(t, b, "1m2")
}

func TestLocalEditNotFound(t *testing.T) {
	d := newDoc("A", 1)
	if _, err := d.LocalDelete(0, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete on empty doc err = %v", err)
	}
	if _, err := d.LocalInsert(1, "x", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("insert past end err = %v", err)
	}
	if _, err := d.LocalInsert(-1, "x", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("insert at -1 err = %v", err)
	}
	if _, err := d.LocalInsert(0, "", ""); !errors.Is(err, ErrNoValue) {
		t.Fatalf("empty insert err = %v", err)
	}
	if _, err := d.LocalInsert(0, "x", "bad:site"); err == nil {
		t.Fatal("expected invalid site to be rejected")
	}
}

func TestDeleteBeforeInsertConverges(t *testing.T) {
	a := newDoc("A", 1)
	ins := mustInsert(t, a, 0, "z")

	b := newDoc("B", 2)
	b.Apply(ins)
	del, err := b.LocalDelete(0, "")
	if err != nil {
		t.Fatal(err)
	}

	// C hears about B's delete before A's insert.
	c := newDoc("C", 3)
	if r := c.Apply(del); r != op.NotFoundIgnored {
		t.Fatalf("early delete = %v", r)
	}
	c.Apply(ins)
	checkText(t, c, "")
	checkText(t, b, "")
}

func TestOperationsRebuildState(t *testing.T) {
	a := newDoc("A", 1)
	if _, err := a.InsertText(0, "hello world", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := a.DeleteRange(5, 6, ""); err != nil {
		t.Fatal(err)
	}
	b := newDoc("B", 2)
	for _, r := range b.ApplyAll(a.Operations()) {
		if r != op.Applied {
			t.Fatalf("rebuild result %v", r)
		}
	}
	checkText(t, b, "hello")
	if b.Stats() != a.Stats() {
		t.Fatalf("stats differ: %+v vs %+v", b.Stats(), a.Stats())
	}
	text, ops := a.Capture()
	if text != "hello" || len(ops) != len(a.Operations()) {
		t.Fatalf("Capture() = %q with %d ops", text, len(ops))
	}
}

func TestTimestampsNonDecreasing(t *testing.T) {
	now := int64(100)
	d := New("A", WithClock(ClockFunc(func() int64 { return now })))
	o1 := mustInsert(t, d, 0, "a")
	now = 50
	o2 := mustInsert(t, d, 1, "b")
	if o2.Timestamp < o1.Timestamp {
		t.Fatalf("timestamp went backwards: %d then %d", o1.Timestamp, o2.Timestamp)
	}
	d.Apply(op.Operation{Kind: op.Insert, ID: ident.Identifier{{Digit: 9, Site: "Z"}}, Value: "z", Site: "Z", Timestamp: 500})
	o3 := mustInsert(t, d, 0, "c")
	if o3.Timestamp < 500 {
		t.Fatalf("observed timestamp not honoured: %d", o3.Timestamp)
	}
}

type replica struct {
	doc *Document
	log []op.Operation
}

// Several sites edit concurrently; every replica then receives every other
// site's operations in a random interleaving that keeps each sender's order.
func TestRandomizedConvergence(t *testing.T) {
	rnd := rand.New(rand.NewSource(99))
	for round := 0; round < 25; round++ {
		sites := []*replica{}
		for i := 0; i < 4; i++ {
			sites = append(sites, &replica{doc: newDoc(fmt.Sprintf("s%d", i), rnd.Int63())})
		}
		// Shared starting text.
		seed, _ := sites[0].doc.Initialize("the quick brown fox", "")
		for _, s := range sites[1:] {
			s.doc.ApplyAll(seed)
		}
		for _, s := range sites {
			for n := 0; n < 30; n++ {
				l := s.doc.Len()
				if l > 0 && rnd.Intn(3) == 0 {
					o, err := s.doc.LocalDelete(rnd.Intn(l), "")
					if err != nil {
						t.Fatal(err)
					}
					s.log = append(s.log, o)
					continue
				}
				o, err := s.doc.LocalInsert(rnd.Intn(l+1), string(rune('a'+rnd.Intn(26))), "")
				if err != nil {
					t.Fatal(err)
				}
				s.log = append(s.log, o)
			}
		}
		for i, s := range sites {
			var queues [][]op.Operation
			for j, other := range sites {
				if i != j {
					queues = append(queues, other.log)
				}
			}
			for len(queues) > 0 {
				q := rnd.Intn(len(queues))
				o := queues[q][0]
				s.doc.Apply(o)
				if rnd.Intn(4) == 0 {
					s.doc.Apply(o) // duplicate delivery
				}
				queues[q] = queues[q][1:]
				if len(queues[q]) == 0 {
					queues = append(queues[:q], queues[q+1:]...)
				}
			}
		}
		want := sites[0].doc.RenderText()
		for _, s := range sites[1:] {
			if got := s.doc.RenderText(); got != want {
				t.Fatalf("round %d: %s has %q, %s has %q", round, s.doc.Site(), got, sites[0].doc.Site(), want)
			}
		}
	}
}

func TestConcurrentCallers(t *testing.T) {
	d := newDoc("A", 1)
	wg := new(sync.WaitGroup)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := d.LocalInsert(0, "x", ""); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if d.Len() != 400 {
		t.Fatalf("Len() = %d", d.Len())
	}
}
