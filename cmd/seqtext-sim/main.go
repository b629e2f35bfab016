package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync/atomic"

	"github.com/astromechza/seqtext/pkg/document"
	"github.com/astromechza/seqtext/pkg/ident"
	"github.com/astromechza/seqtext/pkg/op"
)

// simulate replicas editing concurrently over an unreliable network that
// reorders and duplicates operations
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	sitesVar := flag.Int("sites", 3, "number of replicas")
	roundsVar := flag.Int("rounds", 50, "number of edit rounds")
	seedVar := flag.Int64("seed", 1, "random seed")
	textVar := flag.String("text", "the quick brown fox", "initial text of every replica")
	flag.Parse()

	res, err := simulate(*sitesVar, *roundsVar, *seedVar, *textVar)
	if err != nil {
		return err
	}
	slog.Info("converged", "text", res.text, "delivered", res.delivered, "duplicates", res.duplicates, "stats", res.stats)
	return nil
}

type result struct {
	text       string
	delivered  int
	duplicates int
	stats      any
}

type replica struct {
	doc   *document.Document
	inbox []op.Operation
}

func simulate(sites, rounds int, seed int64, text string) (result, error) {
	rnd := rand.New(rand.NewSource(seed))
	var clock atomic.Int64
	tick := document.ClockFunc(func() int64 { return clock.Add(1) })

	replicas := make([]*replica, sites)
	for i := range replicas {
		site := fmt.Sprintf("site%d", i)
		d := document.New(site,
			document.WithClock(tick),
			document.WithAllocator(ident.NewAllocator(rand.New(rand.NewSource(seed+int64(i))))),
		)
		// replicas seeding the same text agree on its identifiers
		if _, err := d.Initialize(text, "origin"); err != nil {
			return result{}, err
		}
		replicas[i] = &replica{doc: d}
	}

	var res result
	broadcast := func(from int, ops []op.Operation) {
		for i, r := range replicas {
			if i == from {
				continue
			}
			r.inbox = append(r.inbox, ops...)
			// the network sometimes delivers twice
			if rnd.Intn(5) == 0 {
				r.inbox = append(r.inbox, ops...)
			}
		}
	}
	deliver := func(r *replica, n int) {
		rnd.Shuffle(len(r.inbox), func(i, j int) { r.inbox[i], r.inbox[j] = r.inbox[j], r.inbox[i] })
		if n > len(r.inbox) {
			n = len(r.inbox)
		}
		for _, o := range r.inbox[:n] {
			switch r.doc.Apply(o) {
			case op.Applied:
				res.delivered++
			default:
				res.duplicates++
			}
		}
		r.inbox = r.inbox[n:]
	}

	for round := 0; round < rounds; round++ {
		for i, r := range replicas {
			n := r.doc.Len()
			var (
				ops []op.Operation
				err error
			)
			if n > 0 && rnd.Intn(3) == 0 {
				ops, err = r.doc.DeleteRange(rnd.Intn(n), 1, "")
			} else {
				ops, err = r.doc.InsertText(rnd.Intn(n+1), string(rune('a'+rnd.Intn(26))), "")
			}
			if err != nil {
				return result{}, fmt.Errorf("round %d site %d: %w", round, i, err)
			}
			broadcast(i, ops)
			deliver(r, rnd.Intn(len(r.inbox)+1))
		}
		slog.Debug("round", "round", round, "text", replicas[0].doc.RenderText())
	}

	for _, r := range replicas {
		deliver(r, len(r.inbox))
	}
	res.text = replicas[0].doc.RenderText()
	for i, r := range replicas[1:] {
		if got := r.doc.RenderText(); got != res.text {
			return result{}, fmt.Errorf("site%d diverged: %q vs %q", i+1, got, res.text)
		}
	}
	res.stats = replicas[0].doc.Stats()
	return res, nil
}
