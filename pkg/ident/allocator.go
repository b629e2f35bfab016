package ident

import (
	"errors"
	"math/rand"
)

const (
	// DefaultBase is the exclusive upper bound of a digit at every level. Digit
	// 0 is the lower sentinel, so allocated digits are in [1, Base-1].
	DefaultBase = 1 << 16
	// DefaultJitter bounds how far a new digit may stray from the midpoint of
	// its gap. Jitter is further capped so the digit stays inside the gap.
	DefaultJitter = 32
	// MaxDepth bounds the boundary search. Paths only deepen by one level per
	// exhausted gap, so this is never reached by a real document.
	MaxDepth = 4096
)

var (
	ErrBadNeighbours = errors.New("neighbour identifiers are not strictly ordered")
	ErrDepthExceeded = errors.New("identifier depth limit reached")
)

// Allocator creates identifiers between two neighbours. The zero value is
// usable and deterministic; NewAllocator adds jitter from a random source.
type Allocator struct {
	Base   int
	Jitter int
	rand   *rand.Rand
}

func NewAllocator(rnd *rand.Rand) *Allocator {
	return &Allocator{Base: DefaultBase, Jitter: DefaultJitter, rand: rnd}
}

func (a *Allocator) base() int {
	if a == nil || a.Base < 4 {
		return DefaultBase
	}
	return a.Base
}

func (a *Allocator) jitter() int {
	if a == nil || a.Jitter < 0 {
		return DefaultJitter
	}
	return a.Jitter
}

// Between returns an identifier strictly between before and after for the
// given site. A nil before means the start of the document, a nil after the
// end.
func (a *Allocator) Between(before, after Identifier, site string) (Identifier, error) {
	if before != nil && after != nil && Compare(before, after) >= 0 {
		return nil, ErrBadNeighbours
	}
	base := a.base()

	// boundedAbove is true while the path built so far equals a prefix of
	// after. Once a copied level sorts below after's level, after no longer
	// constrains anything deeper.
	boundedAbove := after != nil
	out := make(Identifier, 0, max(len(before), len(after))+1)

	for depth := 0; depth < MaxDepth; depth++ {
		// Past the end of before, the lower bound is digit 0 tagged with our own
		// site so a copied level still encodes.
		lo, virtual := Position{Site: site}, true
		if depth < len(before) {
			lo, virtual = before[depth], false
		}
		hi := Position{Digit: base}
		if boundedAbove {
			if depth >= len(after) {
				return nil, ErrBadNeighbours
			}
			hi = after[depth]
		}

		if gap := hi.Digit - lo.Digit; gap > 1 {
			out = append(out, Position{Digit: lo.Digit + a.midpoint(gap), Site: site})
			return out, nil
		}

		// No free digit at this level: descend.
		switch c := lo.Compare(hi); {
		case c < 0:
			boundedAbove = false
			out = append(out, lo)
		case c == 0, !boundedAbove:
			out = append(out, lo)
		case virtual:
			// before is already a prefix of out; follow after instead.
			out = append(out, hi)
		default:
			return nil, ErrBadNeighbours
		}
	}
	return nil, ErrDepthExceeded
}

// midpoint picks an offset in [1, gap-1] around gap/2. Without a random
// source it is exactly gap/2.
func (a *Allocator) midpoint(gap int) int {
	mid := gap / 2
	if a == nil || a.rand == nil {
		return mid
	}
	// both mid-1 and gap-1-mid are at least gap/2-1
	r := min(a.jitter(), gap/2-1)
	if r <= 0 {
		return mid
	}
	return mid + a.rand.Intn(2*r+1) - r
}

// Spread returns n strictly increasing identifiers for site, evenly spaced
// over the smallest number of levels that can hold them. It uses no
// randomness, so every replica seeding the same text derives the same
// identifiers.
func Spread(n int, site string) []Identifier {
	if n <= 0 {
		return nil
	}
	const radix = DefaultBase - 1
	levels, capacity := 1, uint64(radix)
	for capacity <= uint64(n) {
		levels++
		capacity *= radix
	}
	stride := capacity / uint64(n+1)

	out := make([]Identifier, n)
	for i := range out {
		v := uint64(i+1) * stride
		path := make(Identifier, levels)
		for l := levels - 1; l >= 0; l-- {
			path[l] = Position{Digit: int(v%radix) + 1, Site: site}
			v /= radix
		}
		out[i] = path
	}
	return out
}
