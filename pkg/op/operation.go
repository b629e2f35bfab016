// Package op defines the replicated edit operation and its JSON wire form.
package op

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/astromechza/seqtext/pkg/ident"
)

// ErrMalformed is returned when a wire operation fails validation.
var ErrMalformed = errors.New("malformed operation")

type Kind int

const (
	Insert Kind = iota + 1
	Delete
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "INSERT"
	case Delete:
		return "DELETE"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "INSERT":
		return Insert, nil
	case "DELETE":
		return Delete, nil
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrMalformed, s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if k != Insert && k != Delete {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Operation describes one insert or delete. It is a value: once produced it
// may be delivered, logged and re-delivered any number of times.
type Operation struct {
	Kind      Kind             `json:"kind"`
	ID        ident.Identifier `json:"id"`
	Value     string           `json:"value,omitempty"`
	Site      string           `json:"siteId"`
	Timestamp int64            `json:"timestamp"`
}

func (o Operation) String() string {
	if o.Kind == Insert {
		return fmt.Sprintf("%s %s %q @%s/%d", o.Kind, o.ID, o.Value, o.Site, o.Timestamp)
	}
	return fmt.Sprintf("%s %s @%s/%d", o.Kind, o.ID, o.Site, o.Timestamp)
}

// Validate checks the structural rules enforced at the decoding boundary.
func (o Operation) Validate() error {
	if o.Kind != Insert && o.Kind != Delete {
		return fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	if o.ID.IsZero() {
		return fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if err := ident.ValidateSite(o.Site); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if o.Kind == Insert && o.Value == "" {
		return fmt.Errorf("%w: insert without value", ErrMalformed)
	}
	if o.Kind == Delete && o.Value != "" {
		return fmt.Errorf("%w: delete carries a value", ErrMalformed)
	}
	return nil
}

// UnmarshalJSON decodes and validates, so a malformed operation never reaches
// a document.
func (o *Operation) UnmarshalJSON(data []byte) error {
	type wire Operation
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := Operation(w).Validate(); err != nil {
		return err
	}
	*o = Operation(w)
	return nil
}

// Decode parses a single JSON operation.
func Decode(raw []byte) (Operation, error) {
	var o Operation
	if err := json.Unmarshal(raw, &o); err != nil {
		if !errors.Is(err, ErrMalformed) {
			err = fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Operation{}, err
	}
	return o, nil
}

// Result is the outcome of applying an operation. None of the results is an
// error: duplicates and unknown targets are absorbed.
type Result int

const (
	Applied Result = iota
	DuplicateIgnored
	NotFoundIgnored
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "Applied"
	case DuplicateIgnored:
		return "DuplicateIgnored"
	case NotFoundIgnored:
		return "NotFoundIgnored"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}
