// Package protocol defines the JSON messages exchanged over a document's
// websocket. Every message carries a type tag; malformed messages are
// rejected here, before anything reaches a document.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/astromechza/seqtext/pkg/op"
)

var ErrMalformed = errors.New("malformed message")

const (
	// TypeSnapshot is sent by the server when a client joins: its assigned
	// site and the operation log that rebuilds the document.
	TypeSnapshot = "snapshot"
	// TypeOp carries one CRDT operation, in either direction.
	TypeOp = "op"
	// TypeEdit is an index-based edit from a client without a local replica.
	// The server resolves it against its own replica.
	TypeEdit = "edit"
	// TypeText is the rendered text, sent in reply to an edit.
	TypeText  = "text"
	TypeError = "error"
)

const (
	ActionInsert = "insert"
	ActionDelete = "delete"
)

type Edit struct {
	Action string `json:"action"`
	Index  int    `json:"index"`
	Value  string `json:"value,omitempty"`
}

type Message struct {
	Type string `json:"type"`
	Doc  string `json:"doc,omitempty"`
	Site string `json:"siteId,omitempty"`
	// Generation names the identifier lineage of a snapshot. A replica that
	// sees it change must rebuild rather than merge.
	Generation string         `json:"generation,omitempty"`
	Ops        []op.Operation `json:"ops,omitempty"`
	Op         *op.Operation  `json:"op,omitempty"`
	Edit       *Edit          `json:"edit,omitempty"`
	Text       string         `json:"text,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func Snapshot(doc, site, generation string, ops []op.Operation) Message {
	return Message{Type: TypeSnapshot, Doc: doc, Site: site, Generation: generation, Ops: ops}
}

func Op(doc string, o op.Operation) Message {
	return Message{Type: TypeOp, Doc: doc, Op: &o}
}

func Text(doc, text string) Message {
	return Message{Type: TypeText, Doc: doc, Text: text}
}

func Error(doc string, err error) Message {
	return Message{Type: TypeError, Doc: doc, Error: err.Error()}
}

// Validate checks that the fields required by the message type are present.
func (m Message) Validate() error {
	switch m.Type {
	case TypeSnapshot:
		if m.Site == "" {
			return fmt.Errorf("%w: snapshot without site", ErrMalformed)
		}
	case TypeOp:
		if m.Op == nil {
			return fmt.Errorf("%w: op message without op", ErrMalformed)
		}
	case TypeEdit:
		if m.Edit == nil {
			return fmt.Errorf("%w: edit message without edit", ErrMalformed)
		}
		switch m.Edit.Action {
		case ActionInsert:
			if m.Edit.Value == "" {
				return fmt.Errorf("%w: insert edit without value", ErrMalformed)
			}
		case ActionDelete:
		default:
			return fmt.Errorf("%w: unknown edit action %q", ErrMalformed, m.Edit.Action)
		}
		if m.Edit.Index < 0 {
			return fmt.Errorf("%w: negative edit index", ErrMalformed)
		}
	case TypeText, TypeError:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	return nil
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates a message. Embedded operations are validated by
// their own decoder.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
