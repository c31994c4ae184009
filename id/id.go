// Package id mints the TypeID identifiers callflow gives its own records:
// event ids for fresh envelopes, dead-letter entries, worker identities
// and watch sessions.
//
// A TypeID reads "prefix_suffix" where the suffix is a base32 UUIDv7, so
// ids sort by creation time and are safe in URLs.
package id

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix names the kind of record an ID belongs to.
type Prefix string

const (
	PrefixEvent  Prefix = "evt"
	PrefixDLQ    Prefix = "dlq"
	PrefixWorker Prefix = "wkr"
	PrefixWatch  Prefix = "wch"
)

var errEmpty = errors.New("empty id")

// ID is a TypeID. The zero value is Nil and marshals as "" or NULL.
//
//nolint:recvcheck // UnmarshalText and Scan need pointer receivers.
type ID struct {
	tid typeid.TypeID
	set bool
}

// Nil is the zero ID.
var Nil ID

type (
	// DLQID identifies a dead-letter entry.
	DLQID = ID
	// WorkerID identifies a running instance.
	WorkerID = ID
)

// New mints an ID under prefix. The prefixes above are always valid, so
// an error here is a programming mistake and panics.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: generate %q: %v", prefix, err))
	}
	return ID{tid: tid, set: true}
}

// NewEventID returns a fresh event id as a string, the form envelopes
// carry. Follow-up events derive theirs deterministically instead.
func NewEventID() string { return New(PrefixEvent).String() }

func NewDLQID() DLQID       { return New(PrefixDLQ) }
func NewWorkerID() WorkerID { return New(PrefixWorker) }
func NewWatchID() ID        { return New(PrefixWatch) }

// Parse reads any TypeID, e.g. "evt_01h2xcejqtf2nbrexx3vqjhp41".
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse: %w", errEmpty)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{tid: tid, set: true}, nil
}

// ParseWithPrefix reads s and rejects ids of another kind.
func ParseWithPrefix(s string, want Prefix) (ID, error) {
	v, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if got := v.Prefix(); got != want {
		return Nil, fmt.Errorf("id: %q is a %q id, want %q", s, got, want)
	}
	return v, nil
}

// ParseDLQID reads a dead-letter entry id.
func ParseDLQID(s string) (DLQID, error) { return ParseWithPrefix(s, PrefixDLQ) }

func (i ID) String() string {
	if !i.set {
		return ""
	}
	return i.tid.String()
}

func (i ID) Prefix() Prefix {
	if !i.set {
		return ""
	}
	return Prefix(i.tid.Prefix())
}

func (i ID) IsNil() bool { return !i.set }

// ── encoding ────────────────────────────────────────────────────────

func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

// UnmarshalText accepts "" as Nil.
func (i *ID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*i = Nil
		return nil
	}
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// Value stores Nil as NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.set {
		return nil, nil //nolint:nilnil // NULL
	}
	return i.String(), nil
}

func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	}
	return fmt.Errorf("id: scan %T", src)
}
