package registry

import (
	"github.com/google/uuid"

	"github.com/cognexus/plugin-host/metadata"
)

// Reader is the read side of the registry consumed by graph validation, UI
// enumeration and the execution engine.
type Reader interface {
	// Get returns the entry registered under id in the kind's namespace.
	// found is false when nothing is registered.
	Get(kind metadata.Kind, id uuid.UUID) (entry metadata.Entry, found bool, err error)

	// List returns a snapshot of every entry of kind.
	List(kind metadata.Kind) ([]metadata.Entry, error)
}

// Writer is the write side used by discovery.
type Writer interface {
	// Register inserts one entry. A second registration of the same
	// identifier fails with DuplicateIdentifier and keeps the first.
	Register(entry metadata.Entry) error

	// RegisterAll inserts every entry or none of them.
	RegisterAll(entries []metadata.Entry) error
}

// Store is the full registry contract.
type Store interface {
	Reader
	Writer
}
