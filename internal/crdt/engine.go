// Package crdt defines the document engine capability the sync backend is
// built around and ships a block-list engine that satisfies it.
//
// The server never inspects update payloads beyond what the Document
// interface exposes: apply an update, encode a diff against a state vector,
// encode the state vector, and convert to and from flattened content.
package crdt

import (
	"errors"
)

var (
	// ErrMalformedUpdate indicates an update payload that could not be decoded.
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	// ErrMalformedStateVector indicates a state vector that could not be decoded.
	ErrMalformedStateVector = errors.New("crdt: malformed state vector")
	// ErrBlockIndex indicates a local edit addressed a block that does not exist.
	ErrBlockIndex = errors.New("crdt: block index out of range")
	// ErrForeignDocument indicates a document created by a different engine.
	ErrForeignDocument = errors.New("crdt: document belongs to another engine")
)

// Document is a single collaboratively edited CRDT instance. Implementations
// are not safe for concurrent use; each connection owns its own Document.
type Document interface {
	// Apply merges an update. Applying the same update twice is a no-op.
	Apply(update []byte) error
	// EncodeStateAsUpdate encodes everything the holder of stateVector is
	// missing. A nil or empty state vector encodes the full state.
	EncodeStateAsUpdate(stateVector []byte) ([]byte, error)
	// EncodeStateVector summarizes what this document has seen.
	EncodeStateVector() []byte
	// Content converts the document into its flattened representation.
	Content() Content
}

// Engine creates documents.
type Engine interface {
	NewDocument() Document
	FromContent(content Content) (Document, error)
	// ReplaceContent applies to document, and returns, an update that turns
	// its content into the provided content while keeping its history.
	ReplaceContent(document Document, content Content) ([]byte, error)
}

// Block is one element of flattened content, for example a scene heading
// or a line of dialogue.
type Block struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Content is the flattened, read-optimized view of a document.
type Content struct {
	Blocks []Block `json:"blocks"`
}

// Len returns the number of blocks.
func (content Content) Len() int {
	return len(content.Blocks)
}

// Equal reports whether both contents hold the same blocks in the same order.
func (content Content) Equal(other Content) bool {
	if len(content.Blocks) != len(other.Blocks) {
		return false
	}
	for index := range content.Blocks {
		if content.Blocks[index] != other.Blocks[index] {
			return false
		}
	}
	return true
}
