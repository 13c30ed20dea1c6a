package crdt

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
)

// ID identifies an item by the client that created it and that client's
// clock at creation time.
type ID struct {
	Client uint64
	Clock  uint64
}

func (id ID) less(other ID) bool {
	if id.Client != other.Client {
		return id.Client < other.Client
	}
	return id.Clock < other.Clock
}

type itemKind uint64

const (
	kindInsert itemKind = 0
	kindEdit   itemKind = 1
	kindDelete itemKind = 2
)

type item struct {
	id        ID
	lamport   uint64
	kind      itemKind
	position  string
	target    ID
	blockType string
	text      string
}

// BlockEngine creates BlockDocuments.
type BlockEngine struct{}

// NewBlockEngine returns the block-list engine.
func NewBlockEngine() *BlockEngine {
	return &BlockEngine{}
}

// NewDocument returns an empty document with a random client id.
func (BlockEngine) NewDocument() Document {
	return NewBlockDocument(uint64(rand.Uint32()))
}

// FromContent seeds a document from flattened content. The seed items use a
// client id derived from the content, so seeding identical content twice
// yields identical items and merging both seeds does not duplicate blocks.
func (BlockEngine) FromContent(content Content) (Document, error) {
	seedClient, err := contentClient(content, nil)
	if err != nil {
		return nil, err
	}

	document := NewBlockDocument(seedClient)
	keys := seedKeys(len(content.Blocks))
	for index, block := range content.Blocks {
		document.integrate(item{
			id:        ID{Client: seedClient, Clock: uint64(index)},
			lamport:   1,
			kind:      kindInsert,
			position:  keys[index],
			blockType: block.Type,
			text:      block.Text,
		})
	}
	document.advance(seedClient)
	return document, nil
}

// ReplaceContent deletes every visible block of document and inserts the
// provided blocks. The edits are made by a client derived from the content
// and the document's state vector, so two servers replacing the same state
// with the same content produce identical items.
func (BlockEngine) ReplaceContent(document Document, content Content) ([]byte, error) {
	target, ok := document.(*BlockDocument)
	if !ok {
		return nil, ErrForeignDocument
	}
	stateVector := target.EncodeStateVector()
	client, err := contentClient(content, stateVector)
	if err != nil {
		return nil, err
	}

	full, err := target.EncodeStateAsUpdate(nil)
	if err != nil {
		return nil, err
	}
	writer := NewBlockDocument(client)
	if err := writer.Apply(full); err != nil {
		return nil, err
	}
	for index := writer.Content().Len() - 1; index >= 0; index-- {
		if _, err := writer.DeleteBlock(index); err != nil {
			return nil, err
		}
	}
	for index, block := range content.Blocks {
		if _, err := writer.InsertBlock(index, block.Type, block.Text); err != nil {
			return nil, err
		}
	}

	update, err := writer.EncodeStateAsUpdate(stateVector)
	if err != nil {
		return nil, err
	}
	if err := target.Apply(update); err != nil {
		return nil, err
	}
	return update, nil
}

func contentClient(content Content, stateVector []byte) (uint64, error) {
	encoded, err := json.Marshal(content)
	if err != nil {
		return 0, fmt.Errorf("crdt: encode seed content: %w", err)
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write(encoded)
	_, _ = hasher.Write(stateVector)
	return uint64(hasher.Sum32()), nil
}

// BlockDocument is a block-list CRDT. Items form a grow-only set keyed by
// ID: inserts are ordered by fractional position keys with ties broken by
// ID, edits are last-writer-wins by (lamport, ID), deletes are tombstones.
type BlockDocument struct {
	client  uint64
	items   map[ID]item
	next    map[uint64]uint64
	lamport uint64
}

// NewBlockDocument returns an empty document that creates local items as
// the provided client.
func NewBlockDocument(client uint64) *BlockDocument {
	return &BlockDocument{
		client: client,
		items:  make(map[ID]item),
		next:   make(map[uint64]uint64),
	}
}

// ClientID returns the client id used for local edits.
func (d *BlockDocument) ClientID() uint64 {
	return d.client
}

// Apply merges an update. The update is decoded completely before any item
// is integrated, so a malformed update leaves the document untouched.
func (d *BlockDocument) Apply(update []byte) error {
	items, err := decodeUpdate(update)
	if err != nil {
		return err
	}
	touched := make(map[uint64]struct{}, 1)
	for _, incoming := range items {
		if d.integrate(incoming) {
			touched[incoming.id.Client] = struct{}{}
		}
	}
	for client := range touched {
		d.advance(client)
	}
	return nil
}

// EncodeStateAsUpdate encodes every item the state vector does not cover.
func (d *BlockDocument) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	known, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	missing := make([]item, 0, len(d.items))
	for id, stored := range d.items {
		if id.Clock >= known[id.Client] {
			missing = append(missing, stored)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		return missing[i].id.less(missing[j].id)
	})
	return encodeUpdate(missing), nil
}

// EncodeStateVector encodes the contiguous clock reached for each client.
func (d *BlockDocument) EncodeStateVector() []byte {
	return EncodeStateVector(d.next)
}

// StateVector returns a copy of the decoded state vector.
func (d *BlockDocument) StateVector() map[uint64]uint64 {
	out := make(map[uint64]uint64, len(d.next))
	for client, clock := range d.next {
		out[client] = clock
	}
	return out
}

// Content flattens visible blocks in document order.
func (d *BlockDocument) Content() Content {
	inserts := make([]item, 0, len(d.items))
	deleted := make(map[ID]struct{})
	latestEdit := make(map[ID]item)
	for _, stored := range d.items {
		switch stored.kind {
		case kindInsert:
			inserts = append(inserts, stored)
		case kindDelete:
			deleted[stored.target] = struct{}{}
		case kindEdit:
			current, ok := latestEdit[stored.target]
			if !ok || editWins(stored, current) {
				latestEdit[stored.target] = stored
			}
		}
	}
	sort.Slice(inserts, func(i, j int) bool {
		return insertBefore(inserts[i], inserts[j])
	})

	blocks := make([]Block, 0, len(inserts))
	for _, insert := range inserts {
		if _, gone := deleted[insert.id]; gone {
			continue
		}
		block := Block{Type: insert.blockType, Text: insert.text}
		if edit, ok := latestEdit[insert.id]; ok && editWins(edit, insert) {
			block.Type = edit.blockType
			block.Text = edit.text
		}
		blocks = append(blocks, block)
	}
	return Content{Blocks: blocks}
}

// InsertBlock inserts a block at index and returns the update describing it.
func (d *BlockDocument) InsertBlock(index int, blockType, text string) ([]byte, error) {
	visible := d.visibleInserts()
	if index < 0 || index > len(visible) {
		return nil, fmt.Errorf("%w: insert at %d of %d", ErrBlockIndex, index, len(visible))
	}
	lower := ""
	if index > 0 {
		lower = visible[index-1].position
	}
	upper := ""
	if index < len(visible) {
		upper = visible[index].position
	}
	return d.local(item{
		kind:      kindInsert,
		position:  keyBetween(lower, upper),
		blockType: blockType,
		text:      text,
	}), nil
}

// EditBlock replaces the type and text of the block at index.
func (d *BlockDocument) EditBlock(index int, blockType, text string) ([]byte, error) {
	visible := d.visibleInserts()
	if index < 0 || index >= len(visible) {
		return nil, fmt.Errorf("%w: edit at %d of %d", ErrBlockIndex, index, len(visible))
	}
	return d.local(item{
		kind:      kindEdit,
		target:    visible[index].id,
		blockType: blockType,
		text:      text,
	}), nil
}

// DeleteBlock removes the block at index.
func (d *BlockDocument) DeleteBlock(index int) ([]byte, error) {
	visible := d.visibleInserts()
	if index < 0 || index >= len(visible) {
		return nil, fmt.Errorf("%w: delete at %d of %d", ErrBlockIndex, index, len(visible))
	}
	return d.local(item{
		kind:   kindDelete,
		target: visible[index].id,
	}), nil
}

func (d *BlockDocument) local(pending item) []byte {
	pending.id = ID{Client: d.client, Clock: d.nextLocalClock()}
	pending.lamport = d.lamport + 1
	d.integrate(pending)
	d.advance(d.client)
	return encodeUpdate([]item{pending})
}

func (d *BlockDocument) nextLocalClock() uint64 {
	clock := d.next[d.client]
	for {
		if _, taken := d.items[ID{Client: d.client, Clock: clock}]; !taken {
			return clock
		}
		clock++
	}
}

func (d *BlockDocument) integrate(incoming item) bool {
	if _, exists := d.items[incoming.id]; exists {
		return false
	}
	d.items[incoming.id] = incoming
	if incoming.lamport > d.lamport {
		d.lamport = incoming.lamport
	}
	return true
}

func (d *BlockDocument) advance(client uint64) {
	clock := d.next[client]
	for {
		if _, ok := d.items[ID{Client: client, Clock: clock}]; !ok {
			break
		}
		clock++
	}
	if clock > 0 {
		d.next[client] = clock
	}
}

func (d *BlockDocument) visibleInserts() []item {
	deleted := make(map[ID]struct{})
	inserts := make([]item, 0, len(d.items))
	for _, stored := range d.items {
		switch stored.kind {
		case kindInsert:
			inserts = append(inserts, stored)
		case kindDelete:
			deleted[stored.target] = struct{}{}
		}
	}
	visible := inserts[:0]
	for _, insert := range inserts {
		if _, gone := deleted[insert.id]; !gone {
			visible = append(visible, insert)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		return insertBefore(visible[i], visible[j])
	})
	return visible
}

func insertBefore(left, right item) bool {
	if left.position != right.position {
		return left.position < right.position
	}
	return left.id.less(right.id)
}

func editWins(candidate, current item) bool {
	if candidate.lamport != current.lamport {
		return candidate.lamport > current.lamport
	}
	return current.id.less(candidate.id)
}
