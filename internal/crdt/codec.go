package crdt

import (
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/wire"
)

// emptyUpdate is the encoding of an update with no items.
var emptyUpdate = []byte{0}

// EmptyUpdate returns the encoding of an update that carries nothing.
func EmptyUpdate() []byte {
	return append([]byte(nil), emptyUpdate...)
}

// IsEmptyUpdate reports whether a well-formed update carries no items.
func IsEmptyUpdate(update []byte) bool {
	count, err := UpdateItemCount(update)
	return err == nil && count == 0
}

// UpdateItemCount decodes an update and reports how many items it carries.
func UpdateItemCount(update []byte) (int, error) {
	items, err := decodeUpdate(update)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func encodeUpdate(items []item) []byte {
	encoder := wire.NewEncoder(8 + len(items)*24)
	encoder.WriteVarUint(uint64(len(items)))
	for _, current := range items {
		encoder.WriteVarUint(current.id.Client)
		encoder.WriteVarUint(current.id.Clock)
		encoder.WriteVarUint(current.lamport)
		encoder.WriteVarUint(uint64(current.kind))
		switch current.kind {
		case kindInsert:
			encoder.WriteVarString(current.position)
			encoder.WriteVarString(current.blockType)
			encoder.WriteVarString(current.text)
		case kindEdit:
			encoder.WriteVarUint(current.target.Client)
			encoder.WriteVarUint(current.target.Clock)
			encoder.WriteVarString(current.blockType)
			encoder.WriteVarString(current.text)
		case kindDelete:
			encoder.WriteVarUint(current.target.Client)
			encoder.WriteVarUint(current.target.Clock)
		}
	}
	return encoder.Bytes()
}

func decodeUpdate(update []byte) ([]item, error) {
	if len(update) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedUpdate)
	}
	decoder := wire.NewDecoder(update)
	count, err := decoder.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if count > uint64(decoder.Remaining()) {
		return nil, fmt.Errorf("%w: item count %d exceeds payload", ErrMalformedUpdate, count)
	}
	items := make([]item, 0, count)
	for index := uint64(0); index < count; index++ {
		decoded, err := decodeItem(decoder)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrMalformedUpdate, index, err)
		}
		items = append(items, decoded)
	}
	if decoder.HasContent() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, decoder.Remaining())
	}
	return items, nil
}

func decodeItem(decoder *wire.Decoder) (item, error) {
	var decoded item
	var err error
	if decoded.id.Client, err = decoder.ReadVarUint(); err != nil {
		return item{}, err
	}
	if decoded.id.Clock, err = decoder.ReadVarUint(); err != nil {
		return item{}, err
	}
	if decoded.lamport, err = decoder.ReadVarUint(); err != nil {
		return item{}, err
	}
	kind, err := decoder.ReadVarUint()
	if err != nil {
		return item{}, err
	}
	decoded.kind = itemKind(kind)
	switch decoded.kind {
	case kindInsert:
		if decoded.position, err = decoder.ReadVarString(); err != nil {
			return item{}, err
		}
		if decoded.position == "" {
			return item{}, fmt.Errorf("insert without position")
		}
		if decoded.blockType, err = decoder.ReadVarString(); err != nil {
			return item{}, err
		}
		if decoded.text, err = decoder.ReadVarString(); err != nil {
			return item{}, err
		}
	case kindEdit:
		if decoded.target, err = readID(decoder); err != nil {
			return item{}, err
		}
		if decoded.blockType, err = decoder.ReadVarString(); err != nil {
			return item{}, err
		}
		if decoded.text, err = decoder.ReadVarString(); err != nil {
			return item{}, err
		}
	case kindDelete:
		if decoded.target, err = readID(decoder); err != nil {
			return item{}, err
		}
	default:
		return item{}, fmt.Errorf("unknown item kind %d", kind)
	}
	return decoded, nil
}

func readID(decoder *wire.Decoder) (ID, error) {
	client, err := decoder.ReadVarUint()
	if err != nil {
		return ID{}, err
	}
	clock, err := decoder.ReadVarUint()
	if err != nil {
		return ID{}, err
	}
	return ID{Client: client, Clock: clock}, nil
}

// EncodeStateVector encodes client clocks sorted by client id.
func EncodeStateVector(clocks map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(clocks))
	for client, clock := range clocks {
		if clock > 0 {
			clients = append(clients, client)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	encoder := wire.NewEncoder(1 + len(clients)*10)
	encoder.WriteVarUint(uint64(len(clients)))
	for _, client := range clients {
		encoder.WriteVarUint(client)
		encoder.WriteVarUint(clocks[client])
	}
	return encoder.Bytes()
}

// DecodeStateVector decodes a state vector. Nil or empty input decodes to an
// empty vector.
func DecodeStateVector(stateVector []byte) (map[uint64]uint64, error) {
	clocks := make(map[uint64]uint64)
	if len(stateVector) == 0 {
		return clocks, nil
	}
	decoder := wire.NewDecoder(stateVector)
	count, err := decoder.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
	}
	if count > uint64(decoder.Remaining()) {
		return nil, fmt.Errorf("%w: entry count %d exceeds payload", ErrMalformedStateVector, count)
	}
	for index := uint64(0); index < count; index++ {
		client, err := decoder.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
		}
		clock, err := decoder.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
		}
		clocks[client] = clock
	}
	return clocks, nil
}
