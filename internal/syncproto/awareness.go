package syncproto

import (
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/wire"
)

// NullState is the JSON state that removes an awareness client.
const NullState = "null"

// AwarenessEntry is one client's state inside an awareness update.
type AwarenessEntry struct {
	ClientID uint64
	Clock    uint64
	State    string
}

// Removed reports whether the entry removes its client.
func (e AwarenessEntry) Removed() bool {
	return e.State == NullState
}

// DecodeAwarenessUpdate parses {n, n x (client, clock, state)}.
func DecodeAwarenessUpdate(update []byte) ([]AwarenessEntry, error) {
	decoder := wire.NewDecoder(update)
	count, err := decoder.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: awareness count: %v", ErrProtocol, err)
	}
	if count > uint64(decoder.Remaining()) {
		return nil, fmt.Errorf("%w: awareness count %d exceeds body", ErrProtocol, count)
	}
	entries := make([]AwarenessEntry, 0, count)
	for index := uint64(0); index < count; index++ {
		clientID, err := decoder.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: awareness client: %v", ErrProtocol, err)
		}
		clock, err := decoder.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: awareness clock: %v", ErrProtocol, err)
		}
		state, err := decoder.ReadVarString()
		if err != nil {
			return nil, fmt.Errorf("%w: awareness state: %v", ErrProtocol, err)
		}
		entries = append(entries, AwarenessEntry{ClientID: clientID, Clock: clock, State: state})
	}
	return entries, nil
}

// EncodeAwarenessUpdate is the inverse of DecodeAwarenessUpdate.
func EncodeAwarenessUpdate(entries []AwarenessEntry) []byte {
	encoder := wire.NewEncoder(1 + len(entries)*16)
	encoder.WriteVarUint(uint64(len(entries)))
	for _, entry := range entries {
		encoder.WriteVarUint(entry.ClientID)
		encoder.WriteVarUint(entry.Clock)
		encoder.WriteVarString(entry.State)
	}
	return encoder.Bytes()
}

// RemovalUpdate builds the update announcing that every tracked client is
// gone: each id at its last relayed clock plus one, with a null state.
// Entries are ordered by client id. It returns nil when nothing is tracked.
func RemovalUpdate(clocks map[uint64]uint64) []byte {
	if len(clocks) == 0 {
		return nil
	}
	entries := make([]AwarenessEntry, 0, len(clocks))
	for clientID, clock := range clocks {
		entries = append(entries, AwarenessEntry{ClientID: clientID, Clock: clock + 1, State: NullState})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ClientID < entries[j].ClientID })
	return EncodeAwarenessUpdate(entries)
}
