package syncproto

import (
	"testing"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSyncFrames(t *testing.T) {
	testCases := []struct {
		name    string
		frame   []byte
		kind    SyncKind
		payload []byte
	}{
		{name: "step1", frame: EncodeSyncStep1([]byte{1, 7, 3}), kind: SyncStep1, payload: []byte{1, 7, 3}},
		{name: "step2", frame: EncodeSyncStep2([]byte{0}), kind: SyncStep2, payload: []byte{0}},
		{name: "update", frame: EncodeSyncUpdate([]byte{5, 6}), kind: SyncUpdate, payload: []byte{5, 6}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			message, err := Decode(testCase.frame)
			require.NoError(t, err)
			syncMessage, ok := message.(SyncMessage)
			require.True(t, ok, "expected sync message, got %T", message)
			require.Len(t, syncMessage.Parts, 1)
			assert.Equal(t, testCase.kind, syncMessage.Parts[0].Kind)
			assert.Equal(t, testCase.payload, syncMessage.Parts[0].Payload)
		})
	}
}

func TestDecodeConcatenatedSubmessages(t *testing.T) {
	encoder := wire.NewEncoder(16)
	encoder.WriteVarUint(TypeSync)
	encoder.WriteVarUint(uint64(SyncStep1))
	encoder.WriteVarUint8Array([]byte{0})
	encoder.WriteVarUint(uint64(SyncUpdate))
	encoder.WriteVarUint8Array([]byte{1, 2})

	message, err := Decode(encoder.Bytes())
	require.NoError(t, err)
	parts := message.(SyncMessage).Parts
	require.Len(t, parts, 2)
	assert.Equal(t, SyncStep1, parts[0].Kind)
	assert.Equal(t, SyncUpdate, parts[1].Kind)
	assert.Equal(t, []byte{1, 2}, parts[1].Payload)
}

func TestDecodeKeepsPartsBeforeMalformedSubmessage(t *testing.T) {
	encoder := wire.NewEncoder(16)
	encoder.WriteVarUint(TypeSync)
	encoder.WriteVarUint(uint64(SyncUpdate))
	encoder.WriteVarUint8Array([]byte{4})
	encoder.WriteVarUint(9)
	encoder.WriteVarUint8Array([]byte{1})

	message, err := Decode(encoder.Bytes())
	require.ErrorIs(t, err, ErrProtocol)
	require.NotNil(t, message)
	parts := message.(SyncMessage).Parts
	require.Len(t, parts, 1)
	assert.Equal(t, []byte{4}, parts[0].Payload)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	testCases := []struct {
		name  string
		frame []byte
	}{
		{name: "empty frame", frame: nil},
		{name: "unknown type", frame: []byte{7}},
		{name: "empty sync", frame: []byte{0}},
		{name: "truncated update", frame: []byte{0, 2, 5, 1}},
		{name: "truncated awareness", frame: []byte{1, 3, 1}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := Decode(testCase.frame)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestDecodeOtherMessageTypes(t *testing.T) {
	message, err := Decode(EncodeQueryAwareness())
	require.NoError(t, err)
	assert.IsType(t, QueryAwarenessMessage{}, message)

	message, err = Decode([]byte{2, 0, 3, 'a', 'b', 'c'})
	require.NoError(t, err)
	auth, ok := message.(AuthMessage)
	require.True(t, ok)
	assert.Equal(t, []byte{0, 3, 'a', 'b', 'c'}, auth.Body)

	update := EncodeAwarenessUpdate([]AwarenessEntry{{ClientID: 7, Clock: 1, State: `{"user":"ada"}`}})
	message, err = Decode(EncodeAwareness(update))
	require.NoError(t, err)
	awareness, ok := message.(AwarenessMessage)
	require.True(t, ok)
	assert.Equal(t, update, awareness.Update)
}

func TestRemovalUpdateIncrementsClocks(t *testing.T) {
	removal := RemovalUpdate(map[uint64]uint64{9: 1, 7: 3})
	entries, err := DecodeAwarenessUpdate(removal)
	require.NoError(t, err)
	assert.Equal(t, []AwarenessEntry{
		{ClientID: 7, Clock: 4, State: NullState},
		{ClientID: 9, Clock: 2, State: NullState},
	}, entries)
	for _, entry := range entries {
		assert.True(t, entry.Removed())
	}
	assert.Nil(t, RemovalUpdate(nil))
}

func TestDecodeAwarenessUpdateRejectsBadCounts(t *testing.T) {
	_, err := DecodeAwarenessUpdate([]byte{200, 1})
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = DecodeAwarenessUpdate([]byte{1, 7, 1, 4, 'n'})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeControl(t *testing.T) {
	frame, err := DecodeControl([]byte(`{"type":"awareness","payload":{"cursor":3}}`))
	require.NoError(t, err)
	assert.Equal(t, ControlAwareness, frame.Type)
	assert.JSONEq(t, `{"cursor":3}`, string(frame.Payload))

	_, err = DecodeControl([]byte(`{"payload":1}`))
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = DecodeControl([]byte(`not json`))
	assert.ErrorIs(t, err, ErrProtocol)
}
