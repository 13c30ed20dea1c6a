package snapshots

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/crdt"
)

// Checksum returns the checksum of flattened content and its canonical
// encoding.
func Checksum(content crdt.Content) (string, []byte, error) {
	encoded, err := json.Marshal(content)
	if err != nil {
		return "", nil, fmt.Errorf("encode content: %w", err)
	}
	return CanonicalChecksum(encoded)
}

// CanonicalChecksum normalizes a JSON document (object keys sorted, no
// insignificant whitespace) and returns the hex sha256 of the result along
// with the normalized bytes. Documents that differ only in key order share a
// checksum.
func CanonicalChecksum(raw []byte) (string, []byte, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", nil, fmt.Errorf("decode content: %w", err)
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return "", nil, fmt.Errorf("encode canonical content: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), canonical, nil
}
