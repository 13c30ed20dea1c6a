package crdt

import "strings"

const (
	positionBase  = 26
	positionDigit = 'a'
	// Seeded and generated keys never end in the zero digit, which keeps a
	// strictly smaller key available before any key.
	seedKeySuffix = "n"
)

// keyBetween returns a key that sorts strictly after lo and strictly before
// hi. An empty hi means unbounded above; an empty lo means unbounded below.
func keyBetween(lo, hi string) string {
	upperOpen := hi == "" || lo >= hi
	out := make([]byte, 0, len(lo)+1)
	for i := 0; ; i++ {
		low := 0
		if i < len(lo) {
			low = int(lo[i] - positionDigit)
		}
		high := positionBase
		if !upperOpen {
			if i < len(hi) {
				high = int(hi[i] - positionDigit)
			} else {
				upperOpen = true
			}
		}
		if high-low > 1 {
			return string(append(out, byte(positionDigit+(low+high)/2)))
		}
		out = append(out, byte(positionDigit+low))
		if high-low == 1 {
			upperOpen = true
		}
	}
}

// seedKeys returns count evenly spaced keys of equal width.
func seedKeys(count int) []string {
	width := 1
	for capacity := positionBase; capacity <= count+1; capacity *= positionBase {
		width++
	}
	keys := make([]string, count)
	var builder strings.Builder
	for index := 0; index < count; index++ {
		builder.Reset()
		digits := make([]byte, width)
		value := index + 1
		for position := width - 1; position >= 0; position-- {
			digits[position] = byte(positionDigit + value%positionBase)
			value /= positionBase
		}
		builder.Write(digits)
		builder.WriteString(seedKeySuffix)
		keys[index] = builder.String()
	}
	return keys
}
