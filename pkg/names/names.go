// Package names implements APFS file name normalization, comparison and the
// directory record name hash.
package names

import (
	"encoding/binary"
	"hash/crc32"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const hashMask = 0x3FFFFF

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Normalize returns the NFD form of name, case folded when ci is set
func Normalize(name string, ci bool) string {
	if ci {
		name = cases.Fold().String(name)
	}
	return norm.NFD.String(name)
}

// Hash computes the 22-bit name hash stored in j_drec_hashed_key_t.
//
// The name is normalized, encoded as UTF-32LE without a terminator and run
// through CRC-32C. The stored value is the complemented raw CRC.
func Hash(name string, ci bool) uint32 {
	n := Normalize(strings.TrimSuffix(name, "\x00"), ci)
	buf := make([]byte, 0, len(n)*4)
	for _, r := range n {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(r))
	}
	return ^crc32.Checksum(buf, crc32cTable) & hashMask
}

// Equal reports whether two names refer to the same directory entry
func Equal(a, b string, ci bool) bool {
	if a == b {
		return true
	}
	return Normalize(a, ci) == Normalize(b, ci)
}

// Compare orders two names after normalization
func Compare(a, b string, ci bool) int {
	return strings.Compare(Normalize(a, ci), Normalize(b, ci))
}
