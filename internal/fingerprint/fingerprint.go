// Package fingerprint derives the deterministic identifiers used throughout
// the pipeline. POI ids and relationship fingerprints are pure functions of
// their content, which is what makes re-analysis idempotent: the same code
// produces the same ids, so upserts land on existing rows and graph MERGEs
// land on existing nodes.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"

	"github.com/trellislabs/trellis/internal/types"
)

// base36Alphabet is the character set for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// idBytes is how much of the digest feeds the encoded id. 16 bytes keeps
// collision probability negligible at repository scale.
const idBytes = 16

// idLength is the base36 length of a 128-bit value (ceil(128 / log2(36))).
const idLength = 25

// EncodeBase36 converts a byte slice to a base36 string of the given length,
// zero-padded on the left and truncated to the least significant digits when
// the value is wider than the target.
func EncodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)

	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	var result strings.Builder
	for i := len(chars) - 1; i >= 0; i-- {
		result.WriteByte(chars[i])
	}

	str := result.String()
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}

// POIID returns the deterministic id for a point of interest. Two POIs with
// the same file path, name, type, and line span always receive the same id.
func POIID(filePath, name string, poiType types.POIType, startLine, endLine int) string {
	h := sha256.New()
	h.Write([]byte(filePath))
	h.Write([]byte{0})
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(poiType))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", startLine)
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", endLine)

	sum := h.Sum(nil)
	return "poi-" + EncodeBase36(sum[:idBytes], idLength)
}

// Relationship returns the fingerprint for an asserted edge. Evidence from
// different analytical passes that agrees on (source, target, type) hashes
// to the same fingerprint, which is what lets the reconciler count it.
func Relationship(sourcePoiID, targetPoiID string, relType types.RelationshipType) string {
	h := sha256.New()
	h.Write([]byte(sourcePoiID))
	h.Write([]byte{0})
	h.Write([]byte(targetPoiID))
	h.Write([]byte{0})
	h.Write([]byte(relType))

	sum := h.Sum(nil)
	return "rel-" + EncodeBase36(sum[:idBytes], idLength)
}

// Checksum returns the hex SHA-256 digest of file content, the value stored
// on the files row and compared across scans to detect changes.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
