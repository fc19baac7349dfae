package fingerprint

import (
	"strings"
	"testing"

	"github.com/trellislabs/trellis/internal/types"
)

func TestPOIIDDeterministic(t *testing.T) {
	a := POIID("src/auth.js", "getUser", types.POITypeFunction, 10, 24)
	b := POIID("src/auth.js", "getUser", types.POITypeFunction, 10, 24)
	if a != b {
		t.Fatalf("same inputs produced different ids: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "poi-") {
		t.Errorf("poi id %q missing prefix", a)
	}
	if len(a) != len("poi-")+25 {
		t.Errorf("poi id %q has unexpected length %d", a, len(a))
	}
}

func TestPOIIDSensitivity(t *testing.T) {
	base := POIID("src/auth.js", "getUser", types.POITypeFunction, 10, 24)

	variants := []string{
		POIID("src/auth.ts", "getUser", types.POITypeFunction, 10, 24),
		POIID("src/auth.js", "getuser", types.POITypeFunction, 10, 24),
		POIID("src/auth.js", "getUser", types.POITypeMethod, 10, 24),
		POIID("src/auth.js", "getUser", types.POITypeFunction, 11, 24),
		POIID("src/auth.js", "getUser", types.POITypeFunction, 10, 25),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collided with base id", i)
		}
	}
}

// Field values must not be able to smear into each other: ("ab","c") and
// ("a","bc") have to hash differently.
func TestPOIIDFieldBoundaries(t *testing.T) {
	a := POIID("src/xy", "z", types.POITypeVariable, 1, 1)
	b := POIID("src/x", "yz", types.POITypeVariable, 1, 1)
	if a == b {
		t.Fatal("adjacent fields collided; separator is not doing its job")
	}
}

func TestRelationshipFingerprint(t *testing.T) {
	fp := Relationship("poi-aaa", "poi-bbb", types.RelCalls)
	if fp != Relationship("poi-aaa", "poi-bbb", types.RelCalls) {
		t.Fatal("fingerprint is not deterministic")
	}
	if !strings.HasPrefix(fp, "rel-") {
		t.Errorf("fingerprint %q missing prefix", fp)
	}

	// Direction matters: a CALLS b is not b CALLS a.
	if fp == Relationship("poi-bbb", "poi-aaa", types.RelCalls) {
		t.Error("reversed endpoints produced the same fingerprint")
	}
	// And so does the edge type.
	if fp == Relationship("poi-aaa", "poi-bbb", types.RelUses) {
		t.Error("different edge types produced the same fingerprint")
	}
}

func TestEncodeBase36Padding(t *testing.T) {
	got := EncodeBase36([]byte{0x00, 0x01}, 5)
	if len(got) != 5 {
		t.Fatalf("expected length 5, got %d (%q)", len(got), got)
	}
	if !strings.HasPrefix(got, "000") {
		t.Errorf("small value should be zero-padded, got %q", got)
	}
}

func TestChecksum(t *testing.T) {
	// Known SHA-256 of the empty string.
	if got := Checksum(nil); got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("empty checksum mismatch: %s", got)
	}
	if Checksum([]byte("a")) == Checksum([]byte("b")) {
		t.Error("different content produced the same checksum")
	}
}
