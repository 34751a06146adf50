package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainSnapshot is the domain prefix for change-tracker snapshot hashes.
// The version suffix allows the hashing scheme to evolve.
const DomainSnapshot = "entsync/snapshot/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SnapshotHash returns the content hash of the given fields.
// Two objects with equal canonical JSON have equal hashes.
func SnapshotHash(fields Object) (string, error) {
	canonical, err := MarshalCanonical(fields)
	if err != nil {
		return "", fmt.Errorf("snapshot hash: %w", err)
	}
	return hashWithDomain(DomainSnapshot, canonical), nil
}

// MustSnapshotHash is like SnapshotHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustSnapshotHash(fields Object) string {
	h, err := SnapshotHash(fields)
	if err != nil {
		panic(err)
	}
	return h
}
