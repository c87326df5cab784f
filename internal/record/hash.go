package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DomainPayload separates payload hashes from any other hash use.
// The version suffix allows the algorithm to change later.
const DomainPayload = "formsync/payload/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadHash returns the content hash of a record snapshot. Two snapshots
// hash equal exactly when their canonical JSON is equal, so the hash
// detects any change to a stored copy.
func PayloadHash(r FormRecord) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("payload hash: %w", err)
	}
	v, err := canonicalValue(raw)
	if err != nil {
		return "", fmt.Errorf("payload hash: %w", err)
	}
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("payload hash: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}
