package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

const contentHashDomain = "zibridge/fields/v1"

// ContentHash is the content address of an entity's fields: SHA-256 over a
// domain prefix, a NUL separator and the canonical JSON of the fields.
func ContentHash(fields Fields) (string, error) {
	canonical, err := CanonicalJSON(fields)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(contentHashDomain))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CanonicalJSON marshals fields with sorted keys and no HTML escaping.
func CanonicalJSON(fields Fields) ([]byte, error) {
	if fields == nil {
		fields = Fields{}
	}
	// encoding/json sorts map keys.
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(fields)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
