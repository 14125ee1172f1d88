// Package signing produces and verifies webhook payload signatures.
//
// The signed bytes are the canonical JSON form of the payload: object keys
// sorted lexicographically, UTF-8, no insignificant whitespace, and no HTML
// escaping. Receivers must reproduce this exact byte sequence to verify a
// signature, so the canonical form is a wire contract, not an
// implementation detail.
package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON renders v deterministically. Two payloads that are equal as
// JSON values always canonicalize to identical bytes, regardless of the key
// order or whitespace they were produced with.
func CanonicalJSON(v any) ([]byte, error) {
	// Round-trip through generic values so struct field order and
	// json.RawMessage formatting never leak into the signed bytes. Maps
	// marshal with sorted keys.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}

	// Encode appends a newline that is not part of the canonical form.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign returns "sha256=" + hex(HMAC-SHA256(secret, CanonicalJSON(payload))).
func Sign(payload any, secret string) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return SignBytes(canonical, secret), nil
}

// SignBytes signs bytes that are already in canonical form.
func SignBytes(canonical []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))
}

// Verify checks a signature produced by Sign using a constant-time compare.
func Verify(payload any, secret, signature string) bool {
	expected, err := Sign(payload, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
