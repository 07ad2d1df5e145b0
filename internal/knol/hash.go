package knol

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// Canonical serializes adapter-owned card content deterministically.
// encoding/json writes map keys in sorted order, so two structurally equal
// content maps always produce the same bytes. Tags and display text are
// deliberately not part of the content and never reach this function.
func Canonical(content map[string]any) ([]byte, error) {
	b, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("canonicalize content: %w", err)
	}
	return b, nil
}

// Fingerprint returns the SHA-256 hex digest of the canonical serialization.
// It is the content-addressed identity used by reconciliation: an unchanged
// fingerprint means the card was not edited, whatever happened to its tags.
func Fingerprint(content map[string]any) (string, error) {
	canonical, err := Canonical(content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%x", sum), nil
}
