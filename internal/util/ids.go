package util

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const idLength = 21

// NewID returns a new nanoid with the given prefix, e.g. "sd_V1StGXR8_Z5jdHi6B-myT".
// Prefixes keep identifiers self-describing in logs and task payloads.
func NewID(prefix string) (string, error) {
	id, err := gonanoid.New(idLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	if prefix == "" {
		return id, nil
	}
	return prefix + "_" + id, nil
}

func MustNewID(prefix string) string {
	id, err := NewID(prefix)
	if err != nil {
		panic(err)
	}
	return id
}
