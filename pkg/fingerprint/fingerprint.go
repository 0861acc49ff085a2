// Package fingerprint computes the content hashes that drive deduplication
// and blueprint versioning. All hashes are lowercase hex SHA-256.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ChatTurn is a single message inside a chat batch. Turns are hashed over a
// canonical JSON form so that semantically identical batches always produce
// the same fingerprint regardless of how the caller serialized them.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Content returns the fingerprint of raw extracted text or document bytes.
func Content(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChatBatch returns the fingerprint of a chat batch. The batch is normalized
// into a fixed field order before hashing, so the same turns always hash the
// same way. Turn order is significant: a reordered conversation is a
// different batch.
func ChatBatch(turns []ChatTurn) (string, error) {
	normalized := make([]ChatTurn, len(turns))
	for i, turn := range turns {
		normalized[i] = ChatTurn{
			Role:    strings.TrimSpace(turn.Role),
			Content: strings.TrimSpace(turn.Content),
		}
	}

	canonical, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize chat batch: %w", err)
	}
	return Content(canonical), nil
}

// Version returns the blueprint version hash for a set of contributing
// content hashes. The input order does not matter: hashes are sorted before
// they are joined, so the same set of sources always yields the same version.
func Version(contentHashes []string) string {
	sorted := make([]string, len(contentHashes))
	copy(sorted, contentHashes)
	sort.Strings(sorted)

	joined := strings.Join(sorted, "|")
	return Content([]byte(joined))
}
