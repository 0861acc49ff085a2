package graph

import (
	"github.com/pkoukk/tiktoken-go"
)

// truncateTokens cuts content down to maxTokens tokens of the o200k_base
// encoding so long documents fit the collaborator's context window.
func truncateTokens(content string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		return content, nil
	}
	// a token is at least one byte, so short inputs never need encoding
	if len(content) <= maxTokens {
		return content, nil
	}

	enc, err := tiktoken.GetEncoding("o200k_base")
	if err != nil {
		return "", err
	}

	tokens := enc.Encode(content, nil, nil)
	if len(tokens) <= maxTokens {
		return content, nil
	}
	return enc.Decode(tokens[:maxTokens]), nil
}
