// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// messageOverhead approximates the per-message framing tokens of chat formats.
const messageOverhead = 4

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// getCodec returns the cl100k_base tokenizer, loaded once.
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens returns an approximate token count for text, or 0 when the
// tokenizer is unavailable. cl100k_base is close enough for most models
// served through OpenRouter.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	c, err := getCodec()
	if err != nil {
		return 0
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}

// EstimatePromptTokens estimates the prompt size of req as sent upstream,
// including the system preamble. Images are not counted.
func EstimatePromptTokens(req *ChatRequest) int {
	total := 0
	for _, m := range upstreamRequest(req).Messages {
		total += messageOverhead + EstimateTokens(m.Content)
	}
	return total
}
