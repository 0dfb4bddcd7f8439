package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		`{"a":1}`:                            `{"a":1}`,
		"Here:\n```json\n{\"a\":{\"b\":2}}\n```": `{"a":{"b":2}}`,
		`text {"s":"brace } inside"} tail`:   `{"s":"brace } inside"}`,
		`no json here`:                       ``,
		`{ broken {"ok":true}`:               `{"ok":true}`,
	}
	for in, want := range cases {
		assert.Equal(t, want, ExtractJSON(in), "input %q", in)
	}
}

func TestRenderPromptIncludesContext(t *testing.T) {
	prompt := RenderPrompt(Request{
		Prompt:    "Assess token risk",
		History:   []HistoryEntry{{Agent: "scout", Content: "liquidity is thin"}},
		Knowledge: []KnowledgeCard{{Title: "honeypots", Content: "check sell tax"}},
		JSON:      true,
	})
	assert.True(t, strings.HasPrefix(prompt, "Assess token risk"))
	assert.Contains(t, prompt, "[scout] liquidity is thin")
	assert.Contains(t, prompt, "[1] honeypots: check sell tax")
	assert.Contains(t, prompt, "single JSON object")
}
