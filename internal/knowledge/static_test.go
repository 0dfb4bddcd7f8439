package knowledge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryFiltersByCapabilityAndKeyword(t *testing.T) {
	p := NewStaticProvider([]Snippet{
		{Title: "honeypot", Keywords: []string{"honeypot", "sell tax"}, Capabilities: []string{"token_safety_analysis"}},
		{Title: "general"},
		{Title: "routing", Keywords: []string{"swap"}, Capabilities: []string{"dex_routing"}},
	}, 5)

	got := p.Query("Is this token a Honeypot?", "token_safety_analysis")
	require.Len(t, got, 2)
	assert.Equal(t, "honeypot", got[0].Title)
	assert.Equal(t, "general", got[1].Title)

	got = p.Query("swap 1 ETH", "research")
	require.Len(t, got, 1)
	assert.Equal(t, "general", got[0].Title)
}

func TestLoadStaticProviderYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- title: gas\n  content: use EIP-1559 fees\n  keywords: [gas]\n"), 0o644))

	p, err := LoadStaticProvider(path, 0)
	require.NoError(t, err)
	cards := Cards(p.Query("estimate gas", "analysis"))
	require.Len(t, cards, 1)
	assert.Equal(t, "use EIP-1559 fees", cards[0].Content)
}
