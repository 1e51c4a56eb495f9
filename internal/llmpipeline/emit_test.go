package llmpipeline

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractLinksDedupesAndCaps(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("see https://example.com/a and again https://example.com/a.\n")
	for i := 0; i < 15; i++ {
		fmt.Fprintf(&sb, "ref https://example.com/page/%d\n", i)
	}
	links := ExtractLinks(sb.String())
	require.Len(t, links, 10)
	require.Equal(t, "https://example.com/a", links[0])
	require.Equal(t, "https://example.com/page/8", links[9])
}

func TestExtractLinksStripsTrailingPunctuation(t *testing.T) {
	links := ExtractLinks("read (https://example.com/doc), then reply.")
	require.Equal(t, []string{"https://example.com/doc"}, links)
}

func TestExtractCodeBlocksCapsCountAndLength(t *testing.T) {
	long := strings.Repeat("x", 3000)
	md := "```go\nfirst\n```\ntext\n```\nsecond\n```\n```py\n" + long + "\n```\n```\nfourth\n```"
	blocks := ExtractCodeBlocks(md)
	require.Len(t, blocks, 3)
	require.Equal(t, "first", blocks[0])
	require.Equal(t, "second", blocks[1])
	require.Len(t, blocks[2], 2800)
}

func TestExtractCodeBlocksSkipsEmpty(t *testing.T) {
	require.Empty(t, ExtractCodeBlocks("```\n```"))
	require.Empty(t, ExtractCodeBlocks("no code here"))
}
