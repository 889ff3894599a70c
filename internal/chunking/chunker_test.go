package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_EmptyContent(t *testing.T) {
	svc := NewService(nil)
	chunks, err := svc.Split("   \n\t  ")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSplit_PlainTextHasNoTitleChain(t *testing.T) {
	svc := NewService(nil)
	chunks, err := svc.Split("just a paragraph of plain text with no headings at all.")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Empty(t, chunks[0].TitleChain)
	assert.Contains(t, chunks[0].Content, "plain text")
}

func TestSplit_HeadingStackBuildsTitleChain(t *testing.T) {
	svc := NewService(nil)
	md := "# Top\n\nIntro text.\n\n## Child\n\nChild text.\n\n### Grandchild\n\nGrandchild text.\n"
	chunks, err := svc.Split(md)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, []string{"Top"}, chunks[0].TitleChain)
	assert.Contains(t, chunks[0].Content, "Intro text")

	assert.Equal(t, []string{"Top", "Child"}, chunks[1].TitleChain)
	assert.Contains(t, chunks[1].Content, "Child text")

	assert.Equal(t, []string{"Top", "Child", "Grandchild"}, chunks[2].TitleChain)
	assert.Contains(t, chunks[2].Content, "Grandchild text")
}

func TestSplit_SiblingHeadingPopsToSameLevel(t *testing.T) {
	svc := NewService(nil)
	md := "# A\n\n## B\n\ntext b\n\n## C\n\ntext c\n"
	chunks, err := svc.Split(md)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, []string{"A", "B"}, chunks[0].TitleChain)
	assert.Equal(t, []string{"A", "C"}, chunks[1].TitleChain)
}

func TestSplit_OrderIsDocumentOrder(t *testing.T) {
	svc := NewService(nil)
	md := "# One\n\nfirst\n\n# Two\n\nsecond\n\n# Three\n\nthird\n"
	chunks, err := svc.Split(md)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Contains(t, chunks[0].Content, "first")
	assert.Contains(t, chunks[1].Content, "second")
	assert.Contains(t, chunks[2].Content, "third")
}

func TestSplit_IsDeterministic(t *testing.T) {
	svc := NewService(nil)
	md := "# Title\n\nSome paragraph.\n\n## Sub\n\nAnother one with `code` in it.\n"

	first, err := svc.Split(md)
	require.NoError(t, err)
	second, err := svc.Split(md)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSplit_OversizedSectionSplitsOnParagraphBoundaries(t *testing.T) {
	svc := NewService(&Config{MaxChunkSize: 50})
	para1 := strings.Repeat("a", 30)
	para2 := strings.Repeat("b", 30)
	md := "# Heading\n\n" + para1 + "\n\n" + para2 + "\n"

	chunks, err := svc.Split(md)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.Equal(t, []string{"Heading"}, c.TitleChain)
		assert.LessOrEqual(t, len([]rune(c.Content)), 50)
	}
	assert.Contains(t, chunks[0].Content, para1)
	assert.Contains(t, chunks[1].Content, para2)
}

func TestSplit_SingleOversizedParagraphHardSplits(t *testing.T) {
	svc := NewService(&Config{MaxChunkSize: 10})
	content := strings.Repeat("x", 25)

	chunks, err := svc.Split(content)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, 10, len([]rune(chunks[0].Content)))
	assert.Equal(t, 10, len([]rune(chunks[1].Content)))
	assert.Equal(t, 5, len([]rune(chunks[2].Content)))
}

func TestSplit_FencedCodeBlockIsPreserved(t *testing.T) {
	svc := NewService(nil)
	md := "# Example\n\n```go\nfunc main() {}\n```\n"

	chunks, err := svc.Split(md)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Content, "func main() {}")
}

func TestSplit_TightListItemsAreCaptured(t *testing.T) {
	svc := NewService(nil)
	md := "# List\n\n- one\n- two\n- three\n"

	chunks, err := svc.Split(md)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Content, "one")
	assert.Contains(t, chunks[0].Content, "two")
	assert.Contains(t, chunks[0].Content, "three")
}

func TestNewService_DefaultsInvalidMaxChunkSize(t *testing.T) {
	svc := NewService(&Config{MaxChunkSize: 0})
	assert.Equal(t, defaultMaxChunkSize, svc.config.MaxChunkSize)
}
