package chatadapter

import (
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"
)

func newTestAdapter() *Adapter {
	return &Adapter{
		bot: &tgbotapi.BotAPI{Self: tgbotapi.User{UserName: "hubbot"}},
	}
}

func TestParseMention(t *testing.T) {
	a := newTestAdapter()

	agent, content, ok := a.parseMention("@alice do the thing")
	require.True(t, ok)
	require.Equal(t, "alice", agent)
	require.Equal(t, "do the thing", content)
}

func TestParseMentionSkipsSelfMention(t *testing.T) {
	a := newTestAdapter()

	agent, content, ok := a.parseMention("@hubbot @alice do the thing")
	require.True(t, ok)
	require.Equal(t, "alice", agent)
	require.Equal(t, "do the thing", content)
}

func TestParseMentionRejectsPlainText(t *testing.T) {
	a := newTestAdapter()
	_, _, ok := a.parseMention("just chatting, no mention here")
	require.False(t, ok)
}

func TestPaginateTextUnderBudgetIsOnePage(t *testing.T) {
	pages := paginateText("short result")
	require.Equal(t, []string{"short result"}, pages)
}

func TestPaginateTextLongResultSplitsIntoThreePages(t *testing.T) {
	text := strings.Repeat("a", 9500)
	pages := paginateText(text)
	require.Len(t, pages, 3)
	for _, p := range pages {
		require.LessOrEqual(t, len(p), pageBudget)
	}
	require.Equal(t, text, strings.Join(pages, ""))
}

func TestPaginateTextPrefersNewlineSplit(t *testing.T) {
	// In a text longer than one page, a newline placed just past the
	// lookback lower bound should be used as the split point instead of a
	// hard cut at the budget.
	lowerBound := int(float64(pageBudget) * pageLookbackFraction)
	text := strings.Repeat("a", lowerBound+10) + "\n" + strings.Repeat("b", pageBudget)
	pages := paginateText(text)
	require.True(t, strings.HasSuffix(pages[0], "\n"))
}

func TestFormatResultEscapesAndPreservesCodeFences(t *testing.T) {
	out, ok := formatResult("plain.text\n```go\ncode.here\n```\nmore.text")
	require.True(t, ok)
	require.Contains(t, out, "```go\ncode.here\n```")
	require.Contains(t, out, `plain\.text`)
}

func TestFormatResultRejectsUnbalancedFence(t *testing.T) {
	_, ok := formatResult("```go\nno closing fence")
	require.False(t, ok)
}

func TestWrapTablesFencesTableLines(t *testing.T) {
	in := "intro\n| a | b |\n| - | - |\n| 1 | 2 |\noutro"
	out := wrapTables(in)
	require.Contains(t, out, "```\n| a | b |")
	require.True(t, strings.Count(out, "```") == 2)
}

func TestRenderProgressLabelByStatus(t *testing.T) {
	require.Contains(t, renderProgressLabel("tool_use", "grep", 1500), "tool_use: grep")
	require.Contains(t, renderProgressLabel("thinking", "", 500), "thinking")
}
