package chatadapter

import (
	"regexp"
	"strings"
)

// mentionPattern matches "@agent some content" (spec §4.5).
var mentionPattern = regexp.MustCompile(`^@(\w+)\s+(.+)$`)

// parseMention extracts the target agent name and task content from a
// message. If the first mention is the bot's own handle it is skipped and
// the remainder is re-parsed for the real target, per spec §4.5: "If the
// first mention is the bot's own handle, it is skipped and the next token
// is parsed as the target agent name." Handle comparison is
// case-insensitive.
func (a *Adapter) parseMention(text string) (agentName, content string, ok bool) {
	m := mentionPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", "", false
	}
	agentName, content = m[1], m[2]

	if strings.EqualFold(agentName, a.bot.Self.UserName) {
		m2 := mentionPattern.FindStringSubmatch(content)
		if m2 == nil {
			return "", "", false
		}
		agentName, content = m2[1], m2[2]
	}
	return agentName, content, true
}
