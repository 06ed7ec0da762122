package notify

import (
	"strings"
	"unicode/utf8"
)

const ellipsis = "…"

var mrkdwnEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
)

// Preview 截取前 limit 个字符并转义 Slack mrkdwn 控制序列，
// 防止上游文本闭合代码块或注入链接/提及。
func Preview(text string, limit int) string {
	truncated := false
	if limit >= 0 && utf8.RuneCountInString(text) > limit {
		text = string([]rune(text)[:limit])
		truncated = true
	}
	preview := strings.TrimSpace(text)
	if truncated {
		preview += ellipsis
	}
	return EscapeMrkdwn(preview)
}

// EscapeMrkdwn 转义 &、<、>，并打断连续反引号，结果中不会出现 "```"
func EscapeMrkdwn(s string) string {
	s = mrkdwnEscaper.Replace(s)
	for strings.Contains(s, "``") {
		s = strings.ReplaceAll(s, "``", "`\u200b`")
	}
	return s
}

// EscapeTitle 标题放在 *...* 中，去掉会破坏加粗的格式字符
func EscapeTitle(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '*', '_', '~', '`':
			return -1
		}
		return r
	}, s)
	return EscapeMrkdwn(strings.TrimSpace(s))
}
