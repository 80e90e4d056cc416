package channel

import (
	"regexp"
	"strings"
)

// telegramTextLimit stays under the 4096-character message limit.
const telegramTextLimit = 4000

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// toTelegramHTML converts the markdown subset used in replies (fenced
// blocks, inline code, bold, italic) to Telegram HTML. Unpaired markers
// are left as they are.
func toTelegramHTML(s string) string {
	s = htmlEscaper.Replace(s)
	s = replacePairs(s, "```", func(inner string) string {
		return "<pre>" + dropFenceLanguage(inner) + "</pre>"
	})
	s = replacePairs(s, "`", wrap("code"))
	// bold before italic so "**" is not read as two italics
	s = replacePairs(s, "**", wrap("b"))
	s = replacePairs(s, "*", wrap("i"))
	return s
}

func wrap(tag string) func(string) string {
	return func(inner string) string {
		return "<" + tag + ">" + inner + "</" + tag + ">"
	}
}

// replacePairs rewrites every delim...delim span of s with render.
func replacePairs(s, delim string, render func(string) string) string {
	var sb strings.Builder
	for {
		start := strings.Index(s, delim)
		if start < 0 {
			break
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end < 0 {
			break
		}
		end += start + len(delim)
		sb.WriteString(s[:start])
		sb.WriteString(render(s[start+len(delim) : end]))
		s = s[end+len(delim):]
	}
	sb.WriteString(s)
	return sb.String()
}

// dropFenceLanguage strips a one-word language tag such as "json".
func dropFenceLanguage(code string) string {
	nl := strings.Index(code, "\n")
	if nl < 0 {
		return code
	}
	tag := strings.TrimSpace(code[:nl])
	if tag == "" || strings.Contains(tag, " ") {
		return code
	}
	return code[nl+1:]
}

// splitMessage cuts s into chunks of at most limit bytes, preferring the
// last newline inside each window.
func splitMessage(s string, limit int) []string {
	var chunks []string
	for len(s) > limit {
		cut := strings.LastIndex(s[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

var tagPattern = regexp.MustCompile(`</?(?:b|i|code|pre)>`)

func stripTags(s string) string {
	return tagPattern.ReplaceAllString(s, "")
}
