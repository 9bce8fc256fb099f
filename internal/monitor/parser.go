package monitor

import (
	"regexp"
	"strings"
)

// ContentType classifies a message body.
type ContentType string

const (
	ContentTweet ContentType = "tweet"
	ContentReply ContentType = "reply"
	ContentOther ContentType = "other"
)

// The relay bot formats posts and replies with fixed templates. The field
// labels differ ("post content:" vs "reply content:"), so matching the post
// template first cannot misclassify a reply.
var (
	postPattern = regexp.MustCompile(
		`🌟monitor-new-post[\s\S]*?user:\s*([^\n]+)\s*\n\s*group:\s*([^\n]+)\s*\n\s*post content:\s*([\s\S]+)`)
	replyPattern = regexp.MustCompile(
		`🌟monitor-new-post-reply[\s\S]*?user:\s*([^\n]+)\s*\n\s*group:\s*([^\n]+)\s*\n\s*context:\s*([^\n]+)\s*\n\s*reply content:\s*([\s\S]+)`)
	markdownMarks = strings.NewReplacer("**", "", "__", "")
)

// Classify is pure: same input, same result, no fallbacks to remote state.
// Markdown bold/italic markers are stripped before matching so formatted
// relays still classify. Anything that matches neither template comes back
// as Other with the cleaned text under "content"; empty input yields an
// empty content field.
func Classify(text string) (ContentType, map[string]string) {
	cleaned := markdownMarks.Replace(text)

	if strings.TrimSpace(cleaned) != "" {
		if m := postPattern.FindStringSubmatch(cleaned); m != nil {
			return ContentTweet, map[string]string{
				"user":    strings.TrimSpace(m[1]),
				"group":   strings.TrimSpace(m[2]),
				"content": strings.TrimSpace(m[3]),
			}
		}
		if m := replyPattern.FindStringSubmatch(cleaned); m != nil {
			return ContentReply, map[string]string{
				"user":    strings.TrimSpace(m[1]),
				"group":   strings.TrimSpace(m[2]),
				"context": strings.TrimSpace(m[3]),
				"content": strings.TrimSpace(m[4]),
			}
		}
	}
	return ContentOther, map[string]string{"content": cleaned}
}
