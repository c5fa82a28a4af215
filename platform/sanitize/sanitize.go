// Package sanitize normalizes inbound channel text before it reaches the
// extractor or the message log.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	htmlTagRegex    = regexp.MustCompile(`<[^>]*>`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
	// zero-width and BOM characters that some channels inject around mentions
	invisibleReplacer = strings.NewReplacer("\u200b", "", "\u200c", "", "\u200d", "", "\ufeff", "")
	entityReplacer    = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&", "&quot;", "\"", "&#39;", "'", "&nbsp;", " ")
)

// StripHTML removes all HTML tags from a string, decoding common entities.
func StripHTML(s string) string {
	result := htmlTagRegex.ReplaceAllString(s, "")
	result = entityReplacer.Replace(result)
	// Re-strip after entity decode to catch encoded tags
	result = htmlTagRegex.ReplaceAllString(result, "")
	return strings.TrimSpace(result)
}

// InboundText strips markup and invisible characters and collapses runs of
// whitespace to one space.
func InboundText(s string) string {
	result := invisibleReplacer.Replace(StripHTML(s))
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(result, " "))
}
