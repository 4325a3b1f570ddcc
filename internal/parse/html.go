package parse

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var blankLines = regexp.MustCompile(`\n{3,}`)

// HTMLToText strips markup from an HTML body, skipping script and style
// content and inserting line breaks at block boundaries.
func HTMLToText(s string) string {
	tz := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skipDepth := 0
	for {
		tt := tz.Next()
		switch tt {
		case html.ErrorToken:
			text := blankLines.ReplaceAllString(b.String(), "\n\n")
			return strings.TrimSpace(text)
		case html.StartTagToken:
			name, _ := tz.TagName()
			switch string(name) {
			case "script", "style", "head":
				skipDepth++
			case "p", "div", "br", "tr", "li", "h1", "h2", "h3", "h4", "table", "blockquote":
				b.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := tz.TagName()
			switch string(name) {
			case "script", "style", "head":
				if skipDepth > 0 {
					skipDepth--
				}
			case "p", "div", "tr", "li":
				b.WriteString("\n")
			}
		case html.SelfClosingTagToken:
			name, _ := tz.TagName()
			if string(name) == "br" {
				b.WriteString("\n")
			}
		case html.TextToken:
			if skipDepth == 0 {
				b.WriteString(string(tz.Text()))
			}
		}
	}
}
