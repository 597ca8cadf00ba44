package device

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// extractLinks returns the href value of every <a> element in an HTML
// document, in document order. Empty and fragment-only hrefs are skipped.
// Duplicates are kept: two anchors pointing at the same archive still count
// as two links.
func extractLinks(data []byte) []string {
	var links []string
	z := html.NewTokenizer(bytes.NewReader(data))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or a malformed document; either way the scan is over.
			return links
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "a" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "href" {
					href := strings.TrimSpace(string(val))
					if href != "" && !strings.HasPrefix(href, "#") {
						links = append(links, href)
					}
					break
				}
				if !more {
					break
				}
			}
		}
	}
}
