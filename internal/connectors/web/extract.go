package web

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// nonContentSelectors lists elements stripped before extracting visible text.
const nonContentSelectors = "script, style, nav, header, footer"

// extractMetadata parses an HTML page and pulls out the title, description,
// keywords, Open Graph tags, visible text, and deduplicated absolute outbound
// links. A body that is not parseable HTML yields an empty map.
func extractMetadata(body []byte, pageURL string) map[string]any {
	meta := make(map[string]any)
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return meta
	}

	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		meta["title"] = title
	}
	if desc, ok := doc.Find("meta[name='description']").Attr("content"); ok {
		if desc = strings.TrimSpace(desc); desc != "" {
			meta["description"] = desc
		}
	}
	if kw, ok := doc.Find("meta[name='keywords']").Attr("content"); ok {
		if kw = strings.TrimSpace(kw); kw != "" {
			meta["keywords"] = kw
		}
	}

	doc.Find("meta[property^='og:']").Each(func(_ int, sel *goquery.Selection) {
		prop, _ := sel.Attr("property")
		content, _ := sel.Attr("content")
		content = strings.TrimSpace(content)
		if prop == "" || content == "" {
			return
		}
		key := strings.ReplaceAll(prop, ":", "_")
		meta[key] = content
	})

	// Links first: stripping non-content elements below detaches their
	// anchors from the tree.
	if links := extractLinks(doc, pageURL); len(links) > 0 {
		meta["links"] = links
	}
	if text := extractVisibleText(doc); text != "" {
		meta["text"] = text
	}
	return meta
}

// extractVisibleText strips non-content elements and joins the remaining
// text lines.
func extractVisibleText(doc *goquery.Document) string {
	body := doc.Find("body").First()
	if body.Length() == 0 {
		return ""
	}
	body.Find(nonContentSelectors).Remove()

	lines := strings.Split(body.Text(), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// extractLinks collects outbound anchors, resolved to absolute URLs and
// deduplicated in document order.
func extractLinks(doc *goquery.Document, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		link := abs.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}
