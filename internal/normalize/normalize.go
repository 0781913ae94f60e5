// Package normalize deterministically transforms raw records into structured,
// quality-scored records.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/signalhouse/ingest/internal/pipeline"
)

// maxPlainContentLength caps pass-through content for non-JSON, non-HTML
// payloads, counted in runes so multibyte text is never cut mid-character.
const maxPlainContentLength = 10000

// namespace seeds deterministic normalized-record IDs, so normalizing the
// same RawData twice can never produce two documents.
var namespace = uuid.MustParse("6f1c24b0-9da7-4a3e-9f40-1f2d0c85f6f1")

// IDFor returns the normalized-record id derived from a raw record id.
func IDFor(rawDataID string) string {
	return uuid.NewSHA1(namespace, []byte(rawDataID)).String()
}

// structuredDataKeys is the allow-list of metadata keys copied into
// NormalizedData.StructuredData.
var structuredDataKeys = []string{"stars", "forks", "language", "topics", "type"}

// entityKeys are the metadata keys mined for entity names.
var entityKeys = []string{"owner", "repo", "author"}

// Normalize derives a NormalizedData from one RawData. It is pure and
// deterministic: identical input always produces identical output, with no
// side effects beyond in-memory parsing.
func Normalize(raw pipeline.RawData) (pipeline.NormalizedData, error) {
	if raw.ID == "" {
		return pipeline.NormalizedData{}, fmt.Errorf("raw data has no id")
	}

	jsonFields := parseJSONFields(raw)

	norm := pipeline.NormalizedData{
		ID:             IDFor(raw.ID),
		RawDataID:      raw.ID,
		SourceID:       raw.SourceID,
		IndustryID:     raw.IndustryID,
		Title:          extractTitle(raw, jsonFields),
		Description:    extractDescription(raw, jsonFields),
		Content:        extractContent(raw, jsonFields),
		Entities:       extractEntities(raw),
		Keywords:       extractKeywords(raw),
		StructuredData: extractStructuredData(raw),
	}
	norm.QualityScore = qualityScore(raw, norm)
	return norm, nil
}

func isJSON(contentType string) bool {
	return strings.HasPrefix(contentType, "application/json")
}

func isHTML(contentType string) bool {
	return strings.Contains(contentType, "text/html")
}

// parseJSONFields returns the top-level object fields for JSON payloads,
// nil otherwise.
func parseJSONFields(raw pipeline.RawData) map[string]any {
	if !isJSON(raw.ContentType) {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw.RawContent), &fields); err != nil {
		return nil
	}
	return fields
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if s, ok := meta[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func jsonString(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	if s, ok := fields[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// extractTitle prefers explicit metadata, then a JSON name/title field, then
// the HTML <title> tag.
func extractTitle(raw pipeline.RawData, jsonFields map[string]any) string {
	if title := metaString(raw.Metadata, "title"); title != "" {
		return title
	}
	if name := jsonString(jsonFields, "name"); name != "" {
		return name
	}
	if title := jsonString(jsonFields, "title"); title != "" {
		return title
	}
	if isHTML(raw.ContentType) {
		if doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(raw.RawContent))); err == nil {
			return strings.TrimSpace(doc.Find("title").First().Text())
		}
	}
	return ""
}

func extractDescription(raw pipeline.RawData, jsonFields map[string]any) string {
	if desc := metaString(raw.Metadata, "description"); desc != "" {
		return desc
	}
	if desc := metaString(raw.Metadata, "og_description"); desc != "" {
		return desc
	}
	if desc := jsonString(jsonFields, "description"); desc != "" {
		return desc
	}
	if isHTML(raw.ContentType) {
		if doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(raw.RawContent))); err == nil {
			if desc, ok := doc.Find("meta[name='description']").Attr("content"); ok {
				return strings.TrimSpace(desc)
			}
		}
	}
	return ""
}

// extractContent flattens JSON top-level scalars to "key: value" lines,
// strips HTML down to visible text, and truncates anything else.
func extractContent(raw pipeline.RawData, jsonFields map[string]any) string {
	switch {
	case jsonFields != nil:
		keys := make([]string, 0, len(jsonFields))
		for key, value := range jsonFields {
			switch value.(type) {
			case string, float64, bool:
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, key := range keys {
			lines = append(lines, fmt.Sprintf("%s: %v", key, jsonFields[key]))
		}
		return strings.Join(lines, "\n")
	case isHTML(raw.ContentType):
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(raw.RawContent)))
		if err != nil {
			return truncate(raw.RawContent)
		}
		doc.Find("script, style").Remove()
		lines := strings.Split(doc.Text(), "\n")
		out := make([]string, 0, len(lines))
		for _, line := range lines {
			if line = strings.TrimSpace(line); line != "" {
				out = append(out, line)
			}
		}
		return strings.Join(out, "\n")
	default:
		return truncate(raw.RawContent)
	}
}

func truncate(content string) string {
	if utf8.RuneCountInString(content) <= maxPlainContentLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:maxPlainContentLength])
}

func extractEntities(raw pipeline.RawData) []string {
	entities := make([]string, 0, len(entityKeys))
	seen := make(map[string]struct{})
	for _, key := range entityKeys {
		value := metaString(raw.Metadata, key)
		if value == "" {
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		entities = append(entities, value)
	}
	return entities
}

// extractKeywords merges the keywords field (comma-split string or list),
// the topics list, and the language, deduplicated in that order.
func extractKeywords(raw pipeline.RawData) []string {
	keywords := make([]string, 0)
	seen := make(map[string]struct{})
	add := func(kw string) {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			return
		}
		if _, dup := seen[kw]; dup {
			return
		}
		seen[kw] = struct{}{}
		keywords = append(keywords, kw)
	}

	switch v := rawMetaValue(raw, "keywords").(type) {
	case string:
		for _, kw := range strings.Split(v, ",") {
			add(kw)
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case []string:
		for _, kw := range v {
			add(kw)
		}
	}

	switch v := rawMetaValue(raw, "topics").(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case []string:
		for _, kw := range v {
			add(kw)
		}
	}

	if lang := metaString(raw.Metadata, "language"); lang != "" {
		add(lang)
	}
	return keywords
}

func rawMetaValue(raw pipeline.RawData, key string) any {
	if raw.Metadata == nil {
		return nil
	}
	return raw.Metadata[key]
}

func extractStructuredData(raw pipeline.RawData) map[string]any {
	structured := make(map[string]any)
	for _, key := range structuredDataKeys {
		if raw.Metadata == nil {
			break
		}
		if value, ok := raw.Metadata[key]; ok && value != nil {
			structured[key] = value
		}
	}
	return structured
}

// qualityScore applies the additive completeness heuristic, clamped to 1.0.
// The thresholds are part of the output contract and must not drift.
func qualityScore(raw pipeline.RawData, norm pipeline.NormalizedData) float64 {
	score := 0.5
	if norm.Title != "" {
		score += 0.1
	}
	if norm.Description != "" {
		score += 0.1
	}
	switch {
	case len(norm.Content) > 1000:
		score += 0.1
	case len(norm.Content) > 500:
		score += 0.05
	}
	if len(raw.Metadata) > 3 {
		score += 0.1
	}
	if raw.ContentType == "application/json" {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
