package adapters

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/riptide-run/riptide/internal/processor"
	"github.com/riptide-run/riptide/models"
)

// ProcessorExtractor adapts the goquery/html-to-markdown content processor
// into the sandboxed Extractor ABI. It is the default, in-process extractor
// used when no real WASM sandbox is wired in, reusing the existing
// DOM-cleaning/metadata/markdown pipeline
// (internal/processor.ContentProcessor, HTMLToMarkdownConverter,
// ContentValidator) rather than inventing a second one.
type ProcessorExtractor struct {
	proc      *processor.ContentProcessor
	converter *processor.HTMLToMarkdownConverter
	validator *processor.ContentValidator
}

// NewProcessorExtractor constructs the default Extractor.
func NewProcessorExtractor() *ProcessorExtractor {
	return &ProcessorExtractor{
		proc:      processor.NewContentProcessor(),
		converter: processor.NewHTMLToMarkdownConverter(),
		validator: processor.NewContentValidator(),
	}
}

var articleSelectors = []string{"main", "article", ".content", "#content", ".post", ".entry", ".article-content"}

func (e *ProcessorExtractor) Extract(ctx context.Context, html []byte, rawURL string, mode models.ExtractionMode) (models.ExtractedDoc, error) {
	if len(html) == 0 {
		return models.ExtractedDoc{}, models.ErrEmptyHTML
	}

	cleaned, err := e.proc.RemoveUnwantedElements(string(html))
	if err != nil {
		return models.ExtractedDoc{}, models.NewRiptideError(models.KindPermanent, "extract.clean", rawURL, false, err)
	}
	withAbsolute, err := e.proc.ConvertRelativeURLs(cleaned, rawURL)
	if err != nil {
		withAbsolute = cleaned
	}

	var body string
	switch {
	case strings.HasPrefix(string(mode), "custom:"):
		selectors := strings.Split(strings.TrimPrefix(string(mode), "custom:"), ",")
		body, err = e.proc.ExtractContent(withAbsolute, selectors)
	case mode == models.ExtractionModeMetadata:
		body = withAbsolute
	default:
		body, err = e.proc.ExtractContent(withAbsolute, articleSelectors)
	}
	if err != nil || body == "" {
		body = withAbsolute
	}

	title, meta, err := e.proc.ExtractMetadata(string(html))
	if err != nil {
		title = ""
	}

	var markdown string
	if mode != models.ExtractionModeMetadata {
		markdown, _ = e.converter.Convert(body)
	}

	images, _ := e.proc.ExtractImages(body, rawURL)
	media := make([]models.MediaRef, 0, len(images))
	for _, src := range images {
		media = append(media, models.MediaRef{URL: src, Kind: "image"})
	}

	links := extractLinks(body)
	text := stripTags(body)

	doc := models.ExtractedDoc{
		URL:      rawURL,
		FinalURL: rawURL,
		Title:    title,
		Text:     text,
		Markdown: markdown,
		Links:    links,
		Media:    media,
		Metadata: map[string]string{
			"description": meta.Description,
			"author":      meta.Author,
			"og_title":    meta.OpenGraph.Title,
		},
		WordCount: len(strings.Fields(text)),
	}

	page := &models.Page{Content: body, Title: title, Metadata: *meta}
	validation := e.validator.ValidateContent(page)
	doc.QualityScore = validation.Score
	doc.ExtractionConfidence = validation.Score

	return doc, nil
}

func stripTags(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// extractLinks collects outbound hrefs from body, which has already had
// relative URLs resolved to absolute by ConvertRelativeURLs upstream.
func extractLinks(html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "javascript:") {
			return
		}
		links = append(links, href)
	})
	return links
}
