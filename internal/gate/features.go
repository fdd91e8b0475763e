package gate

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/riptide-run/riptide/models"
)

// ExtractFeatures performs the cheap static analysis that produces
// GateFeatures from fetched HTML. domainPrior is supplied by the caller
// (the Pipeline tracks historical per-domain success separately; the Gate
// only consumes it).
func ExtractFeatures(html []byte, domainPrior float32) (models.GateFeatures, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(html)))
	if err != nil {
		return models.GateFeatures{}, err
	}

	f := models.GateFeatures{
		HTMLBytes:   len(html),
		DomainPrior: domainPrior,
	}

	f.VisibleTextChars = len(strings.TrimSpace(doc.Find("body").Text()))
	f.PCount = doc.Find("p").Length()
	f.ArticleCount = doc.Find("article, main").Length()
	f.H1H2Count = doc.Find("h1, h2").Length()

	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		f.ScriptBytes += len(s.Text())
		if src, ok := s.Attr("src"); ok {
			f.ScriptBytes += len(src)
		}
	})

	f.HasOG = doc.Find(`meta[property^="og:"]`).Length() > 0
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		if strings.Contains(s.Text(), `"@type"`) && strings.Contains(s.Text(), "Article") {
			f.HasJSONLDArticle = true
		}
	})

	f.SPAMarkers = spaMarkerCount(doc, html)

	return f, nil
}

// spaMarkerCount counts SPA indicators: NEXT_DATA script, React hydration
// marker, near-empty root div, and a JS bundle dominating the page bytes.
func spaMarkerCount(doc *goquery.Document, html []byte) uint8 {
	var markers uint8
	if doc.Find("#__next, #__NEXT_DATA__, script#__NEXT_DATA__").Length() > 0 {
		markers++
	}
	if doc.Find("[data-reactroot], [data-reactid]").Length() > 0 {
		markers++
	}
	rootDiv := doc.Find("#root, #app, #__nuxt")
	if rootDiv.Length() > 0 && len(strings.TrimSpace(rootDiv.Text())) < 40 {
		markers++
	}
	if len(html) > 0 {
		var scriptBytes int
		doc.Find("script").Each(func(_ int, s *goquery.Selection) { scriptBytes += len(s.Text()) })
		if float64(scriptBytes) > 0.6*float64(len(html)) {
			markers++
		}
	}
	return markers
}
