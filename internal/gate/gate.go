// Package gate decides the cheapest viable rendering path for a fetched
// page. Score and Decide are pure functions of GateFeatures, so the same
// features always produce the same routing verdict; feature extraction from
// raw HTML lives in features.go.
package gate

import (
	"math"
	"strings"

	"github.com/riptide-run/riptide/models"
)

// Thresholds are the two cutoffs used by Decide.
type Thresholds struct {
	Hi float32
	Lo float32
}

// DefaultThresholds is the 0.7 / 0.3 cutoff pair used when callers don't
// tune their own.
func DefaultThresholds() Thresholds {
	return Thresholds{Hi: 0.7, Lo: 0.3}
}

// Score computes the feature-score gate formula. Deterministic in features
// and always in [0,1].
func Score(f models.GateFeatures) float32 {
	var textRatio, scriptDensity float32
	if f.HTMLBytes > 0 {
		textRatio = float32(f.VisibleTextChars) / float32(f.HTMLBytes)
		scriptDensity = float32(f.ScriptBytes) / float32(f.HTMLBytes)
	}

	score := float32(0)
	score += clamp(textRatio*1.2, 0, 0.6)
	score += clamp(float32(math.Log(float64(f.PCount)+1))*0.06, 0, 0.3)
	if f.ArticleCount > 0 {
		score += 0.15
	}
	if f.HasOG {
		score += 0.08
	}
	if f.HasJSONLDArticle {
		score += 0.12
	}
	score -= clamp(scriptDensity*0.8, 0, 0.4)
	if f.SPAMarkers >= 2 {
		score -= 0.25
	}
	domainAdjustment := (f.DomainPrior - 0.5) * 0.1
	return clamp(score+domainAdjustment, 0, 1)
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Decide applies the three-tier decision rule: score >= hi -> Raw; score
// <= lo -> Headless; otherwise ProbesFirst. Three or more SPA markers force
// Headless regardless of score.
func Decide(f models.GateFeatures, t Thresholds) models.Decision {
	// A page can score >= hi and still carry >= 3 SPA markers, so the
	// forced-Headless check runs before the score thresholds.
	if f.SPAMarkers >= 3 {
		return models.DecisionHeadless
	}
	s := Score(f)
	switch {
	case s >= t.Hi:
		return models.DecisionRaw
	case s <= t.Lo:
		return models.DecisionHeadless
	default:
		return models.DecisionProbesFirst
	}
}

// ShouldUseHeadless applies the PDF bypass edge policy: the content-type
// header is checked first, then the ".pdf" URL suffix.
func ShouldUseHeadless(url string, contentType string) bool {
	if contentType != "" && strings.Contains(strings.ToLower(contentType), "application/pdf") {
		return false
	}
	if strings.HasSuffix(strings.ToLower(url), ".pdf") {
		return false
	}
	return true
}

// EngineHintFromMarkup is the pre-fetch engine hint head: detect
// framework/anti-scrape markers in raw HTML and recommend Headless or Wasm;
// EngineHintAuto defers to the feature-score gate.
func EngineHintFromMarkup(html string) models.EngineHint {
	if len(html) == 0 {
		return models.EngineHintAuto
	}
	lower := strings.ToLower(html)
	frameworkMarkers := []string{"__next_data__", "data-reactroot", "ng-version", "v-app"}
	antiScrapeMarkers := []string{"cloudflare", "captcha", "cf-challenge"}
	for _, m := range frameworkMarkers {
		if strings.Contains(lower, m) {
			return models.EngineHintHeadless
		}
	}
	for _, m := range antiScrapeMarkers {
		if strings.Contains(lower, m) {
			return models.EngineHintHeadless
		}
	}
	return models.EngineHintWasm
}
