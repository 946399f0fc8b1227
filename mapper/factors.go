package mapper

import (
	"math"
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/complymap/engine/models"
	"github.com/complymap/engine/pkg/logger"
)

const minKeywordLength = 3

var documentTypeRelevanceScores = map[string]float64{
	"policy":    0.9,
	"procedure": 0.85,
	"standard":  0.8,
	"guideline": 0.7,
	"report":    0.6,
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// keywordOverlap measures the fraction of the fragment's distinct terms
// that also appear in the control text.
func keywordOverlap(fragmentText, controlText string) float64 {
	fragmentTerms := extractTerms(fragmentText)
	if len(fragmentTerms) == 0 {
		return 0
	}
	controlTerms := extractTerms(controlText)

	matched := 0
	for term := range fragmentTerms {
		if _, ok := controlTerms[term]; ok {
			matched++
		}
	}

	return float64(matched) / float64(len(fragmentTerms))
}

func extractTerms(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	if strings.TrimSpace(text) == "" {
		return terms
	}

	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithSegmentation(false),
	)
	if err != nil {
		logger.Warn("Failed to tokenize text for keyword matching", zap.Error(err))
		return terms
	}

	for _, tok := range doc.Tokens() {
		term := strings.ToLower(tok.Text)
		if len(term) < minKeywordLength || !hasLetterOrDigit(term) {
			continue
		}
		terms[term] = struct{}{}
	}
	return terms
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// contextRelevance scores how prominent a fragment is within its
// document. Policy and procedure sections carry more weight, as do
// fragments near the top of the document.
func contextRelevance(chunk models.DocumentChunk) float64 {
	score := 0.5

	switch strings.ToLower(chunk.SectionType) {
	case "policy", "procedure":
		score += 0.3
	}
	if chunk.Position <= 2 {
		score += 0.2
	}

	if score > 1 {
		score = 1
	}
	return score
}

func documentTypeRelevance(documentType string) float64 {
	if score, ok := documentTypeRelevanceScores[strings.ToLower(documentType)]; ok {
		return score
	}
	return 0.5
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
