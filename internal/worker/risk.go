package worker

import (
	"strings"

	"github.com/aura-health/retina-pipeline/pkg/models"
)

// Confidence below this cutoff means the prediction is not trustworthy
// enough to classify, whatever the label says.
const lowConfidenceCutoff = 0.45

var (
	highMarkers = []string{"glau", "stroke", "occlusion", "rvo"}
	medMarkers  = []string{"dr", "diab", "amd", "htn", "hyper"}
	lowMarkers  = []string{"normal", "healthy"}
)

// ComputeRiskLevel maps a predicted label and confidence to a risk tier.
// Matching is case-insensitive substring matching against fixed marker
// lists, checked highest tier first.
func ComputeRiskLevel(label string, conf float64) string {
	if conf < lowConfidenceCutoff {
		return models.RiskQualityLow
	}
	l := strings.ToLower(label)
	switch {
	case containsAny(l, highMarkers):
		return models.RiskHigh
	case containsAny(l, medMarkers):
		return models.RiskMed
	case containsAny(l, lowMarkers):
		return models.RiskLow
	case conf >= 0.7:
		return models.RiskMed
	default:
		return models.RiskQualityLow
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

var adviceByRisk = map[string][]string{
	models.RiskHigh: {
		"Contact an ophthalmologist as soon as possible.",
		"Avoid strenuous activity until you have been examined.",
		"Bring this analysis result to your appointment.",
	},
	models.RiskMed: {
		"Schedule an eye examination within the next few weeks.",
		"Monitor your vision for any sudden changes.",
		"Keep blood pressure and blood sugar under control.",
	},
	models.RiskLow: {
		"No signs of concern were detected.",
		"Continue routine eye checkups once a year.",
		"Maintain a healthy lifestyle to protect your vision.",
	},
}

var adviceFallback = []string{
	"The image quality or confidence was too low for a reliable assessment.",
	"Please retake the photo in good lighting and submit it again.",
}

// AdviceFor returns the fixed advice list for a risk tier.
func AdviceFor(risk string) []string {
	if advice, ok := adviceByRisk[risk]; ok {
		return advice
	}
	return adviceFallback
}
