package classify

import (
	"math"
	"regexp"
	"strings"
)

const (
	// analysisFileThreshold is the file count above which a request is
	// treated as codebase analysis and flagged for parallel execution.
	analysisFileThreshold = 8

	// Normalization ceilings for the complexity score. Values at or above
	// the ceiling saturate that component at 1.0.
	promptLenCeiling = 4000
	fileCountCeiling = 20
	byteSizeCeiling  = 512 * 1024
)

// compiledPattern holds a pre-compiled regex with its weight.
type compiledPattern struct {
	regex  *regexp.Regexp
	weight float64
}

// Classifier maps a request to a TaskProfile using keyword patterns over the
// prompt plus file metadata. Identical input always yields an identical
// profile.
type Classifier struct {
	patterns        map[Category][]*compiledPattern
	recommendations map[Category][]string
}

// Option is a functional option for configuring the Classifier.
type Option func(*Classifier)

// WithRecommendations overrides the per-category service recommendation
// lists. Categories absent from the map keep their defaults.
func WithRecommendations(recs map[Category][]string) Option {
	return func(c *Classifier) {
		for cat, names := range recs {
			c.recommendations[cat] = names
		}
	}
}

// New creates a Classifier with the built-in keyword patterns.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		patterns:        buildPatterns(),
		recommendations: defaultRecommendations(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// buildPatterns compiles the keyword tables per category. Weights reflect
// signal strength: an explicit verb like "review" outweighs a generic noun.
func buildPatterns() map[Category][]*compiledPattern {
	pat := func(expr string, weight float64) *compiledPattern {
		return &compiledPattern{regex: regexp.MustCompile(expr), weight: weight}
	}

	return map[Category][]*compiledPattern{
		CategoryCodeReview: {
			pat(`\breview\b`, 1.0),
			pat(`\baudit\b`, 0.9),
			pat(`\bcritique\b`, 0.8),
			pat(`\bfeedback on\b`, 0.7),
			pat(`\bcheck (this|my|the) code\b`, 0.9),
		},
		CategoryCodebaseAnalysis: {
			pat(`\banaly[sz]e\b`, 0.9),
			pat(`\barchitecture\b`, 0.7),
			pat(`\bcodebase\b`, 1.0),
			pat(`\bdependenc(y|ies)\b`, 0.6),
		},
		CategoryGeneration: {
			pat(`\bwrite\b`, 0.8),
			pat(`\bgenerate\b`, 1.0),
			pat(`\bcreate\b`, 0.7),
			pat(`\bimplement\b`, 0.9),
			pat(`\bbuild\b`, 0.6),
			pat(`\bscaffold\b`, 0.8),
		},
		CategorySummarization: {
			pat(`\bsummari[sz]e\b`, 1.0),
			pat(`\btl;?dr\b`, 0.9),
			pat(`\bcondense\b`, 0.8),
			pat(`\bshorten\b`, 0.7),
			pat(`\bkey points\b`, 0.7),
		},
		CategoryQuickQuery: {
			pat(`^(what|who|when|where|which|how (much|many))\b`, 0.8),
			pat(`\?$`, 0.4),
			pat(`\bdefine\b`, 0.6),
			pat(`\bconvert\b`, 0.5),
		},
	}
}

// defaultRecommendations maps each category to an ordered service preference
// list. The router intersects these with the live registry; names that are
// not configured simply drop out.
func defaultRecommendations() map[Category][]string {
	return map[Category][]string{
		CategoryQuickQuery:       {"local", "cloud-fast", "cloud-smart"},
		CategoryCodeReview:       {"cloud-smart", "cloud-fast", "local"},
		CategoryCodebaseAnalysis: {"cloud-smart", "cloud-fast"},
		CategoryGeneration:       {"cloud-smart", "cloud-fast", "local"},
		CategorySummarization:    {"cloud-fast", "local", "cloud-smart"},
		CategoryGeneral:          {"cloud-fast", "local", "cloud-smart"},
	}
}

// Classify analyzes a prompt and optional file list and returns a
// TaskProfile. The only error is ErrInvalidRequest for an empty prompt.
func (c *Classifier) Classify(prompt string, files []FileRef) (*TaskProfile, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrInvalidRequest
	}

	var totalBytes int64
	for _, f := range files {
		totalBytes += f.Size
	}

	category := c.categorize(prompt, len(files))
	complexity := complexityScore(len(prompt), len(files), totalBytes)

	profile := &TaskProfile{
		Category:       category,
		FileCount:      len(files),
		TotalBytes:     totalBytes,
		Complexity:     complexity,
		Recommended:    append([]string(nil), c.recommendations[category]...),
		PreferParallel: category == CategoryCodebaseAnalysis && len(files) > analysisFileThreshold,
	}
	return profile, nil
}

// categorize scores the prompt against the keyword tables and applies the
// file-shape overrides.
func (c *Classifier) categorize(prompt string, fileCount int) Category {
	lower := strings.ToLower(prompt)

	scores := make(map[Category]float64)
	for category, patterns := range c.patterns {
		for _, p := range patterns {
			if p.regex.MatchString(lower) {
				scores[category] += p.weight
			}
		}
	}

	// File-shape overrides beat pure keyword scores.
	if fileCount > analysisFileThreshold {
		return CategoryCodebaseAnalysis
	}
	if fileCount > 0 && scores[CategoryCodeReview] > 0 {
		return CategoryCodeReview
	}

	best := CategoryGeneral
	var bestScore float64
	for _, category := range AllCategories() {
		if scores[category] > bestScore {
			bestScore = scores[category]
			best = category
		}
	}
	if bestScore == 0 {
		if len(lower) < 120 && fileCount == 0 {
			return CategoryQuickQuery
		}
		return CategoryGeneral
	}

	// Short question-shaped prompts stay quick queries unless files are
	// attached, even when a generation verb matched.
	if best == CategoryQuickQuery && fileCount > 0 {
		return CategoryGeneral
	}
	return best
}

// complexityScore combines normalized prompt length, file count, and byte
// size. Each component is clamped to [0,1] before weighting, so the result
// is monotonic non-decreasing in every input.
func complexityScore(promptLen, fileCount int, totalBytes int64) float64 {
	p := math.Min(float64(promptLen)/promptLenCeiling, 1.0)
	f := math.Min(float64(fileCount)/fileCountCeiling, 1.0)
	b := math.Min(float64(totalBytes)/byteSizeCeiling, 1.0)

	score := 0.4*p + 0.3*f + 0.3*b
	return math.Min(score, 1.0)
}
