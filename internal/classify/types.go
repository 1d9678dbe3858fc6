// Package classify analyzes incoming requests and produces a TaskProfile
// describing what kind of work the request represents. Classification is a
// pure function over the prompt text and file metadata; it performs no I/O
// and no network calls, so routing decisions built on top of it stay
// reproducible in tests.
package classify

import "errors"

// ErrInvalidRequest is returned when a request is malformed (empty prompt).
// It is the only failure mode of classification.
var ErrInvalidRequest = errors.New("invalid request")

// Category represents the classification of an incoming task.
type Category string

const (
	// CategoryQuickQuery is for short factual or conversational prompts.
	CategoryQuickQuery Category = "quick_query"
	// CategoryCodeReview is for review/audit requests over supplied files.
	CategoryCodeReview Category = "code_review"
	// CategoryCodebaseAnalysis is for analysis across many files.
	CategoryCodebaseAnalysis Category = "codebase_analysis"
	// CategoryGeneration is for code or content generation requests.
	CategoryGeneration Category = "generation"
	// CategorySummarization is for summarize/condense requests.
	CategorySummarization Category = "summarization"
	// CategoryGeneral is the default for unclassified requests.
	CategoryGeneral Category = "general"
)

// AllCategories returns all valid categories for validation.
func AllCategories() []Category {
	return []Category{
		CategoryQuickQuery,
		CategoryCodeReview,
		CategoryCodebaseAnalysis,
		CategoryGeneration,
		CategorySummarization,
		CategoryGeneral,
	}
}

// String returns the string representation of a Category.
func (c Category) String() string {
	return string(c)
}

// IsValid checks if a Category is a known valid category.
func (c Category) IsValid() bool {
	for _, valid := range AllCategories() {
		if c == valid {
			return true
		}
	}
	return false
}

// FileRef describes one file attached to a request. Only metadata is read;
// the classifier never opens file contents.
type FileRef struct {
	Path string `json:"path"`
	Size int64  `json:"size,omitempty"`
}

// TaskProfile is the classifier's structured assessment of a request.
// It is ephemeral: produced per request and consumed by the router.
type TaskProfile struct {
	// Category is the detected task category.
	Category Category `json:"category"`

	// FileCount is the number of attached files.
	FileCount int `json:"file_count"`

	// TotalBytes is the aggregate size of attached files.
	TotalBytes int64 `json:"total_bytes"`

	// Complexity is a score in [0,1]. It is monotonic non-decreasing in
	// prompt length, file count, and total byte size.
	Complexity float64 `json:"complexity"`

	// Recommended is the ordered list of service names suited to this
	// category, best first.
	Recommended []string `json:"recommended"`

	// PreferParallel hints that the task benefits from running on several
	// services at once.
	PreferParallel bool `json:"prefer_parallel"`
}
