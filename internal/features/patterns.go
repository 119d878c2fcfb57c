package features

import (
	"regexp"
	"strings"

	"github.com/noah-isme/gema-grader/internal/models"
)

var backticked = regexp.MustCompile("`([^`]+)`")

// CriterionPatterns returns the code fragments a criterion looks for: its
// explicit Patterns, or else the backticked fragments of its description.
func CriterionPatterns(criterion models.Criterion) []string {
	var raw []string
	if len(criterion.Patterns) > 0 {
		raw = criterion.Patterns
	} else {
		for _, match := range backticked.FindAllStringSubmatch(criterion.Description, -1) {
			raw = append(raw, match[1])
		}
	}

	patterns := make([]string, 0, len(raw))
	seen := map[string]bool{}
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		patterns = append(patterns, p)
	}
	return patterns
}

// RubricPatterns collects the patterns of every criterion in rubric order,
// without duplicates.
func RubricPatterns(rubric models.Rubric) []string {
	var patterns []string
	seen := map[string]bool{}
	for _, criterion := range rubric.Criteria {
		for _, p := range CriterionPatterns(criterion) {
			if !seen[p] {
				seen[p] = true
				patterns = append(patterns, p)
			}
		}
	}
	return patterns
}

// MatchPattern reports whether the code contains the pattern. A pattern written
// as a call with empty parentheses, such as `head()`, matches any call of it.
func MatchPattern(code, pattern string) bool {
	if strings.HasSuffix(pattern, "()") {
		return strings.Contains(code, strings.TrimSuffix(pattern, ")"))
	}
	return strings.Contains(code, pattern)
}

var placeholderMarkers = []string{
	"write your response here", "your answer here", "add your", "todo",
	"write your", "insert your", "complete this",
	"[write", "[your", "[add", "[insert",
}

// IsPlaceholder reports whether narrative text is unfilled template text.
func IsPlaceholder(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range placeholderMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// NarrativeWords counts the words of narrative cells, skipping paragraphs that
// are still template placeholders. It also returns how many paragraphs were skipped.
func NarrativeWords(cells []models.Cell) (int, int) {
	words, placeholders := 0, 0
	for _, cell := range cells {
		if cell.Type != models.CellTypeNarrative {
			continue
		}
		for _, paragraph := range strings.Split(cell.Source, "\n\n") {
			if strings.TrimSpace(paragraph) == "" {
				continue
			}
			if IsPlaceholder(paragraph) {
				placeholders++
				continue
			}
			words += len(strings.FieldsFunc(paragraph, isWordSeparator))
		}
	}
	return words, placeholders
}

func isWordSeparator(r rune) bool {
	return !isIdentRune(r) && r != '\''
}
