package scoring

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/noah-isme/gema-grader/internal/features"
	"github.com/noah-isme/gema-grader/internal/models"
)

// Config holds the targets used by the proportional rules.
type Config struct {
	// CommentDensityTarget is the comment density that earns full documentation credit.
	CommentDensityTarget float64
	// NarrativeWordTarget is the narrative length that earns full narrative credit.
	NarrativeWordTarget int
}

// DefaultConfig returns the standard targets.
func DefaultConfig() Config {
	return Config{CommentDensityTarget: 0.2, NarrativeWordTarget: 150}
}

// Scorer applies explicit per-criterion rules to extraction diagnostics.
type Scorer struct {
	cfg Config
}

// NewScorer constructs a rubric scorer.
func NewScorer(cfg Config) *Scorer {
	defaults := DefaultConfig()
	if cfg.CommentDensityTarget <= 0 {
		cfg.CommentDensityTarget = defaults.CommentDensityTarget
	}
	if cfg.NarrativeWordTarget <= 0 {
		cfg.NarrativeWordTarget = defaults.NarrativeWordTarget
	}
	return &Scorer{cfg: cfg}
}

var kindKeywords = []struct {
	kind     string
	keywords []string
}{
	{models.CriterionKindSimilarity, []string{"similar", "reference", "solution", "structure"}},
	{models.CriterionKindDocumentation, []string{"document", "comment"}},
	{models.CriterionKindNarrative, []string{"narrative", "reflect", "explain", "explanation", "discussion", "interpret", "written"}},
	{models.CriterionKindErrors, []string{"error", "bug", "robust"}},
	{models.CriterionKindExecution, []string{"execut", "run", "works"}},
	{models.CriterionKindPatterns, []string{"pattern", "technique", "uses", "required"}},
}

// InferKind returns the rule a criterion is scored with: its explicit Kind, a
// kind named by its keywords, patterns when it lists any, or execution.
func InferKind(criterion models.Criterion) string {
	if criterion.Kind != "" {
		return criterion.Kind
	}
	name := strings.ToLower(criterion.Name)
	for _, entry := range kindKeywords {
		for _, keyword := range entry.keywords {
			if strings.Contains(name, keyword) {
				return entry.kind
			}
		}
	}
	if len(features.CriterionPatterns(criterion)) > 0 {
		return models.CriterionKindPatterns
	}
	return models.CriterionKindExecution
}

// Score allocates points for every criterion in rubric order. It always
// returns a complete score with Source rubric-only.
func (s *Scorer) Score(rubric models.Rubric, diag features.Diagnostics) Score {
	score := Score{
		Status:      models.GradeStatusGraded,
		Source:      models.ScoreSourceRubric,
		MaxPoints:   rubric.MaxPoints(),
		Allocations: make([]models.Allocation, 0, len(rubric.Criteria)),
		Feedback:    make([]string, 0, len(rubric.Criteria)),
	}

	for _, criterion := range rubric.Criteria {
		fraction, detail := s.evaluate(criterion, diag)
		weight := math.Max(criterion.Weight, 0)
		points := clamp(weight*fraction, 0, weight)
		line := FeedbackLine(criterion.Name, points, weight, detail)

		score.Allocations = append(score.Allocations, models.Allocation{
			Criterion: criterion.Name,
			Points:    points,
			Weight:    weight,
			Feedback:  line,
		})
		score.Feedback = append(score.Feedback, line)
		score.Total += points
	}
	score.Total = clamp(score.Total, 0, score.MaxPoints)
	score.RubricTotal = score.Total
	return score
}

func (s *Scorer) evaluate(criterion models.Criterion, diag features.Diagnostics) (float64, string) {
	switch InferKind(criterion) {
	case models.CriterionKindSimilarity:
		return similarityRule(diag)
	case models.CriterionKindPatterns:
		patterns := features.CriterionPatterns(criterion)
		if len(patterns) == 0 {
			return executionRule(diag)
		}
		return patternsRule(patterns, diag)
	case models.CriterionKindDocumentation:
		return s.documentationRule(diag)
	case models.CriterionKindNarrative:
		return s.narrativeRule(diag)
	case models.CriterionKindErrors:
		return errorsRule(diag)
	default:
		return executionRule(diag)
	}
}

// executionRule is linear in the success ratio: full at 1, zero at 0.
func executionRule(diag features.Diagnostics) (float64, string) {
	if diag.CodeCells == 0 {
		return 0, "no code cells to execute"
	}
	if diag.SuccessfulCells == diag.CodeCells {
		return 1, fmt.Sprintf("passed: all %d code cells ran without errors", diag.CodeCells)
	}

	detail := fmt.Sprintf("failed: %d of %d code cells ran without errors", diag.SuccessfulCells, diag.CodeCells)
	if len(diag.ErrorKinds) > 0 {
		detail += "; errors: " + strings.Join(diag.ErrorKinds, ", ")
	}
	if diag.TimedOut {
		detail += "; execution timed out"
	}
	if skipped := diag.CodeCells - diag.ExecutedCells; skipped > 0 {
		detail += fmt.Sprintf("; %d cell(s) not executed", skipped)
	}
	return diag.SuccessRatio, detail
}

func similarityRule(diag features.Diagnostics) (float64, string) {
	if !diag.SimilarityAvailable {
		return 0, "reference solution unavailable"
	}
	verdict := "passed"
	if diag.Similarity < 1 {
		verdict = "partial"
	}
	return diag.Similarity, fmt.Sprintf("%s: structural similarity to reference %s%%", verdict, FormatPoints(diag.Similarity*100))
}

func patternsRule(patterns []string, diag features.Diagnostics) (float64, string) {
	var found, failing, missing []string
	total := 0.0
	for _, pattern := range patterns {
		credit := diag.PatternCredits[pattern]
		total += credit
		switch {
		case credit >= 1:
			found = append(found, "`"+pattern+"`")
		case credit > 0:
			failing = append(failing, "`"+pattern+"`")
		default:
			missing = append(missing, "`"+pattern+"`")
		}
	}

	var parts []string
	if len(found) > 0 {
		parts = append(parts, "passed: "+strings.Join(found, ", "))
	}
	if len(failing) > 0 {
		parts = append(parts, "in failing cells: "+strings.Join(failing, ", "))
	}
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	return total / float64(len(patterns)), strings.Join(parts, "; ")
}

func (s *Scorer) documentationRule(diag features.Diagnostics) (float64, string) {
	fraction := math.Min(1, diag.CommentDensity/s.cfg.CommentDensityTarget)
	verdict := "passed"
	if fraction < 1 {
		verdict = "partial"
	}
	return fraction, fmt.Sprintf("%s: %s%% of code lines commented (target %s%%)",
		verdict, FormatPoints(diag.CommentDensity*100), FormatPoints(s.cfg.CommentDensityTarget*100))
}

func (s *Scorer) narrativeRule(diag features.Diagnostics) (float64, string) {
	fraction := math.Min(1, float64(diag.NarrativeWords)/float64(s.cfg.NarrativeWordTarget))
	verdict := "passed"
	if fraction < 1 {
		verdict = "partial"
	}
	detail := fmt.Sprintf("%s: %d words of narrative (target %d)", verdict, diag.NarrativeWords, s.cfg.NarrativeWordTarget)
	if diag.PlaceholderSections > 0 {
		detail += fmt.Sprintf("; %d placeholder section(s) left unfilled", diag.PlaceholderSections)
	}
	return fraction, detail
}

func errorsRule(diag features.Diagnostics) (float64, string) {
	if diag.CodeCells == 0 {
		return 0, "no code cells to check"
	}
	if diag.ErroredCells == 0 {
		return 1, "passed: no cell raised an error"
	}

	categories := make([]string, 0, len(diag.ErrorCategories))
	for category, count := range diag.ErrorCategories {
		categories = append(categories, fmt.Sprintf("%s x%d", category, count))
	}
	sort.Strings(categories)

	detail := fmt.Sprintf("failed: %d of %d code cells raised errors", diag.ErroredCells, diag.CodeCells)
	if len(categories) > 0 {
		detail += " (" + strings.Join(categories, ", ") + ")"
	}
	return 1 - float64(diag.ErroredCells)/float64(diag.CodeCells), detail
}
