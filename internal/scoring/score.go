// Package scoring allocates rubric points from extracted features and blends
// them with learned predictions.
package scoring

import (
	"fmt"
	"math"
	"strconv"

	"github.com/noah-isme/gema-grader/internal/models"
)

// Score is the graded outcome of one submission. Source records which scorer
// produced the total.
type Score struct {
	SubmissionID uint                `json:"submission_id"`
	AssignmentID uint                `json:"assignment_id"`
	Status       string              `json:"status"`
	Source       string              `json:"source"`
	Total        float64             `json:"total"`
	MaxPoints    float64             `json:"max_points"`
	RubricTotal  float64             `json:"rubric_total"`
	LearnedTotal *float64            `json:"learned_total,omitempty"`
	Allocations  []models.Allocation `json:"allocations"`
	Feedback     []string            `json:"feedback"`
	Warnings     []string            `json:"warnings,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	ModelVersion int                 `json:"model_version,omitempty"`
}

// Ungradable returns a complete zero score that explains why grading failed.
func Ungradable(rubric models.Rubric, reason string) Score {
	allocations := make([]models.Allocation, len(rubric.Criteria))
	for i, criterion := range rubric.Criteria {
		allocations[i] = models.Allocation{Criterion: criterion.Name, Weight: criterion.Weight}
	}
	return Score{
		Status:      models.GradeStatusUngradable,
		Source:      models.ScoreSourceRubric,
		MaxPoints:   rubric.MaxPoints(),
		Allocations: allocations,
		Feedback:    []string{"ungradable: " + reason},
		Reason:      reason,
	}
}

// Record converts the score into its persisted form.
func (s Score) Record(schema string, features []float64) models.GradeRecord {
	return models.GradeRecord{
		SubmissionID:  s.SubmissionID,
		AssignmentID:  s.AssignmentID,
		Status:        s.Status,
		Source:        s.Source,
		Total:         s.Total,
		MaxPoints:     s.MaxPoints,
		Allocations:   s.Allocations,
		Feedback:      s.Feedback,
		Warnings:      s.Warnings,
		Reason:        s.Reason,
		FeatureSchema: schema,
		Features:      features,
		ModelVersion:  s.ModelVersion,
	}
}

// FeedbackLine formats a per-criterion feedback string.
func FeedbackLine(criterion string, points, weight float64, detail string) string {
	return fmt.Sprintf("%s: %s/%s - %s", criterion, FormatPoints(points), FormatPoints(weight), detail)
}

// FormatPoints renders points with at most two decimals.
func FormatPoints(points float64) string {
	return strconv.FormatFloat(math.Round(points*100)/100, 'f', -1, 64)
}

func clamp(value, lo, hi float64) float64 {
	if math.IsNaN(value) {
		return lo
	}
	return math.Max(lo, math.Min(hi, value))
}
