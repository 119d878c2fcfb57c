package scoring

import (
	"fmt"

	"github.com/noah-isme/gema-grader/internal/models"
)

// Learned is a total predicted by an active trained model.
type Learned struct {
	Total        float64
	ModelVersion int
	CorpusSize   int
}

// BlendPolicy decides how a learned total combines with the rubric baseline.
type BlendPolicy struct {
	// Weight is the learned share: 0 keeps the rubric, 1 uses the learned total.
	Weight float64
	// MinConfidence suppresses models trained on fewer corrections.
	MinConfidence int
}

// Apply combines the rubric score with a learned prediction. The returned score
// keeps the rubric feedback and rescales allocations to the reported total.
func (p BlendPolicy) Apply(base Score, learned Learned) Score {
	if base.Status != models.GradeStatusGraded {
		return base
	}
	if learned.CorpusSize < p.MinConfidence || p.Weight <= 0 {
		return base
	}

	predicted := clamp(learned.Total, 0, base.MaxPoints)
	weight := clamp(p.Weight, 0, 1)

	out := base
	out.LearnedTotal = &predicted
	out.ModelVersion = learned.ModelVersion
	if weight >= 1 {
		out.Source = models.ScoreSourceLearned
		out.Total = predicted
	} else {
		out.Source = models.ScoreSourceBlended
		out.Total = (1-weight)*base.RubricTotal + weight*predicted
	}
	out.Total = clamp(out.Total, 0, base.MaxPoints)
	out.Allocations = Rescale(base.Allocations, out.Total)
	out.Feedback = append(append([]string{}, base.Feedback...), fmt.Sprintf(
		"total %s/%s from %s score (model v%d, rubric baseline %s, learned %s)",
		FormatPoints(out.Total), FormatPoints(base.MaxPoints), out.Source,
		learned.ModelVersion, FormatPoints(base.RubricTotal), FormatPoints(predicted),
	))
	return out
}

// Rescale distributes target over the allocations in proportion to their
// current points, keeping each within its weight. Lowering scales every
// allocation down; raising moves each toward its weight in proportion to the
// headroom left.
func Rescale(allocations []models.Allocation, target float64) []models.Allocation {
	out := make([]models.Allocation, len(allocations))
	copy(out, allocations)

	current, capacity := 0.0, 0.0
	for _, a := range out {
		current += a.Points
		capacity += a.Weight
	}
	target = clamp(target, 0, capacity)

	switch {
	case target == current:
	case target < current:
		ratio := target / current
		for i := range out {
			out[i].Points = out[i].Points * ratio
		}
	default:
		headroom := capacity - current
		ratio := (target - current) / headroom
		for i := range out {
			out[i].Points = clamp(out[i].Points+(out[i].Weight-out[i].Points)*ratio, 0, out[i].Weight)
		}
	}
	return out
}
