package scoring

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/features"
	"github.com/noah-isme/gema-grader/internal/models"
)

func rubricOf(criteria ...models.Criterion) models.Rubric {
	return models.Rubric{Criteria: criteria}
}

func TestSingleFailingCellScoresZero(t *testing.T) {
	diag := features.Diagnostics{
		CodeCells:     1,
		ExecutedCells: 1,
		ErroredCells:  1,
		ErrorKinds:    []string{"ZeroDivisionError"},
	}
	score := NewScorer(Config{}).Score(rubricOf(models.Criterion{Name: "execution", Weight: 40}), diag)

	require.Equal(t, models.GradeStatusGraded, score.Status)
	require.Equal(t, models.ScoreSourceRubric, score.Source)
	require.Equal(t, 0.0, score.Total)
	require.Equal(t, 0.0, score.Allocations[0].Points)
	require.Contains(t, score.Feedback[0], "ZeroDivisionError")
	require.Contains(t, score.Feedback[0], "execution: 0/40 - failed")
}

func TestIdenticalToReferenceScoresFullMarks(t *testing.T) {
	diag := features.Diagnostics{
		CodeCells:           2,
		ExecutedCells:       2,
		SuccessfulCells:     2,
		SuccessRatio:        1,
		Similarity:          1,
		SimilarityAvailable: true,
	}
	score := NewScorer(Config{}).Score(rubricOf(
		models.Criterion{Name: "execution", Weight: 40},
		models.Criterion{Name: "similarity", Weight: 30},
	), diag)

	require.Equal(t, 40.0, score.Allocations[0].Points)
	require.Equal(t, 30.0, score.Allocations[1].Points)
	require.Equal(t, 70.0, score.Total)
	require.Equal(t, 70.0, score.MaxPoints)
}

func TestSimilarityUnavailable(t *testing.T) {
	score := NewScorer(Config{}).Score(rubricOf(models.Criterion{Name: "Structure", Weight: 10}), features.Diagnostics{})
	require.Equal(t, 0.0, score.Total)
	require.Contains(t, score.Feedback[0], "reference solution unavailable")
}

func TestExecutionAllocationIsMonotonic(t *testing.T) {
	scorer := NewScorer(Config{})
	rubric := rubricOf(models.Criterion{Name: "Runs", Weight: 40})
	previous := -1.0
	for ok := 0; ok <= 8; ok++ {
		diag := features.Diagnostics{CodeCells: 8, ExecutedCells: 8, SuccessfulCells: ok, SuccessRatio: float64(ok) / 8}
		points := scorer.Score(rubric, diag).Allocations[0].Points
		require.GreaterOrEqual(t, points, previous)
		previous = points
	}
	require.Equal(t, 40.0, previous)
}

func TestAllocationsNeverExceedWeights(t *testing.T) {
	diag := features.Diagnostics{
		CodeCells:           3,
		ExecutedCells:       3,
		SuccessfulCells:     3,
		SuccessRatio:        1,
		Similarity:          1,
		SimilarityAvailable: true,
		CommentDensity:      0.9,
		NarrativeWords:      5000,
		PatternCredits:      map[string]float64{"groupby": 1},
	}
	rubric := rubricOf(
		models.Criterion{Name: "Execution", Weight: 10},
		models.Criterion{Name: "Similarity", Weight: 10},
		models.Criterion{Name: "Comments", Weight: 5},
		models.Criterion{Name: "Reflection", Weight: 5},
		models.Criterion{Name: "Techniques", Weight: 5, Patterns: []string{"groupby"}},
		models.Criterion{Name: "Errors", Weight: 5},
	)
	score := NewScorer(Config{}).Score(rubric, diag)
	for _, allocation := range score.Allocations {
		require.LessOrEqual(t, allocation.Points, allocation.Weight)
		require.Equal(t, allocation.Weight, allocation.Points)
	}
	require.Equal(t, rubric.MaxPoints(), score.Total)
}

func TestInferKind(t *testing.T) {
	cases := map[string]models.Criterion{
		models.CriterionKindExecution:     {Name: "Code execution"},
		models.CriterionKindSimilarity:    {Name: "Matches reference"},
		models.CriterionKindDocumentation: {Name: "Commenting"},
		models.CriterionKindNarrative:     {Name: "Reflection questions"},
		models.CriterionKindErrors:        {Name: "Error handling"},
		models.CriterionKindPatterns:      {Name: "Inspection", Description: "calls `head()`"},
	}
	for want, criterion := range cases {
		require.Equal(t, want, InferKind(criterion), criterion.Name)
	}
	require.Equal(t, models.CriterionKindNarrative, InferKind(models.Criterion{Name: "Execution", Kind: models.CriterionKindNarrative}))
	require.Equal(t, models.CriterionKindExecution, InferKind(models.Criterion{Name: "Overall"}))
}

func TestPatternsRuleMeanCredit(t *testing.T) {
	diag := features.Diagnostics{PatternCredits: map[string]float64{"groupby": 1, "plot": 0.5}}
	score := NewScorer(Config{}).Score(rubricOf(models.Criterion{
		Name:     "Techniques",
		Weight:   30,
		Patterns: []string{"groupby", "plot", "merge"},
	}), diag)
	require.InDelta(t, 15.0, score.Total, 1e-9)
	require.Contains(t, score.Feedback[0], "missing: `merge`")
	require.Contains(t, score.Feedback[0], "in failing cells: `plot`")
}

func TestNarrativeRuleReportsPlaceholders(t *testing.T) {
	scorer := NewScorer(Config{NarrativeWordTarget: 100})
	score := scorer.Score(rubricOf(models.Criterion{Name: "Reflection", Weight: 10}), features.Diagnostics{NarrativeWords: 50, PlaceholderSections: 2})
	require.Equal(t, 5.0, score.Total)
	require.Contains(t, score.Feedback[0], "2 placeholder section(s)")
}

func TestErrorsRule(t *testing.T) {
	diag := features.Diagnostics{CodeCells: 4, ExecutedCells: 4, ErroredCells: 1, ErrorCategories: map[string]int{"name": 1}}
	score := NewScorer(Config{}).Score(rubricOf(models.Criterion{Name: "Bugs", Weight: 8}), diag)
	require.Equal(t, 6.0, score.Total)
	require.Contains(t, score.Feedback[0], "name x1")
}

func TestUngradable(t *testing.T) {
	score := Ungradable(rubricOf(models.Criterion{Name: "execution", Weight: 40}), "sandbox unavailable")
	require.Equal(t, models.GradeStatusUngradable, score.Status)
	require.Equal(t, []string{"ungradable: sandbox unavailable"}, score.Feedback)
	require.Len(t, score.Allocations, 1)
	require.Equal(t, 40.0, score.MaxPoints)
}

func baseScore() Score {
	return Score{
		Status:      models.GradeStatusGraded,
		Source:      models.ScoreSourceRubric,
		MaxPoints:   70,
		Total:       40,
		RubricTotal: 40,
		Allocations: []models.Allocation{
			{Criterion: "execution", Points: 40, Weight: 40},
			{Criterion: "similarity", Points: 0, Weight: 30},
		},
		Feedback: []string{"execution: 40/40 - passed", "similarity: 0/30 - reference solution unavailable"},
	}
}

func TestBlendPolicy(t *testing.T) {
	learned := Learned{Total: 60, ModelVersion: 3, CorpusSize: 12}

	rubricOnly := BlendPolicy{Weight: 0, MinConfidence: 10}.Apply(baseScore(), learned)
	require.Equal(t, models.ScoreSourceRubric, rubricOnly.Source)
	require.Equal(t, 40.0, rubricOnly.Total)

	full := BlendPolicy{Weight: 1, MinConfidence: 10}.Apply(baseScore(), learned)
	require.Equal(t, models.ScoreSourceLearned, full.Source)
	require.Equal(t, 60.0, full.Total)
	require.Equal(t, 3, full.ModelVersion)

	half := BlendPolicy{Weight: 0.5, MinConfidence: 10}.Apply(baseScore(), learned)
	require.Equal(t, models.ScoreSourceBlended, half.Source)
	require.InDelta(t, 50.0, half.Total, 1e-9)
	require.Equal(t, baseScore().Feedback, half.Feedback[:2])
	require.Len(t, half.Feedback, 3)
	require.NotNil(t, half.LearnedTotal)
	require.Equal(t, 40.0, half.RubricTotal)
}

func TestBlendSuppressedBelowMinConfidence(t *testing.T) {
	out := BlendPolicy{Weight: 1, MinConfidence: 20}.Apply(baseScore(), Learned{Total: 60, CorpusSize: 12})
	require.Equal(t, models.ScoreSourceRubric, out.Source)
	require.Equal(t, 40.0, out.Total)
	require.Nil(t, out.LearnedTotal)
}

func TestBlendClampsPredictionToMax(t *testing.T) {
	out := BlendPolicy{Weight: 1}.Apply(baseScore(), Learned{Total: 500})
	require.Equal(t, 70.0, out.Total)
	out = BlendPolicy{Weight: 1}.Apply(baseScore(), Learned{Total: -5})
	require.Equal(t, 0.0, out.Total)
}

func TestRescaleKeepsWeightsAndTarget(t *testing.T) {
	allocations := baseScore().Allocations

	for _, target := range []float64{0, 10, 40, 55, 70} {
		rescaled := Rescale(allocations, target)
		sum := 0.0
		for _, a := range rescaled {
			require.GreaterOrEqual(t, a.Points, 0.0)
			require.LessOrEqual(t, a.Points, a.Weight)
			sum += a.Points
		}
		require.InDelta(t, target, sum, 1e-9)
	}
	require.Equal(t, 40.0, allocations[0].Points)
}

func TestRescaleFromZero(t *testing.T) {
	rescaled := Rescale([]models.Allocation{{Weight: 30}, {Weight: 10}}, 20)
	require.InDelta(t, 15.0, rescaled[0].Points, 1e-9)
	require.InDelta(t, 5.0, rescaled[1].Points, 1e-9)
}

func TestRecordCarriesFeatures(t *testing.T) {
	score := baseScore()
	score.SubmissionID = 4
	score.Warnings = []string{"learned model skipped"}
	record := score.Record("nbfeat/v1/p0", []float64{1, 2})
	require.Equal(t, uint(4), record.SubmissionID)
	require.Equal(t, "nbfeat/v1/p0", record.FeatureSchema)
	require.Len(t, record.Features, 2)
	require.Len(t, record.Warnings, 1)
}
