package learning

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/features"
)

func corpus(schema string, n int) []Example {
	examples := make([]Example, n)
	for i := 0; i < n; i++ {
		ratio := float64(i%5) / 4
		values := make([]float64, features.BaseDimensions)
		values[features.IdxSuccessRatio] = ratio
		values[features.IdxExecutedRatio] = 1
		values[features.IdxSimilarity] = features.SimilarityUnavailable
		values[features.IdxCommentDensity] = float64(i%3) / 10
		examples[i] = Example{
			Vector: features.Vector{Schema: schema, Values: values},
			Target: 10 + 50*ratio,
		}
	}
	return examples
}

func TestFitLearnsLinearRelationship(t *testing.T) {
	schema := features.Schema(0)
	model, stats, err := Fit(schema, corpus(schema, 12), 0.01, 70)
	require.NoError(t, err)
	require.Equal(t, 12, stats.CorpusSize)
	require.Less(t, stats.RMSE, 1.0)

	low, err := model.Predict(corpus(schema, 1)[0].Vector)
	require.NoError(t, err)
	high, err := model.Predict(corpus(schema, 5)[4].Vector)
	require.NoError(t, err)
	require.InDelta(t, 10, low, 1.5)
	require.InDelta(t, 60, high, 1.5)
}

func TestPredictIsDeterministic(t *testing.T) {
	schema := features.Schema(0)
	model, _, err := Fit(schema, corpus(schema, 10), 1, 70)
	require.NoError(t, err)

	v := corpus(schema, 3)[2].Vector
	first, err := model.Predict(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := model.Predict(v)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}

	blob, err := model.Encode()
	require.NoError(t, err)
	restored, err := Decode(blob)
	require.NoError(t, err)
	fromBlob, err := restored.Predict(v)
	require.NoError(t, err)
	require.Equal(t, first, fromBlob)
}

func TestPredictClampsToRange(t *testing.T) {
	schema := features.Schema(0)
	model, _, err := Fit(schema, corpus(schema, 10), 0.01, 40)
	require.NoError(t, err)

	v := corpus(schema, 5)[4].Vector
	v.Values[features.IdxSuccessRatio] = 10
	got, err := model.Predict(v)
	require.NoError(t, err)
	require.Equal(t, 40.0, got)

	v.Values[features.IdxSuccessRatio] = -10
	got, err = model.Predict(v)
	require.NoError(t, err)
	require.Equal(t, 0.0, got)
}

func TestConstantFeaturesDoNotBreakFit(t *testing.T) {
	schema := features.Schema(0)
	examples := corpus(schema, 10)
	for i := range examples {
		examples[i].Target = 25
	}
	model, _, err := Fit(schema, examples, 1, 70)
	require.NoError(t, err)
	got, err := model.Predict(examples[0].Vector)
	require.NoError(t, err)
	require.InDelta(t, 25, got, 1e-9)
	require.Equal(t, 1.0, model.Scales[features.IdxExecutedRatio])
}

func TestSchemaMismatch(t *testing.T) {
	schema := features.Schema(0)
	examples := corpus(schema, 10)
	examples[3].Vector.Schema = features.Schema(2)

	_, _, err := Fit(schema, examples, 1, 70)
	var mismatch *SchemaMismatchError
	require.True(t, errors.As(err, &mismatch))
	require.Equal(t, schema, mismatch.Expected)

	model, _, err := Fit(schema, corpus(schema, 10), 1, 70)
	require.NoError(t, err)
	_, err = model.Predict(features.Vector{Schema: features.Schema(2), Values: make([]float64, 18)})
	require.True(t, errors.As(err, &mismatch))
}

func TestFitRequiresExamples(t *testing.T) {
	_, _, err := Fit(features.Schema(0), nil, 1, 70)
	require.ErrorIs(t, err, ErrNoExamples)
}

func TestNilModelIsUnavailable(t *testing.T) {
	var model *Model
	_, err := model.Predict(features.Vector{})
	require.ErrorIs(t, err, ErrModelUnavailable)
}

func TestDecodeRejectsInconsistentParameters(t *testing.T) {
	_, err := Decode([]byte(`{"coefficients":[1,2],"means":[0],"scales":[1,1]}`))
	require.Error(t, err)
	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}
