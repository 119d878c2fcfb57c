// Package learning fits and applies the regression model that predicts
// instructor-corrected totals from feature vectors.
package learning

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/noah-isme/gema-grader/internal/features"
)

const minScale = 1e-9

var (
	// ErrModelUnavailable indicates no active model exists for the scope.
	ErrModelUnavailable = errors.New("learned model unavailable")
	// ErrNoExamples indicates Fit was called with an empty corpus.
	ErrNoExamples = errors.New("no training examples")
	// ErrSingularSystem indicates the regularized normal equations could not be factorized.
	ErrSingularSystem = errors.New("training system is not positive definite")
)

// SchemaMismatchError reports a feature vector whose schema differs from the
// one a model or corpus was built for.
type SchemaMismatchError struct {
	Expected string
	Actual   string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("feature schema mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// Example is one labelled training pair.
type Example struct {
	Vector features.Vector
	Target float64
}

// Model is a ridge regressor over standardized features. Its JSON encoding is
// the persisted parameter blob.
type Model struct {
	Schema       string    `json:"schema"`
	Means        []float64 `json:"means"`
	Scales       []float64 `json:"scales"`
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
	Lambda       float64   `json:"lambda"`
	MaxPoints    float64   `json:"max_points"`
}

// FitStats summarises a training run.
type FitStats struct {
	CorpusSize int
	RMSE       float64
}

// Fit trains a ridge model with penalty lambda on examples that must all carry
// the given schema. Predictions are clamped to [0, maxPoints].
func Fit(schema string, examples []Example, lambda, maxPoints float64) (*Model, FitStats, error) {
	if len(examples) == 0 {
		return nil, FitStats{}, ErrNoExamples
	}
	if lambda <= 0 {
		lambda = 1
	}

	dims := len(examples[0].Vector.Values)
	for _, ex := range examples {
		if ex.Vector.Schema != schema {
			return nil, FitStats{}, &SchemaMismatchError{Expected: schema, Actual: ex.Vector.Schema}
		}
		if len(ex.Vector.Values) != dims {
			return nil, FitStats{}, fmt.Errorf("%w: expected %d values, got %d", features.ErrVectorLength, dims, len(ex.Vector.Values))
		}
	}

	n := len(examples)
	means := make([]float64, dims)
	scales := make([]float64, dims)
	targetMean := 0.0
	for _, ex := range examples {
		for j, v := range ex.Vector.Values {
			means[j] += v
		}
		targetMean += ex.Target
	}
	for j := range means {
		means[j] /= float64(n)
	}
	targetMean /= float64(n)

	for _, ex := range examples {
		for j, v := range ex.Vector.Values {
			d := v - means[j]
			scales[j] += d * d
		}
	}
	for j := range scales {
		scales[j] = math.Sqrt(scales[j] / float64(n))
		if scales[j] < minScale {
			scales[j] = 1
		}
	}

	z := mat.NewDense(n, dims, nil)
	y := mat.NewVecDense(n, nil)
	for i, ex := range examples {
		for j, v := range ex.Vector.Values {
			z.Set(i, j, (v-means[j])/scales[j])
		}
		y.SetVec(i, ex.Target-targetMean)
	}

	gram := mat.NewSymDense(dims, nil)
	gram.SymOuterK(1, z.T())
	for j := 0; j < dims; j++ {
		gram.SetSym(j, j, gram.At(j, j)+lambda)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(gram); !ok {
		return nil, FitStats{}, ErrSingularSystem
	}

	var rhs mat.VecDense
	rhs.MulVec(z.T(), y)
	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, &rhs); err != nil {
		return nil, FitStats{}, fmt.Errorf("solve ridge system: %w", err)
	}

	model := &Model{
		Schema:       schema,
		Means:        means,
		Scales:       scales,
		Coefficients: make([]float64, dims),
		Intercept:    targetMean,
		Lambda:       lambda,
		MaxPoints:    maxPoints,
	}
	for j := 0; j < dims; j++ {
		model.Coefficients[j] = beta.AtVec(j)
	}

	sq := 0.0
	for _, ex := range examples {
		d := model.raw(ex.Vector.Values) - ex.Target
		sq += d * d
	}
	return model, FitStats{CorpusSize: n, RMSE: math.Sqrt(sq / float64(n))}, nil
}

// Predict returns the clamped predicted total for v.
func (m *Model) Predict(v features.Vector) (float64, error) {
	if m == nil {
		return 0, ErrModelUnavailable
	}
	if v.Schema != m.Schema {
		return 0, &SchemaMismatchError{Expected: m.Schema, Actual: v.Schema}
	}
	if len(v.Values) != len(m.Coefficients) {
		return 0, fmt.Errorf("%w: model wants %d values, got %d", features.ErrVectorLength, len(m.Coefficients), len(v.Values))
	}

	prediction := m.raw(v.Values)
	if m.MaxPoints > 0 {
		prediction = math.Min(prediction, m.MaxPoints)
	}
	return math.Max(0, prediction), nil
}

func (m *Model) raw(values []float64) float64 {
	total := m.Intercept
	for j, v := range values {
		total += m.Coefficients[j] * (v - m.Means[j]) / m.Scales[j]
	}
	return total
}

// Encode serializes the model parameters.
func (m *Model) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode restores a model from its parameter blob and checks it is consistent.
func Decode(data []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model parameters: %w", err)
	}
	dims := len(m.Coefficients)
	if dims == 0 || len(m.Means) != dims || len(m.Scales) != dims {
		return nil, fmt.Errorf("decode model parameters: inconsistent dimensions")
	}
	for _, s := range m.Scales {
		if s == 0 || math.IsNaN(s) {
			return nil, fmt.Errorf("decode model parameters: invalid scale")
		}
	}
	return &m, nil
}
