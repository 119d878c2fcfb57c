// Package features turns an executed submission into a fixed-length numeric
// vector and the diagnostics the rubric scorer explains itself with.
package features

import (
	"errors"
	"fmt"
	"math"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/sandbox"
)

// SchemaVersion identifies the vector layout. Bump it whenever the meaning or
// order of any base field changes.
const SchemaVersion = "nbfeat/v1"

// BaseDimensions is the number of fields that precede the pattern slots.
const BaseDimensions = 16

// Vector positions of the base fields.
const (
	IdxSuccessRatio = iota
	IdxExecutedRatio
	IdxTimedOut
	IdxSimilarity
	IdxSimilarityAvailable
	IdxCommentDensity
	IdxNarrativeRatio
	IdxNarrativeWords
	IdxArtifacts
	IdxErrorCategories
	IdxPatternSlots = IdxErrorCategories + 7
)

// SimilarityUnavailable is stored at IdxSimilarity when there is no reference solution.
const SimilarityUnavailable = -1.0

const (
	narrativeWordScale = 1000
	artifactCap        = 10
)

// ErrVectorLength indicates a vector does not have the length its schema requires.
var ErrVectorLength = errors.New("feature vector length does not match schema")

// Vector is a fixed-length feature representation tagged with its schema.
type Vector struct {
	Schema string    `json:"schema"`
	Values []float64 `json:"values"`
}

// Schema returns the schema identifier for the given number of pattern slots.
func Schema(slots int) string {
	return fmt.Sprintf("%s/p%d", SchemaVersion, slots)
}

// Validate checks the vector length against its own schema.
func (v Vector) Validate() error {
	var slots int
	if _, err := fmt.Sscanf(v.Schema, SchemaVersion+"/p%d", &slots); err != nil {
		return fmt.Errorf("unknown feature schema %q", v.Schema)
	}
	if len(v.Values) != BaseDimensions+slots {
		return fmt.Errorf("%w: %s wants %d, got %d", ErrVectorLength, v.Schema, BaseDimensions+slots, len(v.Values))
	}
	return nil
}

// Diagnostics carries the human-meaningful measurements behind a vector.
type Diagnostics struct {
	CodeCells           int                `json:"code_cells"`
	ExecutedCells       int                `json:"executed_cells"`
	SuccessfulCells     int                `json:"successful_cells"`
	ErroredCells        int                `json:"errored_cells"`
	SuccessRatio        float64            `json:"success_ratio"`
	TimedOut            bool               `json:"timed_out"`
	Similarity          float64            `json:"similarity"`
	SimilarityAvailable bool               `json:"similarity_available"`
	CommentDensity      float64            `json:"comment_density"`
	NarrativeCells      int                `json:"narrative_cells"`
	NarrativeWords      int                `json:"narrative_words"`
	PlaceholderSections int                `json:"placeholder_sections"`
	Artifacts           []string           `json:"artifacts,omitempty"`
	ErrorKinds          []string           `json:"error_kinds,omitempty"`
	ErrorCategories     map[string]int     `json:"error_categories,omitempty"`
	PatternCredits      map[string]float64 `json:"pattern_credits,omitempty"`
}

// Extraction bundles a vector with its diagnostics.
type Extraction struct {
	Vector      Vector      `json:"vector"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Input is everything the extractor looks at.
type Input struct {
	Cells     []models.Cell
	Execution sandbox.Result
	Reference []models.Cell
	Rubric    models.Rubric
}

// Extractor computes vectors with a fixed number of pattern slots.
type Extractor struct {
	slots int
}

// NewExtractor constructs an extractor with the given number of pattern slots.
func NewExtractor(slots int) *Extractor {
	if slots < 0 {
		slots = 0
	}
	return &Extractor{slots: slots}
}

// Schema returns the schema identifier of the vectors this extractor produces.
func (e *Extractor) Schema() string {
	return Schema(e.slots)
}

// Dimensions returns the vector length.
func (e *Extractor) Dimensions() int {
	return BaseDimensions + e.slots
}

// Extract computes the vector and diagnostics. It never fails: student faults
// are measured, not raised. Identical inputs give bit-identical vectors.
func (e *Extractor) Extract(in Input) Extraction {
	sources := models.CodeSources(in.Cells)
	diag := Diagnostics{
		CodeCells:       len(sources),
		TimedOut:        in.Execution.TimedOut,
		ErrorCategories: map[string]int{},
		PatternCredits:  map[string]float64{},
		CommentDensity:  CommentDensity(sources),
	}

	seenKinds := map[string]bool{}
	for i := range sources {
		cell, ok := cellResult(in.Execution, i)
		if !ok || !cell.Executed {
			continue
		}
		diag.ExecutedCells++
		if cell.Succeeded() {
			diag.SuccessfulCells++
			continue
		}
		diag.ErroredCells++
		if cell.ErrorKind != "" && !seenKinds[cell.ErrorKind] {
			seenKinds[cell.ErrorKind] = true
			diag.ErrorKinds = append(diag.ErrorKinds, cell.ErrorKind)
		}
		if cell.TimedOut || cell.ErrorKind == sandbox.ErrorKindTimeout || cell.ErrorKind == sandbox.ErrorKindAborted {
			continue
		}
		diag.ErrorCategories[CategorizeError(cell.ErrorKind)]++
	}
	if diag.CodeCells > 0 {
		diag.SuccessRatio = float64(diag.SuccessfulCells) / float64(diag.CodeCells)
	}
	diag.Artifacts = in.Execution.Artifacts()

	for _, cell := range in.Cells {
		if cell.Type == models.CellTypeNarrative {
			diag.NarrativeCells++
		}
	}
	diag.NarrativeWords, diag.PlaceholderSections = NarrativeWords(in.Cells)

	if refSources := models.CodeSources(in.Reference); len(refSources) > 0 {
		diag.SimilarityAvailable = true
		diag.Similarity = TokenSimilarity(joinTokens(sources), joinTokens(refSources))
	}

	for _, pattern := range RubricPatterns(in.Rubric) {
		diag.PatternCredits[pattern] = patternCredit(pattern, sources, in.Execution)
	}

	return Extraction{Vector: e.vector(in, diag), Diagnostics: diag}
}

func (e *Extractor) vector(in Input, diag Diagnostics) Vector {
	values := make([]float64, e.Dimensions())
	values[IdxSuccessRatio] = diag.SuccessRatio
	if diag.CodeCells > 0 {
		values[IdxExecutedRatio] = float64(diag.ExecutedCells) / float64(diag.CodeCells)
	}
	if diag.TimedOut {
		values[IdxTimedOut] = 1
	}
	values[IdxSimilarity] = SimilarityUnavailable
	if diag.SimilarityAvailable {
		values[IdxSimilarity] = diag.Similarity
		values[IdxSimilarityAvailable] = 1
	}
	values[IdxCommentDensity] = diag.CommentDensity
	if len(in.Cells) > 0 {
		values[IdxNarrativeRatio] = float64(diag.NarrativeCells) / float64(len(in.Cells))
	}
	values[IdxNarrativeWords] = math.Min(1, math.Log1p(float64(diag.NarrativeWords))/math.Log1p(narrativeWordScale))
	values[IdxArtifacts] = math.Min(float64(len(diag.Artifacts)), artifactCap) / artifactCap
	for i, category := range ErrorCategories {
		values[IdxErrorCategories+i] = float64(diag.ErrorCategories[category])
	}

	patterns := RubricPatterns(in.Rubric)
	for slot := 0; slot < e.slots && slot < len(patterns); slot++ {
		values[IdxPatternSlots+slot] = diag.PatternCredits[patterns[slot]]
	}

	return Vector{Schema: e.Schema(), Values: values}
}

func cellResult(result sandbox.Result, index int) (sandbox.CellResult, bool) {
	if index < 0 || index >= len(result.Cells) {
		return sandbox.CellResult{}, false
	}
	return result.Cells[index], true
}

// patternCredit is 1 when the pattern appears in a successful cell, 0.5 when it
// only appears in cells that failed or never ran, and 0 when absent.
func patternCredit(pattern string, sources []string, result sandbox.Result) float64 {
	credit := 0.0
	for i, src := range sources {
		if !MatchPattern(src, pattern) {
			continue
		}
		if cell, ok := cellResult(result, i); ok && cell.Succeeded() {
			return 1
		}
		credit = 0.5
	}
	return credit
}

func joinTokens(sources []string) []string {
	var tokens []string
	for _, src := range sources {
		tokens = append(tokens, Tokenize(src)...)
	}
	return tokens
}
