package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/features"
	"github.com/noah-isme/gema-grader/internal/learning"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/sandbox"
	"github.com/noah-isme/gema-grader/internal/scoring"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, _ interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *recordingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

type failingRunner struct {
	inner sandbox.Runner
	fail  map[uint]bool
}

func (r failingRunner) Name() string { return r.inner.Name() }

func (r failingRunner) Run(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	if r.fail[req.SubmissionID] {
		return sandbox.Result{}, errors.New("docker daemon unreachable")
	}
	return r.inner.Run(ctx, req)
}

type stubArchiver struct {
	names []string
}

func (a *stubArchiver) ArchiveModel(_ context.Context, name string, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", errors.New("empty payload")
	}
	a.names = append(a.names, name)
	return "https://archive.test/" + name + ".json", nil
}

type harness struct {
	db          *gorm.DB
	assignments repository.AssignmentRepository
	submissions repository.SubmissionRepository
	rubrics     repository.RubricRepository
	corrections repository.CorrectionRepository
	grades      repository.GradeRepository
	models      repository.ModelRepository
	publisher   *recordingPublisher
	archiver    *stubArchiver
	grading     GradingService
	training    TrainingService
}

func setupServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newHarness(t *testing.T, runner sandbox.Runner, blend scoring.BlendPolicy, minCorpus int) *harness {
	t.Helper()
	db := setupServiceDB(t)
	h := &harness{
		db:          db,
		assignments: repository.NewAssignmentRepository(db),
		submissions: repository.NewSubmissionRepository(db),
		rubrics:     repository.NewRubricRepository(db),
		corrections: repository.NewCorrectionRepository(db),
		grades:      repository.NewGradeRepository(db),
		models:      repository.NewModelRepository(db),
		publisher:   &recordingPublisher{},
		archiver:    &stubArchiver{},
	}
	if runner == nil {
		runner = sandbox.NewRecordedRunner()
	}
	h.grading = h.gradingWith(runner, blend)
	h.training = NewTrainingService(TrainingDeps{
		Grading:     h.grading,
		Submissions: h.submissions,
		Assignments: h.assignments,
		Rubrics:     h.rubrics,
		Corrections: h.corrections,
		Grades:      h.grades,
		Models:      h.models,
		Events:      h.publisher,
		Archiver:    h.archiver,
	}, TrainingConfig{MinCorpusSize: minCorpus, RidgeLambda: 1}, validator.New(), zerolog.Nop())
	return h
}

func (h *harness) gradingWith(runner sandbox.Runner, blend scoring.BlendPolicy) GradingService {
	return NewGradingService(GradingDeps{
		Submissions: h.submissions,
		Assignments: h.assignments,
		Rubrics:     h.rubrics,
		Grades:      h.grades,
		Models:      h.models,
		Runner:      runner,
	}, GradingConfig{Blend: blend, BatchWorkers: 3}, zerolog.Nop())
}

func (h *harness) seedAssignment(t *testing.T, criteria ...models.Criterion) models.Assignment {
	t.Helper()
	ctx := context.Background()
	assignment := models.Assignment{Title: "Sales analysis", Language: "python"}
	require.NoError(t, h.assignments.Create(ctx, &assignment))
	if len(criteria) == 0 {
		criteria = []models.Criterion{
			{Name: "execution", Weight: 40},
			{Name: "errors", Weight: 30},
		}
	}
	require.NoError(t, h.rubrics.Upsert(ctx, &models.Rubric{AssignmentID: assignment.ID, Criteria: criteria}))
	return assignment
}

// seedSubmission stores three code cells, the first ok of which ran cleanly
// and the rest of which raised.
func (h *harness) seedSubmission(t *testing.T, assignmentID uint, student string, ok int) models.Submission {
	t.Helper()
	cells := []models.Cell{
		{Type: models.CellTypeNarrative, Source: "## Analysis\nWe look at monthly sales."},
		{Type: models.CellTypeCode, Source: "import pandas as pd\ndf = pd.read_csv('sales.csv')"},
		{Type: models.CellTypeCode, Source: "# totals\ntotal = df['amount'].sum()"},
		{Type: models.CellTypeCode, Source: "print(total / len(df))"},
	}
	outputs := make([]models.CellOutput, 3)
	for i := range outputs {
		if i < ok {
			outputs[i] = models.CellOutput{Success: true, Text: "ok\n"}
		} else {
			outputs[i] = models.CellOutput{Success: false, Error: "ZeroDivisionError: division by zero"}
		}
	}
	submission := models.Submission{
		AssignmentID: assignmentID,
		StudentID:    student,
		Language:     "python",
		Cells:        cells,
		Outputs:      outputs,
	}
	require.NoError(t, h.submissions.Create(context.Background(), &submission))
	return submission
}

func TestGradeSingleFailingCellIsRubricOnlyZero(t *testing.T) {
	h := newHarness(t, nil, scoring.BlendPolicy{Weight: 0.5, MinConfidence: 10}, 10)
	ctx := context.Background()
	assignment := h.seedAssignment(t, models.Criterion{Name: "execution", Weight: 40})

	submission := models.Submission{
		AssignmentID: assignment.ID,
		StudentID:    "s-1",
		Language:     "python",
		Cells:        []models.Cell{{Type: models.CellTypeCode, Source: "print(1 / 0)"}},
		Outputs:      []models.CellOutput{{Success: false, Error: "ZeroDivisionError: division by zero"}},
	}
	require.NoError(t, h.submissions.Create(ctx, &submission))

	score, err := h.grading.Grade(ctx, submission.ID)
	require.NoError(t, err)
	require.Equal(t, models.GradeStatusGraded, score.Status)
	require.Equal(t, models.ScoreSourceRubric, score.Source)
	require.Equal(t, 0.0, score.Total)
	require.Equal(t, 40.0, score.MaxPoints)
	require.Contains(t, score.Feedback[0], "ZeroDivisionError")

	record, err := h.grades.LatestBySubmission(ctx, submission.ID)
	require.NoError(t, err)
	require.Equal(t, features.Schema(0), record.FeatureSchema)
	require.Len(t, record.Features, features.BaseDimensions)
}

func TestGradeIdenticalToReferenceScoresFullMarks(t *testing.T) {
	h := newHarness(t, nil, scoring.BlendPolicy{Weight: 0.5, MinConfidence: 10}, 10)
	ctx := context.Background()

	reference := []models.Cell{
		{Type: models.CellTypeCode, Source: "import pandas as pd\ndf = pd.read_csv('sales.csv')"},
		{Type: models.CellTypeCode, Source: "df.groupby('region')['amount'].sum()"},
	}
	assignment := models.Assignment{Title: "Sales", Language: "python", ReferenceCells: reference}
	require.NoError(t, h.assignments.Create(ctx, &assignment))
	require.NoError(t, h.rubrics.Upsert(ctx, &models.Rubric{AssignmentID: assignment.ID, Criteria: []models.Criterion{
		{Name: "execution", Weight: 40},
		{Name: "similarity", Weight: 30},
	}}))

	submission := models.Submission{
		AssignmentID: assignment.ID,
		StudentID:    "s-2",
		Language:     "python",
		Cells:        reference,
		Outputs:      []models.CellOutput{{Success: true}, {Success: true, Text: "north 10\n"}},
	}
	require.NoError(t, h.submissions.Create(ctx, &submission))

	score, err := h.grading.Grade(ctx, submission.ID)
	require.NoError(t, err)
	require.Equal(t, 40.0, score.Allocations[0].Points)
	require.Equal(t, 30.0, score.Allocations[1].Points)
	require.Equal(t, 70.0, score.Total)
}

func TestGradeUnknownSubmission(t *testing.T) {
	h := newHarness(t, nil, scoring.BlendPolicy{}, 10)
	_, err := h.grading.Grade(context.Background(), 404)
	require.ErrorIs(t, err, ErrSubmissionNotFound)
}

func TestGradeWithoutRubric(t *testing.T) {
	h := newHarness(t, nil, scoring.BlendPolicy{}, 10)
	ctx := context.Background()
	assignment := models.Assignment{Title: "No rubric", Language: "python"}
	require.NoError(t, h.assignments.Create(ctx, &assignment))
	submission := h.seedSubmission(t, assignment.ID, "s-1", 3)

	_, err := h.grading.Grade(ctx, submission.ID)
	require.ErrorIs(t, err, ErrRubricNotFound)
}

func TestGradeAssignmentIsolatesFailures(t *testing.T) {
	h := newHarness(t, nil, scoring.BlendPolicy{}, 10)
	assignment := h.seedAssignment(t)
	good := h.seedSubmission(t, assignment.ID, "s-1", 3)
	bad := h.seedSubmission(t, assignment.ID, "s-2", 3)
	partial := h.seedSubmission(t, assignment.ID, "s-3", 1)

	runner := failingRunner{inner: sandbox.NewRecordedRunner(), fail: map[uint]bool{bad.ID: true}}
	grading := h.gradingWith(runner, scoring.BlendPolicy{})

	scores, err := grading.GradeAssignment(context.Background(), assignment.ID)
	require.NoError(t, err)
	require.Len(t, scores, 3)

	byID := map[uint]scoring.Score{}
	for _, score := range scores {
		byID[score.SubmissionID] = score
	}
	require.Equal(t, models.GradeStatusGraded, byID[good.ID].Status)
	require.Equal(t, 70.0, byID[good.ID].Total)

	require.Equal(t, models.GradeStatusUngradable, byID[bad.ID].Status)
	require.Equal(t, "ungradable: docker daemon unreachable", byID[bad.ID].Feedback[0])
	require.Equal(t, 0.0, byID[bad.ID].Total)
	require.Len(t, byID[bad.ID].Allocations, 2)

	require.Equal(t, models.GradeStatusGraded, byID[partial.ID].Status)
	require.Less(t, byID[partial.ID].Total, 70.0)

	record, err := h.grades.LatestBySubmission(context.Background(), bad.ID)
	require.NoError(t, err)
	require.Equal(t, models.GradeStatusUngradable, record.Status)
	require.Equal(t, "docker daemon unreachable", record.Reason)
}

func TestGradeAssignmentUnknown(t *testing.T) {
	h := newHarness(t, nil, scoring.BlendPolicy{}, 10)
	_, err := h.grading.GradeAssignment(context.Background(), 99)
	require.ErrorIs(t, err, ErrAssignmentNotFound)
}

func TestGradeIsDeterministic(t *testing.T) {
	h := newHarness(t, nil, scoring.BlendPolicy{}, 10)
	assignment := h.seedAssignment(t)
	submission := h.seedSubmission(t, assignment.ID, "s-1", 2)

	first, err := h.grading.Grade(context.Background(), submission.ID)
	require.NoError(t, err)
	second, err := h.grading.Grade(context.Background(), submission.ID)
	require.NoError(t, err)
	require.Equal(t, first, second)

	records := []models.GradeRecord{}
	require.NoError(t, h.db.Where("submission_id = ?", submission.ID).Order("id").Find(&records).Error)
	require.Len(t, records, 2)
	require.Equal(t, records[0].Features, records[1].Features)
}

func TestGradeFallsBackOnSchemaMismatch(t *testing.T) {
	h := newHarness(t, nil, scoring.BlendPolicy{Weight: 1, MinConfidence: 1}, 10)
	ctx := context.Background()
	assignment := h.seedAssignment(t)
	submission := h.seedSubmission(t, assignment.ID, "s-1", 3)

	foreign := features.Schema(3)
	examples := []learning.Example{
		{Vector: features.Vector{Schema: foreign, Values: make([]float64, features.BaseDimensions+3)}, Target: 10},
		{Vector: features.Vector{Schema: foreign, Values: make([]float64, features.BaseDimensions+3)}, Target: 20},
	}
	model, stats, err := learning.Fit(foreign, examples, 1, 70)
	require.NoError(t, err)
	params, err := model.Encode()
	require.NoError(t, err)
	trained := models.TrainedModel{AssignmentID: assignment.ID, Version: 1, Schema: foreign, Parameters: datatypes.JSON(params), CorpusSize: stats.CorpusSize}
	require.NoError(t, h.models.Write(ctx, &trained))
	require.NoError(t, h.models.Activate(ctx, assignment.ID, trained.ID))

	score, err := h.grading.Grade(ctx, submission.ID)
	require.NoError(t, err)
	require.Equal(t, models.ScoreSourceRubric, score.Source)
	require.Equal(t, 70.0, score.Total)
	require.Len(t, score.Warnings, 1)
	require.Contains(t, score.Warnings[0], "feature schema mismatch")
	require.Nil(t, score.LearnedTotal)
}

func TestGradeRejectsCorruptedModel(t *testing.T) {
	h := newHarness(t, nil, scoring.BlendPolicy{Weight: 0.5, MinConfidence: 1}, 10)
	ctx := context.Background()
	assignment := h.seedAssignment(t)
	submission := h.seedSubmission(t, assignment.ID, "s-1", 3)

	trained := models.TrainedModel{AssignmentID: assignment.ID, Version: 1, Schema: features.Schema(0), Parameters: datatypes.JSON(`{"coefficients": []}`), CorpusSize: 12}
	require.NoError(t, h.models.Write(ctx, &trained))
	require.NoError(t, h.models.Activate(ctx, assignment.ID, trained.ID))

	_, err := h.grading.Grade(ctx, submission.ID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "active model v1")
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]features.Extraction
	hits    int
}

func (c *memoryCache) Get(_ context.Context, key string) (features.Extraction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	extraction, ok := c.entries[key]
	if ok {
		c.hits++
	}
	return extraction, ok
}

func (c *memoryCache) Set(_ context.Context, key string, extraction features.Extraction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = extraction
}

type countingRunner struct {
	inner sandbox.Runner
	mu    sync.Mutex
	runs  int
}

func (r *countingRunner) Name() string { return r.inner.Name() }

func (r *countingRunner) Run(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	return r.inner.Run(ctx, req)
}

func TestGradeUsesFeatureCache(t *testing.T) {
	h := newHarness(t, nil, scoring.BlendPolicy{}, 10)
	assignment := h.seedAssignment(t)
	submission := h.seedSubmission(t, assignment.ID, "s-1", 2)

	runner := &countingRunner{inner: sandbox.NewRecordedRunner()}
	cache := &memoryCache{entries: map[string]features.Extraction{}}
	grading := NewGradingService(GradingDeps{
		Submissions: h.submissions,
		Assignments: h.assignments,
		Rubrics:     h.rubrics,
		Grades:      h.grades,
		Models:      h.models,
		Runner:      runner,
		Cache:       cache,
	}, GradingConfig{}, zerolog.Nop())

	first, err := grading.Grade(context.Background(), submission.ID)
	require.NoError(t, err)
	second, err := grading.Grade(context.Background(), submission.ID)
	require.NoError(t, err)

	require.Equal(t, first.Total, second.Total)
	require.Equal(t, 1, runner.runs)
	require.Equal(t, 1, cache.hits)
}

func TestGradeCacheSeparatesRecordedOutputs(t *testing.T) {
	h := newHarness(t, nil, scoring.BlendPolicy{}, 10)
	assignment := h.seedAssignment(t)
	clean := h.seedSubmission(t, assignment.ID, "s-1", 3)
	broken := h.seedSubmission(t, assignment.ID, "s-2", 0)
	require.Equal(t, clean.ContentHash, broken.ContentHash)

	runner := &countingRunner{inner: sandbox.NewRecordedRunner()}
	cache := &memoryCache{entries: map[string]features.Extraction{}}
	grading := NewGradingService(GradingDeps{
		Submissions: h.submissions,
		Assignments: h.assignments,
		Rubrics:     h.rubrics,
		Grades:      h.grades,
		Models:      h.models,
		Runner:      runner,
		Cache:       cache,
	}, GradingConfig{}, zerolog.Nop())

	cleanScore, err := grading.Grade(context.Background(), clean.ID)
	require.NoError(t, err)
	brokenScore, err := grading.Grade(context.Background(), broken.ID)
	require.NoError(t, err)

	require.Equal(t, 70.0, cleanScore.Total)
	require.Equal(t, 0.0, brokenScore.Total)
	require.Equal(t, 2, runner.runs)
	require.Zero(t, cache.hits)
}

type timingOutRunner struct{}

func (timingOutRunner) Name() string { return "container" }

func (timingOutRunner) Run(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
	cells := make([]sandbox.CellResult, len(models.CodeSources(req.Cells)))
	for i := range cells {
		cells[i] = sandbox.CellResult{Index: i}
	}
	cells[0].Executed = true
	cells[0].TimedOut = true
	cells[0].ErrorKind = sandbox.ErrorKindTimeout
	return sandbox.Result{Cells: cells, TimedOut: true}, nil
}

func TestGradeDoesNotCacheTimedOutRuns(t *testing.T) {
	h := newHarness(t, nil, scoring.BlendPolicy{}, 10)
	assignment := h.seedAssignment(t)
	submission := h.seedSubmission(t, assignment.ID, "s-1", 3)

	runner := &countingRunner{inner: timingOutRunner{}}
	cache := &memoryCache{entries: map[string]features.Extraction{}}
	grading := NewGradingService(GradingDeps{
		Submissions: h.submissions,
		Assignments: h.assignments,
		Rubrics:     h.rubrics,
		Grades:      h.grades,
		Models:      h.models,
		Runner:      runner,
		Cache:       cache,
	}, GradingConfig{}, zerolog.Nop())

	for i := 0; i < 2; i++ {
		_, err := grading.Grade(context.Background(), submission.ID)
		require.NoError(t, err)
	}
	require.Equal(t, 2, runner.runs)
	require.Empty(t, cache.entries)
}

func TestAssignmentPatternSlotsFixSchema(t *testing.T) {
	h := newHarness(t, nil, scoring.BlendPolicy{}, 10)
	ctx := context.Background()
	assignment := models.Assignment{Title: "Patterns", Language: "python", PatternSlots: 4}
	require.NoError(t, h.assignments.Create(ctx, &assignment))
	require.NoError(t, h.rubrics.Upsert(ctx, &models.Rubric{AssignmentID: assignment.ID, Criteria: []models.Criterion{
		{Name: "Uses pandas", Weight: 10, Kind: models.CriterionKindPatterns, Patterns: []string{"read_csv()", "sum()"}},
	}}))
	submission := h.seedSubmission(t, assignment.ID, "s-1", 3)

	require.Equal(t, "nbfeat/v1/p4", h.grading.Schema(assignment))
	extraction, err := h.grading.Extract(ctx, submission)
	require.NoError(t, err)
	require.Len(t, extraction.Vector.Values, features.BaseDimensions+4)

	score, err := h.grading.Grade(ctx, submission.ID)
	require.NoError(t, err)
	require.Equal(t, 10.0, score.Total)
}

func TestIngestAndGradeRoundTrip(t *testing.T) {
	h := newHarness(t, nil, scoring.BlendPolicy{}, 10)
	assignment := h.seedAssignment(t)
	ingest := NewSubmissionService(h.submissions, h.assignments, validator.New(), zerolog.Nop())

	body := []byte(`{
	  "nbformat": 4, "nbformat_minor": 5,
	  "metadata": {"kernelspec": {"language": "python", "name": "python3", "display_name": "Python 3"}},
	  "cells": [
	    {"cell_type": "markdown", "metadata": {}, "source": ["**Student Name:** Ada\n", "**Student ID:** 42"]},
	    {"cell_type": "code", "metadata": {}, "execution_count": 1, "source": "x = 1", "outputs": []},
	    {"cell_type": "code", "metadata": {}, "execution_count": 2, "source": "print(x)",
	     "outputs": [{"output_type": "stream", "name": "stdout", "text": ["1\n"]}]}
	  ]
	}`)

	response, err := ingest.Ingest(context.Background(), assignment.ID, body, dto.SubmissionIngestQuery{})
	require.NoError(t, err)
	require.Equal(t, "42", response.StudentID)
	require.Equal(t, "Ada", response.StudentName)
	require.Equal(t, 2, response.CodeCells)

	score, err := h.grading.Grade(context.Background(), response.ID)
	require.NoError(t, err)
	require.Equal(t, 70.0, score.Total)

	_, err = ingest.Ingest(context.Background(), 999, body, dto.SubmissionIngestQuery{})
	require.ErrorIs(t, err, ErrAssignmentNotFound)
}
