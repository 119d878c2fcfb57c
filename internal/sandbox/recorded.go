package sandbox

import (
	"context"
	"strings"

	"github.com/noah-isme/gema-grader/internal/models"
)

// RecordedRunner replays the outputs stored in the notebook instead of running
// code. It serves hosts without a container runtime.
type RecordedRunner struct{}

// NewRecordedRunner constructs a replaying runner.
func NewRecordedRunner() *RecordedRunner {
	return &RecordedRunner{}
}

// Name reports that results are replayed from the notebook.
func (r *RecordedRunner) Name() string { return "recorded" }

// Run converts recorded outputs into cell results. Code cells without a
// recorded output count as not executed.
func (r *RecordedRunner) Run(ctx context.Context, req Request) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, ErrAborted
	}
	return ReplayOutputs(models.CodeSources(req.Cells), req.Outputs), nil
}

// ReplayOutputs builds a Result from outputs recorded at submission time.
func ReplayOutputs(sources []string, outputs []models.CellOutput) Result {
	result := Result{Cells: make([]CellResult, len(sources))}
	for i := range sources {
		cell := CellResult{Index: i}
		if i < len(outputs) {
			out := outputs[i]
			cell.Executed = true
			cell.Stdout = out.Text
			if !out.Success {
				cell.ErrorKind, cell.ErrorMessage = splitRecordedError(out.Error)
			}
		}
		result.Cells[i] = cell
	}
	return result
}

func splitRecordedError(recorded string) (string, string) {
	recorded = strings.TrimSpace(recorded)
	if recorded == "" {
		return "Error", ""
	}
	kind, message, found := strings.Cut(recorded, ":")
	if !found {
		return recorded, ""
	}
	return strings.TrimSpace(kind), strings.TrimSpace(message)
}
