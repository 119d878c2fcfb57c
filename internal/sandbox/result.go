package sandbox

import "time"

// Error kinds produced by the sandbox itself rather than by student code.
const (
	ErrorKindTimeout = "TimeoutError"
	ErrorKindAborted = "Aborted"
	ErrorKindCrashed = "InterpreterCrash"
)

// CellResult is the outcome of one code cell.
type CellResult struct {
	Index        int           `json:"index"`
	Executed     bool          `json:"executed"`
	Stdout       string        `json:"stdout"`
	Stderr       string        `json:"stderr"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	TimedOut     bool          `json:"timed_out"`
	Elapsed      time.Duration `json:"elapsed"`
	Artifacts    []string      `json:"artifacts,omitempty"`
}

// Succeeded reports whether the cell ran to completion without raising.
func (c CellResult) Succeeded() bool {
	return c.Executed && !c.TimedOut && c.ErrorKind == ""
}

// Result is the outcome of running all code cells of a submission.
type Result struct {
	Cells    []CellResult  `json:"cells"`
	TimedOut bool          `json:"timed_out"`
	Aborted  bool          `json:"aborted"`
	Duration time.Duration `json:"duration"`
}

// Transient reports whether the outcome depended on host conditions rather
// than on the submission alone: a timeout or an aborted run.
func (r Result) Transient() bool {
	if r.TimedOut || r.Aborted {
		return true
	}
	for _, cell := range r.Cells {
		if cell.TimedOut || cell.ErrorKind == ErrorKindTimeout || cell.ErrorKind == ErrorKindAborted {
			return true
		}
	}
	return false
}

// SuccessRatio is the share of code cells that succeeded. A run without code
// cells has ratio 0.
func (r Result) SuccessRatio() float64 {
	if len(r.Cells) == 0 {
		return 0
	}
	return float64(r.SuccessCount()) / float64(len(r.Cells))
}

// SuccessCount returns the number of successful cells.
func (r Result) SuccessCount() int {
	count := 0
	for _, cell := range r.Cells {
		if cell.Succeeded() {
			count++
		}
	}
	return count
}

// ExecutedCount returns the number of cells that started executing.
func (r Result) ExecutedCount() int {
	count := 0
	for _, cell := range r.Cells {
		if cell.Executed {
			count++
		}
	}
	return count
}

// Artifacts lists every file produced by the run, in cell order.
func (r Result) Artifacts() []string {
	var artifacts []string
	for _, cell := range r.Cells {
		artifacts = append(artifacts, cell.Artifacts...)
	}
	return artifacts
}
