package models

import "strings"

// Cell types recognised in a submission.
const (
	CellTypeCode      = "code"
	CellTypeNarrative = "narrative"
)

// Cell is a single notebook cell in declaration order.
type Cell struct {
	Type   string `json:"type"`
	Source string `json:"source"`
}

// IsCode reports whether the cell holds executable code.
func (c Cell) IsCode() bool {
	return c.Type == CellTypeCode
}

// CellOutput is the execution output recorded in the notebook when it was submitted.
type CellOutput struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`
	Error   string `json:"error,omitempty"`
}

// CodeSources returns the source of every code cell, in order.
func CodeSources(cells []Cell) []string {
	sources := make([]string, 0, len(cells))
	for _, cell := range cells {
		if cell.IsCode() {
			sources = append(sources, cell.Source)
		}
	}
	return sources
}

// NarrativeText joins the narrative cells with blank lines.
func NarrativeText(cells []Cell) string {
	parts := make([]string, 0, len(cells))
	for _, cell := range cells {
		if cell.Type == CellTypeNarrative {
			parts = append(parts, cell.Source)
		}
	}
	return strings.Join(parts, "\n\n")
}
