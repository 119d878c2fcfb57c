// Package notebook turns nbformat v4 documents into grader submissions.
package notebook

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/gema-grader/internal/models"
)

//go:embed nbformat.schema.json
var schemaSource string

const schemaURL = "https://schemas.gema.dev/nbformat.v4.json"

// ErrNotJSON indicates the uploaded body is not a JSON document.
var ErrNotJSON = errors.New("notebook must be a JSON document")

// ErrInvalidNotebook indicates the document does not follow nbformat v4.
var ErrInvalidNotebook = errors.New("invalid notebook")

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

// Notebook is the parsed, grader-relevant view of an nbformat document.
type Notebook struct {
	Language string
	Cells    []models.Cell
	Outputs  []models.CellOutput
	Student  StudentInfo
}

// StudentInfo holds identity details found in the notebook header cells.
type StudentInfo struct {
	Name string
	ID   string
}

type rawNotebook struct {
	Metadata struct {
		Kernelspec struct {
			Language string `json:"language"`
		} `json:"kernelspec"`
		LanguageInfo struct {
			Name string `json:"name"`
		} `json:"language_info"`
	} `json:"metadata"`
	Cells []rawCell `json:"cells"`
}

type rawCell struct {
	CellType string          `json:"cell_type"`
	Source   multiline       `json:"source"`
	Outputs  []rawCellOutput `json:"outputs"`
}

type rawCellOutput struct {
	OutputType string                     `json:"output_type"`
	Name       string                     `json:"name"`
	Text       multiline                  `json:"text"`
	Data       map[string]json.RawMessage `json:"data"`
	EName      string                     `json:"ename"`
	EValue     string                     `json:"evalue"`
}

// multiline accepts both forms nbformat allows for text: a string or a list of lines.
type multiline string

func (m *multiline) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*m = multiline(single)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return err
	}
	*m = multiline(strings.Join(lines, ""))
	return nil
}

// Parse validates and converts an nbformat v4 document.
func Parse(data []byte) (Notebook, error) {
	if err := checkJSON(data); err != nil {
		return Notebook{}, err
	}

	schema, err := notebookSchema()
	if err != nil {
		return Notebook{}, err
	}

	var document interface{}
	if err := json.Unmarshal(data, &document); err != nil {
		return Notebook{}, fmt.Errorf("%w: %v", ErrInvalidNotebook, err)
	}
	if err := schema.Validate(document); err != nil {
		return Notebook{}, fmt.Errorf("%w: %v", ErrInvalidNotebook, err)
	}

	var raw rawNotebook
	if err := json.Unmarshal(data, &raw); err != nil {
		return Notebook{}, fmt.Errorf("%w: %v", ErrInvalidNotebook, err)
	}

	nb := Notebook{Language: detectLanguage(raw)}
	for _, cell := range raw.Cells {
		switch cell.CellType {
		case "code":
			nb.Cells = append(nb.Cells, models.Cell{Type: models.CellTypeCode, Source: string(cell.Source)})
			nb.Outputs = append(nb.Outputs, convertOutputs(cell.Outputs))
		case "markdown":
			nb.Cells = append(nb.Cells, models.Cell{Type: models.CellTypeNarrative, Source: string(cell.Source)})
		}
	}
	nb.Student = ExtractStudentInfo(nb.Cells)

	return nb, nil
}

func checkJSON(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return ErrNotJSON
	}
	detected := mimetype.Detect(data)
	for mime := detected; mime != nil; mime = mime.Parent() {
		if mime.Is("application/json") {
			return nil
		}
	}
	// detection only inspects a prefix of the body; large notebooks fall through here
	if json.Valid(data) {
		return nil
	}
	return fmt.Errorf("%w: detected %s", ErrNotJSON, detected.String())
}

func notebookSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, strings.NewReader(schemaSource)); err != nil {
			compileErr = fmt.Errorf("load notebook schema: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile(schemaURL)
	})
	return compiled, compileErr
}

func detectLanguage(raw rawNotebook) string {
	language := raw.Metadata.LanguageInfo.Name
	if language == "" {
		language = raw.Metadata.Kernelspec.Language
	}
	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		return "python"
	}
	return language
}

func convertOutputs(outputs []rawCellOutput) models.CellOutput {
	result := models.CellOutput{Success: true}
	var text strings.Builder
	for _, output := range outputs {
		switch output.OutputType {
		case "stream":
			text.WriteString(string(output.Text))
		case "execute_result", "display_data":
			if plain, ok := output.Data["text/plain"]; ok {
				var value multiline
				if err := json.Unmarshal(plain, &value); err == nil {
					text.WriteString(string(value))
					text.WriteString("\n")
				}
			}
		case "error":
			result.Success = false
			result.Error = strings.TrimSpace(output.EName + ": " + output.EValue)
		}
	}
	result.Text = text.String()
	return result
}

var (
	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\*\*student name:\*\*\s*\[?([^\]\n]+)\]?`),
		regexp.MustCompile(`(?i)student name:\s*\[?([^\]\n]+)\]?`),
		regexp.MustCompile(`(?i)\*\*name:\*\*\s*\[?([^\]\n]+)\]?`),
		regexp.MustCompile(`(?i)(?:^|\n)\s*name:\s*\[?([^\]\n]+)\]?`),
	}
	idPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\*\*student id:\*\*\s*\[?([^\]\n]+)\]?`),
		regexp.MustCompile(`(?i)student id:\s*\[?([^\]\n]+)\]?`),
	}
	placeholderIdentity = map[string]struct{}{
		"your name here": {}, "name": {}, "student name": {}, "unknown": {},
		"your id here": {}, "id": {}, "student id": {},
	}
)

// ExtractStudentInfo scans the first narrative cells for a name and student id header.
func ExtractStudentInfo(cells []models.Cell) StudentInfo {
	info := StudentInfo{}
	limit := len(cells)
	if limit > 5 {
		limit = 5
	}
	for _, cell := range cells[:limit] {
		if cell.Type != models.CellTypeNarrative {
			continue
		}
		if info.Name == "" {
			info.Name = firstMatch(namePatterns, cell.Source)
		}
		if info.ID == "" {
			info.ID = firstMatch(idPatterns, cell.Source)
		}
	}
	return info
}

func firstMatch(patterns []*regexp.Regexp, content string) string {
	for _, pattern := range patterns {
		match := pattern.FindStringSubmatch(content)
		if match == nil {
			continue
		}
		value := strings.Trim(strings.TrimSpace(match[1]), "*[] ")
		if _, placeholder := placeholderIdentity[strings.ToLower(value)]; placeholder || value == "" {
			continue
		}
		return value
	}
	return ""
}
