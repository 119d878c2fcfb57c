// Package sandbox executes submission code cells in isolated, disposable containers.
package sandbox

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grader/internal/models"
	dockerexec "github.com/noah-isme/gema-grader/pkg/docker"
)

//go:embed harness.py
var harnessSource []byte

const (
	controlDir     = ".grader"
	cellsFile      = "cells.json"
	resultsFile    = "results.jsonl"
	harnessFile    = "harness.py"
	containerSlack = 15 * time.Second
)

// ErrUnsupportedLanguage indicates no sandbox image is configured for the language.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// ErrAborted indicates the run was cancelled before it could finish.
var ErrAborted = errors.New("sandbox run aborted")

// Runner executes the code cells of a submission.
type Runner interface {
	// Name identifies how results are produced. Results from different
	// runners are never interchangeable.
	Name() string
	Run(ctx context.Context, req Request) (Result, error)
}

// Request describes one sandbox run.
type Request struct {
	SubmissionID uint
	Language     string
	Cells        []models.Cell
	// Outputs recorded in the notebook at submission time.
	Outputs []models.CellOutput
}

// Config groups the sandbox knobs.
type Config struct {
	CellTimeout   time.Duration
	MemoryLimitMB int64
	CPUShares     int64
	WorkspaceRoot string
	Languages     map[string]Language
}

// Language maps a notebook language to the image that runs the harness.
type Language struct {
	Image   string
	Command []string
}

// DefaultLanguages returns the built-in language table.
func DefaultLanguages() map[string]Language {
	return map[string]Language{
		"python": {
			Image:   "python:3.11-slim",
			Command: []string{"python", "-u", controlDir + "/" + harnessFile},
		},
	}
}

// ContainerRunner runs cells through the harness inside a Docker container.
type ContainerRunner struct {
	executor dockerexec.Executor
	pool     *Pool
	cfg      Config
	tracer   trace.Tracer
	logger   zerolog.Logger
}

// NewContainerRunner constructs a runner that shares the given worker pool.
func NewContainerRunner(executor dockerexec.Executor, pool *Pool, cfg Config, logger zerolog.Logger) *ContainerRunner {
	if cfg.CellTimeout <= 0 {
		cfg.CellTimeout = 30 * time.Second
	}
	if cfg.Languages == nil {
		cfg.Languages = DefaultLanguages()
	}
	if pool == nil {
		pool = NewPool(1)
	}

	return &ContainerRunner{
		executor: executor,
		pool:     pool,
		cfg:      cfg,
		tracer:   otel.Tracer("github.com/noah-isme/gema-grader/internal/sandbox"),
		logger:   logger.With().Str("component", "sandbox_runner").Logger(),
	}
}

type cellSpec struct {
	TimeoutSeconds float64  `json:"timeout_seconds"`
	Cells          []string `json:"cells"`
}

type harnessResult struct {
	Index        int      `json:"index"`
	Executed     bool     `json:"executed"`
	TimedOut     bool     `json:"timed_out"`
	ErrorKind    string   `json:"error_kind"`
	ErrorMessage string   `json:"error_message"`
	ElapsedMs    int64    `json:"elapsed_ms"`
	Stdout       string   `json:"stdout"`
	Stderr       string   `json:"stderr"`
	Artifacts    []string `json:"artifacts"`
}

// Name reports that cells run in a container.
func (r *ContainerRunner) Name() string { return "container" }

// Run executes the code cells in declaration order. Student faults are reported
// in the result; only infrastructure problems are returned as errors.
func (r *ContainerRunner) Run(ctx context.Context, req Request) (Result, error) {
	language := strings.ToLower(strings.TrimSpace(req.Language))
	lang, ok := r.cfg.Languages[language]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, req.Language)
	}

	ctx, span := r.tracer.Start(ctx, "sandbox.run", trace.WithAttributes(
		attribute.Int64("submission.id", int64(req.SubmissionID)),
		attribute.String("sandbox.language", language),
	))
	defer span.End()

	release, err := r.pool.Acquire(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "pool acquire cancelled")
		return Result{}, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	defer release()

	sources := models.CodeSources(req.Cells)
	if len(sources) == 0 {
		return Result{}, nil
	}

	ws, err := AcquireWorkspace(r.cfg.WorkspaceRoot)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	defer func() {
		if err := ws.Release(); err != nil {
			r.logger.Warn().Err(err).Str("workspace", ws.Dir).Msg("failed to release sandbox workspace")
		}
	}()

	if err := r.prepare(ws, sources); err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	runID := uuid.NewString()
	exec, execErr := r.executor.Run(ctx, dockerexec.ExecutionRequest{
		Image:         lang.Image,
		Cmd:           lang.Command,
		Labels:        map[string]string{"gema.grader.run": runID, "gema.grader.submission": fmt.Sprint(req.SubmissionID)},
		Timeout:       r.cfg.CellTimeout*time.Duration(len(sources)) + containerSlack,
		Workspace:     ws.Dir,
		MemoryLimitMB: r.cfg.MemoryLimitMB,
		CPUShares:     r.cfg.CPUShares,
	})
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "container run failed")
		return Result{}, fmt.Errorf("sandbox execution: %w", execErr)
	}

	reported, err := readResults(ws.Path(controlDir, resultsFile))
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	if len(reported) == 0 && !exec.TimedOut && !exec.Cancelled && exec.ExitCode != 0 {
		err := fmt.Errorf("sandbox harness exited with code %d: %s", exec.ExitCode, strings.TrimSpace(exec.Stderr))
		span.RecordError(err)
		return Result{}, err
	}

	result := assemble(sources, reported, exec)
	r.logger.Debug().
		Uint("submission_id", req.SubmissionID).
		Str("run_id", runID).
		Int("cells", len(result.Cells)).
		Float64("success_ratio", result.SuccessRatio()).
		Bool("timed_out", result.TimedOut).
		Msg("sandbox run finished")

	if exec.Cancelled {
		span.SetStatus(codes.Error, "cancelled")
		return result, ErrAborted
	}
	return result, nil
}

func (r *ContainerRunner) prepare(ws *Workspace, sources []string) error {
	spec, err := json.Marshal(cellSpec{TimeoutSeconds: r.cfg.CellTimeout.Seconds(), Cells: sources})
	if err != nil {
		return fmt.Errorf("encode cells: %w", err)
	}
	if err := os.WriteFile(ws.Path(controlDir, cellsFile), spec, 0o644); err != nil {
		return fmt.Errorf("write cells: %w", err)
	}
	if err := os.WriteFile(ws.Path(controlDir, harnessFile), harnessSource, 0o644); err != nil {
		return fmt.Errorf("write harness: %w", err)
	}
	return nil
}

func readResults(path string) (map[int]harnessResult, error) {
	reported := map[int]harnessResult{}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return reported, nil
		}
		return nil, fmt.Errorf("open results: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var res harnessResult
		if err := json.Unmarshal([]byte(line), &res); err != nil {
			// a cell killed mid-write leaves a truncated last line
			break
		}
		reported[res.Index] = res
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	return reported, nil
}

// assemble produces one CellResult per code cell. After a timeout the first
// cell without a report is the one that was running; later cells never ran.
func assemble(sources []string, reported map[int]harnessResult, exec dockerexec.ExecutionResult) Result {
	result := Result{Cells: make([]CellResult, len(sources)), Duration: exec.Duration}
	stopped := false
	for i := range sources {
		cell := CellResult{Index: i}
		res, ok := reported[i]
		switch {
		case stopped:
		case ok:
			cell.Executed = res.Executed
			cell.Stdout = res.Stdout
			cell.Stderr = res.Stderr
			cell.ErrorKind = res.ErrorKind
			cell.ErrorMessage = res.ErrorMessage
			cell.TimedOut = res.TimedOut
			cell.Elapsed = time.Duration(res.ElapsedMs) * time.Millisecond
			cell.Artifacts = res.Artifacts
			if res.TimedOut {
				result.TimedOut = true
				stopped = true
			}
		case exec.TimedOut:
			cell.Executed = true
			cell.TimedOut = true
			cell.ErrorKind = ErrorKindTimeout
			cell.ErrorMessage = "sandbox deadline exceeded"
			result.TimedOut = true
			stopped = true
		case exec.Cancelled:
			cell.ErrorKind = ErrorKindAborted
			cell.ErrorMessage = "run cancelled"
			result.Aborted = true
			stopped = true
		default:
			cell.Executed = true
			cell.ErrorKind = ErrorKindCrashed
			cell.ErrorMessage = strings.TrimSpace(exec.Stderr)
			stopped = true
		}
		result.Cells[i] = cell
	}
	return result
}
