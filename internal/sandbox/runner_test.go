package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/models"
	dockerexec "github.com/noah-isme/gema-grader/pkg/docker"
)

type stubExecutor struct {
	mu       sync.Mutex
	requests []dockerexec.ExecutionRequest
	results  []harnessResult
	partial  string
	exec     dockerexec.ExecutionResult
	err      error
	block    chan struct{}
	active   int32
	peak     int32
}

func (s *stubExecutor) Run(ctx context.Context, req dockerexec.ExecutionRequest) (dockerexec.ExecutionResult, error) {
	current := atomic.AddInt32(&s.active, 1)
	defer atomic.AddInt32(&s.active, -1)
	for {
		peak := atomic.LoadInt32(&s.peak)
		if current <= peak || atomic.CompareAndSwapInt32(&s.peak, peak, current) {
			break
		}
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return dockerexec.ExecutionResult{Cancelled: true}, nil
		}
	}
	if s.err != nil {
		return dockerexec.ExecutionResult{}, s.err
	}

	var lines []string
	for _, res := range s.results {
		data, err := json.Marshal(res)
		if err != nil {
			return dockerexec.ExecutionResult{}, err
		}
		lines = append(lines, string(data))
	}
	if s.partial != "" {
		lines = append(lines, s.partial)
	}
	if len(lines) > 0 {
		path := filepath.Join(req.Workspace, controlDir, resultsFile)
		if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
			return dockerexec.ExecutionResult{}, err
		}
	}
	return s.exec, nil
}

func codeCells(sources ...string) []models.Cell {
	cells := make([]models.Cell, 0, len(sources)+1)
	cells = append(cells, models.Cell{Type: models.CellTypeNarrative, Source: "# Notes"})
	for _, src := range sources {
		cells = append(cells, models.Cell{Type: models.CellTypeCode, Source: src})
	}
	return cells
}

func newTestRunner(t *testing.T, exec dockerexec.Executor, pool *Pool) (*ContainerRunner, string) {
	t.Helper()
	root := t.TempDir()
	runner := NewContainerRunner(exec, pool, Config{
		CellTimeout:   2 * time.Second,
		WorkspaceRoot: root,
	}, zerolog.Nop())
	return runner, root
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "workspace should be released")
}

func TestRunExecutesCellsInOrder(t *testing.T) {
	exec := &stubExecutor{results: []harnessResult{
		{Index: 0, Executed: true, Stdout: "1\n", ElapsedMs: 12},
		{Index: 1, Executed: true, Stdout: "2\n", Artifacts: []string{"plot.png"}},
	}}
	runner, root := newTestRunner(t, exec, NewPool(2))

	result, err := runner.Run(context.Background(), Request{
		SubmissionID: 7,
		Language:     "Python",
		Cells:        codeCells("x = 1\nprint(x)", "print(x + 1)"),
	})
	require.NoError(t, err)
	require.Len(t, result.Cells, 2)
	require.True(t, result.Cells[0].Succeeded())
	require.Equal(t, 12*time.Millisecond, result.Cells[0].Elapsed)
	require.Equal(t, []string{"plot.png"}, result.Artifacts())
	require.Equal(t, 1.0, result.SuccessRatio())
	require.False(t, result.TimedOut)

	require.Len(t, exec.requests, 1)
	req := exec.requests[0]
	require.Equal(t, "python:3.11-slim", req.Image)
	require.Equal(t, "7", req.Labels["gema.grader.submission"])
	require.Equal(t, 2*2*time.Second+containerSlack, req.Timeout)
	require.False(t, req.AllowNetwork)

	requireEmptyDir(t, root)
}

func TestRunWritesCellsForHarness(t *testing.T) {
	var captured cellSpec
	exec := &inspectingExecutor{inspect: func(req dockerexec.ExecutionRequest) {
		data, err := os.ReadFile(filepath.Join(req.Workspace, controlDir, cellsFile))
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &captured))
		_, err = os.Stat(filepath.Join(req.Workspace, controlDir, harnessFile))
		require.NoError(t, err)
	}}
	runner, _ := newTestRunner(t, exec, nil)

	_, err := runner.Run(context.Background(), Request{Language: "python", Cells: codeCells("a = 1", "b = a")})
	require.NoError(t, err)
	require.Equal(t, []string{"a = 1", "b = a"}, captured.Cells)
	require.Equal(t, 2.0, captured.TimeoutSeconds)
}

type inspectingExecutor struct {
	inspect func(req dockerexec.ExecutionRequest)
}

func (e *inspectingExecutor) Run(_ context.Context, req dockerexec.ExecutionRequest) (dockerexec.ExecutionResult, error) {
	e.inspect(req)
	return dockerexec.ExecutionResult{}, nil
}

func TestRunReportsStudentErrorsAsData(t *testing.T) {
	exec := &stubExecutor{results: []harnessResult{
		{Index: 0, Executed: true, ErrorKind: "ZeroDivisionError", ErrorMessage: "division by zero"},
	}}
	runner, _ := newTestRunner(t, exec, nil)

	result, err := runner.Run(context.Background(), Request{Language: "python", Cells: codeCells("1/0")})
	require.NoError(t, err)
	require.Len(t, result.Cells, 1)
	require.False(t, result.Cells[0].Succeeded())
	require.Equal(t, "ZeroDivisionError", result.Cells[0].ErrorKind)
	require.Equal(t, 0.0, result.SuccessRatio())
}

func TestRunCellTimeoutAbortsRemainingCells(t *testing.T) {
	exec := &stubExecutor{results: []harnessResult{
		{Index: 0, Executed: true},
		{Index: 1, Executed: true, TimedOut: true, ErrorKind: ErrorKindTimeout},
	}}
	runner, root := newTestRunner(t, exec, nil)

	result, err := runner.Run(context.Background(), Request{
		Language: "python",
		Cells:    codeCells("a = 1", "while True: pass", "print(a)"),
	})
	require.NoError(t, err)
	require.True(t, result.TimedOut)
	require.True(t, result.Cells[1].TimedOut)
	require.False(t, result.Cells[2].Executed)
	require.Equal(t, 2, result.ExecutedCount())
	requireEmptyDir(t, root)
}

func TestRunContainerDeadlineMarksRunningCell(t *testing.T) {
	exec := &stubExecutor{
		results: []harnessResult{{Index: 0, Executed: true}},
		partial: `{"index": 1, "exec`,
		exec:    dockerexec.ExecutionResult{TimedOut: true},
	}
	runner, root := newTestRunner(t, exec, nil)

	result, err := runner.Run(context.Background(), Request{
		Language: "python",
		Cells:    codeCells("a = 1", "import time; time.sleep(999)", "print(a)"),
	})
	require.NoError(t, err)
	require.True(t, result.TimedOut)
	require.True(t, result.Cells[0].Succeeded())
	require.True(t, result.Cells[1].TimedOut)
	require.Equal(t, ErrorKindTimeout, result.Cells[1].ErrorKind)
	require.False(t, result.Cells[2].Executed)
	requireEmptyDir(t, root)
}

func TestRunCancellationReleasesWorkspace(t *testing.T) {
	exec := &stubExecutor{block: make(chan struct{})}
	runner, root := newTestRunner(t, exec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result, err := runner.Run(ctx, Request{Language: "python", Cells: codeCells("a = 1", "b = 2")})
	require.ErrorIs(t, err, ErrAborted)
	require.True(t, result.Aborted)
	require.Equal(t, ErrorKindAborted, result.Cells[0].ErrorKind)
	require.False(t, result.Cells[1].Executed)
	requireEmptyDir(t, root)
}

func TestRunHarnessCrashWithoutResultsIsAnError(t *testing.T) {
	exec := &stubExecutor{exec: dockerexec.ExecutionResult{ExitCode: 137, Stderr: "oom"}}
	runner, root := newTestRunner(t, exec, nil)

	_, err := runner.Run(context.Background(), Request{Language: "python", Cells: codeCells("a = 1")})
	require.Error(t, err)
	require.Contains(t, err.Error(), "137")
	requireEmptyDir(t, root)
}

func TestRunInfrastructureFailureIsReturned(t *testing.T) {
	exec := &stubExecutor{err: errors.New("docker daemon unavailable")}
	runner, root := newTestRunner(t, exec, nil)

	_, err := runner.Run(context.Background(), Request{Language: "python", Cells: codeCells("a = 1")})
	require.ErrorContains(t, err, "docker daemon unavailable")
	requireEmptyDir(t, root)
}

func TestRunRejectsUnsupportedLanguage(t *testing.T) {
	runner, _ := newTestRunner(t, &stubExecutor{}, nil)

	_, err := runner.Run(context.Background(), Request{Language: "cobol", Cells: codeCells("DISPLAY 'x'")})
	require.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestRunWithoutCodeCellsSkipsContainer(t *testing.T) {
	exec := &stubExecutor{}
	runner, _ := newTestRunner(t, exec, nil)

	result, err := runner.Run(context.Background(), Request{Language: "python", Cells: codeCells()})
	require.NoError(t, err)
	require.Empty(t, result.Cells)
	require.Empty(t, exec.requests)
	require.Equal(t, 0.0, result.SuccessRatio())
}

func TestPoolBoundsConcurrentRuns(t *testing.T) {
	exec := &stubExecutor{block: make(chan struct{}), results: []harnessResult{{Index: 0, Executed: true}}}
	runner, _ := newTestRunner(t, exec, NewPool(2))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = runner.Run(context.Background(), Request{Language: "python", Cells: codeCells("a = 1")})
		}()
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&exec.active) == 2 }, time.Second, 5*time.Millisecond)
	close(exec.block)
	wg.Wait()
	require.LessOrEqual(t, atomic.LoadInt32(&exec.peak), int32(2))
}

func TestPoolAcquireHonoursCancellation(t *testing.T) {
	pool := NewPool(1)
	release, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkspaceReleaseIsIdempotent(t *testing.T) {
	ws, err := AcquireWorkspace(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ws.Path("out.csv"), []byte("a,b"), 0o644))

	require.NoError(t, ws.Release())
	require.NoError(t, ws.Release())
	_, err = os.Stat(ws.Dir)
	require.True(t, os.IsNotExist(err))
}

func TestReplayOutputs(t *testing.T) {
	result := ReplayOutputs([]string{"a = 1", "1/0", "print(a)"}, []models.CellOutput{
		{Success: true, Text: "ok"},
		{Success: false, Error: "ZeroDivisionError: division by zero"},
	})
	require.Len(t, result.Cells, 3)
	require.True(t, result.Cells[0].Succeeded())
	require.Equal(t, "ZeroDivisionError", result.Cells[1].ErrorKind)
	require.Equal(t, "division by zero", result.Cells[1].ErrorMessage)
	require.False(t, result.Cells[2].Executed)
	require.InDelta(t, 1.0/3.0, result.SuccessRatio(), 1e-12)
}

func TestRecordedRunnerReplaysRequestOutputs(t *testing.T) {
	runner := NewRecordedRunner()
	result, err := runner.Run(context.Background(), Request{
		SubmissionID: 3,
		Language:     "python",
		Cells:        codeCells("a = 1"),
		Outputs:      []models.CellOutput{{Success: true}},
	})
	require.NoError(t, err)
	require.Equal(t, 1.0, result.SuccessRatio())
}

func TestResultTransient(t *testing.T) {
	require.False(t, ReplayOutputs([]string{"1/0"}, []models.CellOutput{{Error: "ZeroDivisionError: division by zero"}}).Transient())
	require.True(t, Result{TimedOut: true}.Transient())
	require.True(t, Result{Cells: []CellResult{{Executed: true, ErrorKind: ErrorKindAborted}}}.Transient())
	require.True(t, Result{Cells: []CellResult{{Executed: true, TimedOut: true}}}.Transient())
	require.Equal(t, "recorded", NewRecordedRunner().Name())
}
