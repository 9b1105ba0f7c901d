package scheduler

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coffersTech/logsieve/internal/analysis"
	"github.com/coffersTech/logsieve/internal/parser"
	"github.com/coffersTech/logsieve/internal/processor"
)

// ErrNoFiles is returned when Run is given an empty file set.
var ErrNoFiles = errors.New("no input files")

// reasonTimeout marks tasks that exceeded the per-task deadline.
const reasonTimeout = "timeout"

// FileProcessor is the unit of work dispatched per file.
type FileProcessor interface {
	Process(ctx context.Context, path string) (processor.FileResult, *analysis.Accumulator, []parser.Record)
}

// FileSink receives each successful task's records as the task completes.
// It is invoked on the collector goroutine only, one call per file, so
// implementations need no locking. Used by parse mode for per-file CSVs.
type FileSink func(res processor.FileResult, records []parser.Record) error

// Options configures a Scheduler. Zero values fall back to defaults.
type Options struct {
	MaxConcurrency int           // default: runtime.NumCPU()
	TaskTimeout    time.Duration // default: 30m
	Clock          clock.Clock   // default: real clock
	Logger         *zap.Logger
	Sink           FileSink
}

// Scheduler drives bounded-concurrency processing of a file set: one task
// per file, capped at MaxConcurrency in flight, each under a per-task
// timeout. Partial results merge into process-wide totals on a single
// collector goroutine, so the final summary does not depend on concurrency
// or scheduling order.
type Scheduler struct {
	proc  FileProcessor
	opts  Options
	clock clock.Clock
	log   *zap.Logger
}

// RunSummary is the aggregate outcome of a full run.
type RunSummary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	Files      []processor.FileResult
	Aggregates *analysis.Accumulator

	Processed int
	Failed    int
	TimedOut  int
	Records   int64
	Skipped   int64
	Bytes     int64
}

type taskResult struct {
	res     processor.FileResult
	acc     *analysis.Accumulator
	records []parser.Record
}

// New creates a Scheduler around a FileProcessor.
func New(proc FileProcessor, opts Options) *Scheduler {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = runtime.NumCPU()
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 30 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scheduler{
		proc:  proc,
		opts:  opts,
		clock: opts.Clock,
		log:   opts.Logger,
	}
}

// Run processes every file in the set and returns the merged summary.
// Individual file failures and timeouts never abort the run; they surface
// as failed FileResults in the summary.
func (s *Scheduler) Run(ctx context.Context, files []string) (*RunSummary, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	sum := &RunSummary{
		RunID:      uuid.NewString(),
		StartedAt:  time.Now(),
		Aggregates: analysis.NewAccumulator(),
	}

	jobs := make(chan string)
	results := make(chan taskResult, len(files))

	var wg sync.WaitGroup
	for i := 0; i < s.opts.MaxConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				results <- s.supervise(ctx, path)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, path := range files {
			select {
			case jobs <- path:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	// Single-writer collection: only this goroutine touches the merged
	// totals, so the Aggregator needs no locks.
	seen := make(map[string]struct{}, len(files))
	for tr := range results {
		s.register(sum, seen, tr)
	}

	// Reconciliation pass: a file whose result never made it through the
	// results channel (cancellation mid-dispatch, bookkeeping race) still
	// gets a failure record. Registration is keyed by TaskID, so re-adding
	// an already-recorded file is a no-op.
	for _, path := range files {
		id := processor.TaskID(path)
		if _, ok := seen[id]; ok {
			continue
		}
		s.register(sum, seen, taskResult{res: processor.FileResult{
			Path:   path,
			TaskID: id,
			Reason: "result lost before registration",
		}})
	}

	sum.FinishedAt = time.Now()
	return sum, nil
}

// supervise runs one task under the per-task deadline. The task goroutine
// is not required to cooperate: when the timer fires, its eventual result
// and accumulator are abandoned and the worker slot is reclaimed.
func (s *Scheduler) supervise(ctx context.Context, path string) taskResult {
	tctx, cancel := context.WithCancel(ctx)

	start := s.clock.Now()
	done := make(chan taskResult, 1)
	go func() {
		res, acc, records := s.proc.Process(tctx, path)
		done <- taskResult{res: res, acc: acc, records: records}
	}()

	timer := s.clock.Timer(s.opts.TaskTimeout)
	defer timer.Stop()

	select {
	case tr := <-done:
		cancel()
		return tr
	case <-timer.C:
		cancel()
		s.log.Warn("task timed out",
			zap.String("path", path),
			zap.Duration("timeout", s.opts.TaskTimeout))
		return taskResult{res: processor.FileResult{
			Path:     path,
			TaskID:   processor.TaskID(path),
			Duration: s.clock.Now().Sub(start),
			TimedOut: true,
			Reason:   reasonTimeout,
		}}
	}
}

// register folds one task result into the summary, exactly once per TaskID.
func (s *Scheduler) register(sum *RunSummary, seen map[string]struct{}, tr taskResult) {
	if _, dup := seen[tr.res.TaskID]; dup {
		s.log.Warn("duplicate completion ignored",
			zap.String("path", tr.res.Path),
			zap.String("task_id", tr.res.TaskID))
		return
	}
	seen[tr.res.TaskID] = struct{}{}

	sum.Files = append(sum.Files, tr.res)

	if !tr.res.Success {
		sum.Failed++
		if tr.res.TimedOut {
			sum.TimedOut++
		}
		return
	}

	// Totals reflect fully-completed tasks only.
	sum.Processed++
	sum.Records += tr.res.Records
	sum.Skipped += tr.res.LinesSkipped
	sum.Bytes += tr.res.SizeBytes
	if tr.acc != nil {
		analysis.Merge(sum.Aggregates, tr.acc)
	}
	if s.opts.Sink != nil {
		if err := s.opts.Sink(tr.res, tr.records); err != nil {
			s.log.Warn("per-file export failed",
				zap.String("path", tr.res.Path),
				zap.Error(err))
		}
	}
}
