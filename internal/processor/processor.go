package processor

import (
	"bufio"
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/coffersTech/logsieve/internal/analysis"
	"github.com/coffersTech/logsieve/internal/parser"
)

// maxLineBytes bounds a single log line. Longer lines are counted as
// skipped and the rest of the file is still processed.
const maxLineBytes = 1024 * 1024

// FileResult is the per-file outcome of one processing task.
// Immutable once returned.
type FileResult struct {
	Path         string
	TaskID       string
	Success      bool
	LinesRead    int64
	LinesSkipped int64
	Records      int64
	SizeBytes    int64
	Duration     time.Duration
	Reason       string
	TimedOut     bool
}

// Processor streams single files through the line parser and classifier.
type Processor struct {
	classifier     *analysis.Classifier
	collectRecords bool
	log            *zap.Logger
}

// New creates a Processor. When collectRecords is set (parse mode), every
// parsed record is retained and returned for per-file CSV export.
func New(classifier *analysis.Classifier, collectRecords bool, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		classifier:     classifier,
		collectRecords: collectRecords,
		log:            log,
	}
}

// TaskID derives the unique per-file key used for idempotent completion
// registration and collision-free output naming: a short blake2b digest of
// the absolute path.
func TaskID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	sum := blake2b.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:8])
}

// Process streams one file line-at-a-time, classifying each parsed record
// into a private accumulator. The accumulator and collected records are nil
// on failure; an I/O error isolates to this file only.
func (p *Processor) Process(ctx context.Context, path string) (FileResult, *analysis.Accumulator, []parser.Record) {
	start := time.Now()
	res := FileResult{Path: path, TaskID: TaskID(path)}

	f, err := os.Open(path)
	if err != nil {
		res.Reason = err.Error()
		res.Duration = time.Since(start)
		return res, nil, nil
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil {
		res.SizeBytes = fi.Size()
	}

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			res.Reason = "gzip: " + err.Error()
			res.Duration = time.Since(start)
			return res, nil, nil
		}
		defer gz.Close()
		r = gz
	}

	acc := analysis.NewAccumulator()
	var records []parser.Record

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			res.Reason = err.Error()
			res.Duration = time.Since(start)
			return res, nil, nil
		}

		line, tooLong, err := readLine(br)
		if err == io.EOF && len(line) == 0 && !tooLong {
			break
		}
		if err != nil && err != io.EOF {
			res.Reason = err.Error()
			res.Duration = time.Since(start)
			return res, nil, nil
		}
		res.LinesRead++

		if tooLong {
			res.LinesSkipped++
			p.log.Warn("line exceeds limit, skipped",
				zap.String("path", path), zap.Int64("line", res.LinesRead))
			continue
		}
		rec, ok := parser.ParseLine(string(line))
		if !ok {
			res.LinesSkipped++
			continue
		}
		res.Records++
		p.classifier.Observe(&rec, acc)
		if p.collectRecords {
			records = append(records, rec)
		}
	}

	res.Success = true
	res.Duration = time.Since(start)
	p.log.Debug("file processed",
		zap.String("path", path),
		zap.Int64("records", res.Records),
		zap.Int64("skipped", res.LinesSkipped),
		zap.Duration("took", res.Duration))
	return res, acc, records
}

// readLine reads one full line, joining fragments that exceed the reader's
// buffer. A line longer than maxLineBytes is drained to its end and reported
// as tooLong with no content.
func readLine(br *bufio.Reader) ([]byte, bool, error) {
	var line []byte
	var tooLong bool
	for {
		frag, isPrefix, err := br.ReadLine()
		if !tooLong {
			line = append(line, frag...)
			if len(line) > maxLineBytes {
				tooLong = true
				line = nil
			}
		}
		if err != nil {
			return line, tooLong, err
		}
		if !isPrefix {
			return line, tooLong, nil
		}
	}
}
