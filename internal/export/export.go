package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/coffersTech/logsieve/internal/analysis"
	"github.com/coffersTech/logsieve/internal/parser"
	"github.com/coffersTech/logsieve/internal/processor"
	"github.com/coffersTech/logsieve/internal/scheduler"
)

const (
	stampLayout = "20060102_150405"
	timeLayout  = "2006-01-02 15:04:05"
)

// Exporter serializes run results into the output directory. It never
// mutates aggregation state; export failures are collected and reported
// while the remaining outputs are still attempted.
type Exporter struct {
	outDir    string
	threshold int
	topN      int
	log       *zap.Logger

	stamp string
}

// New creates an Exporter rooted at outDir. All output filenames of one run
// share a single timestamp taken at construction.
func New(outDir string, threshold, topN int, log *zap.Logger) *Exporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exporter{
		outDir:    outDir,
		threshold: threshold,
		topN:      topN,
		log:       log,
		stamp:     time.Now().Format(stampLayout),
	}
}

// WriteAnalysis writes the three aggregate CSVs and the summary report for
// suspicious-connection analysis mode. Each failed output is reported but
// does not prevent the remaining files from being written.
func (e *Exporter) WriteAnalysis(sum *scheduler.RunSummary) error {
	var errs *multierror.Error

	if err := e.writeFailedConnections(sum.Aggregates); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed connections: %w", err))
	}
	if err := e.writeUnusualIPs(sum.Aggregates); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("unusual IPs: %w", err))
	}
	if err := e.writeFrequency(sum.Aggregates); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("connection frequency: %w", err))
	}
	if err := e.writeSummary(sum, false); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("summary report: %w", err))
	}
	return errs.ErrorOrNil()
}

// WriteParseSummary writes the run summary report for parse-to-CSV mode.
// The per-file CSVs themselves are written through FileSink as each task
// completes.
func (e *Exporter) WriteParseSummary(sum *scheduler.RunSummary) error {
	if err := e.writeSummary(sum, true); err != nil {
		return fmt.Errorf("summary report: %w", err)
	}
	return nil
}

// FileSink returns the per-file CSV writer for parse mode. The scheduler
// invokes it once per successful file, on the collector goroutine. Stems
// shared by more than one input are disambiguated with the TaskID, decided
// up front from the input set so naming never depends on completion order.
func (e *Exporter) FileSink(files []string) scheduler.FileSink {
	counts := make(map[string]int, len(files))
	for _, path := range files {
		counts[stemOf(path)]++
	}

	return func(res processor.FileResult, records []parser.Record) error {
		if len(records) == 0 {
			e.log.Warn("file produced no parsed records; writing empty table",
				zap.String("path", res.Path))
		}
		return e.writeFileCSV(res, records, counts[stemOf(res.Path)] > 1)
	}
}

func (e *Exporter) writeFileCSV(res processor.FileResult, records []parser.Record, collides bool) error {
	columns := recordColumns(records)

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		row := make([]string, len(columns))
		for i, col := range columns {
			row[i] = rec.Fields[col]
		}
		rows = append(rows, row)
	}

	name := stemOf(res.Path) + "_parsed.csv"
	if collides {
		name = fmt.Sprintf("%s_%s_parsed.csv", stemOf(res.Path), res.TaskID)
	}
	return e.writeCSV(filepath.Join(e.outDir, name), columns, rows)
}

// stemOf strips the directory, a .gz suffix, and the final extension.
func stemOf(path string) string {
	stem := filepath.Base(path)
	stem = strings.TrimSuffix(stem, ".gz")
	if ext := filepath.Ext(stem); ext != "" {
		stem = strings.TrimSuffix(stem, ext)
	}
	return stem
}

func (e *Exporter) writeFailedConnections(acc *analysis.Accumulator) error {
	if len(acc.Failed) == 0 {
		e.log.Warn("no failed connections detected; writing empty table")
		return e.writeCSV(e.name("FailedConnections"),
			[]string{"RemoteIP", "DestPort", "Status", "Timestamp"}, nil)
	}

	// Sort for output determinism; merge order depends on task completion.
	failed := make([]analysis.FailedConnection, len(acc.Failed))
	copy(failed, acc.Failed)
	sort.Slice(failed, func(i, j int) bool {
		if failed[i].RemoteIP != failed[j].RemoteIP {
			return failed[i].RemoteIP < failed[j].RemoteIP
		}
		if failed[i].Timestamp != failed[j].Timestamp {
			return failed[i].Timestamp < failed[j].Timestamp
		}
		if failed[i].DestPort != failed[j].DestPort {
			return failed[i].DestPort < failed[j].DestPort
		}
		return failed[i].Occurrence < failed[j].Occurrence
	})

	captures := make([]map[string]string, 0, len(failed))
	for _, fc := range failed {
		captures = append(captures, fc.Fields)
	}
	columns := fieldColumns(captures)

	rows := make([][]string, 0, len(failed))
	for _, fc := range failed {
		rows = append(rows, fieldRow(columns, fc.Fields))
	}
	return e.writeCSV(e.name("FailedConnections"), columns, rows)
}

func (e *Exporter) writeUnusualIPs(acc *analysis.Accumulator) error {
	if len(acc.Unusual) == 0 {
		e.log.Warn("no unusual IPs detected; writing empty table")
		return e.writeCSV(e.name("UnusualIPs"),
			[]string{"RemoteIP", "Country"}, nil)
	}

	entries := make([]analysis.UnusualIP, 0, len(acc.Unusual))
	for _, u := range acc.Unusual {
		entries = append(entries, u)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].RemoteIP != entries[j].RemoteIP {
			return entries[i].RemoteIP < entries[j].RemoteIP
		}
		return entries[i].Country < entries[j].Country
	})

	captures := make([]map[string]string, 0, len(entries))
	for _, u := range entries {
		captures = append(captures, u.Fields)
	}
	columns := fieldColumns(captures)

	rows := make([][]string, 0, len(entries))
	for _, u := range entries {
		rows = append(rows, fieldRow(columns, u.Fields))
	}
	return e.writeCSV(e.name("UnusualIPs"), columns, rows)
}

func (e *Exporter) writeFrequency(acc *analysis.Accumulator) error {
	header := []string{"IPAddress", "TotalAttempts", "FirstSeen", "LastSeen",
		"UniquePortsAccessed", "RiskLevel"}

	if len(acc.Frequency) == 0 {
		e.log.Warn("no connection activity tracked; writing empty table")
		return e.writeCSV(e.name("ConnectionFrequency"), header, nil)
	}

	entries := make([]*analysis.FrequencyEntry, 0, len(acc.Frequency))
	for _, entry := range acc.Frequency {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].IP < entries[j].IP
	})

	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, []string{
			entry.IP,
			strconv.FormatInt(entry.Count, 10),
			formatSeen(entry.FirstSeen),
			formatSeen(entry.LastSeen),
			joinPorts(entry.Ports),
			string(analysis.RiskFor(entry.Count, e.threshold)),
		})
	}
	return e.writeCSV(e.name("ConnectionFrequency"), header, rows)
}

func (e *Exporter) writeSummary(sum *scheduler.RunSummary, parseMode bool) error {
	var b strings.Builder

	fmt.Fprintf(&b, "logsieve run summary\n")
	fmt.Fprintf(&b, "====================\n")
	fmt.Fprintf(&b, "Run ID:         %s\n", sum.RunID)
	fmt.Fprintf(&b, "Started:        %s\n", sum.StartedAt.Format(timeLayout))
	fmt.Fprintf(&b, "Finished:       %s\n", sum.FinishedAt.Format(timeLayout))
	fmt.Fprintf(&b, "Duration:       %s\n", sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(&b, "\n")
	fmt.Fprintf(&b, "Files total:    %d\n", len(sum.Files))
	fmt.Fprintf(&b, "  processed:    %d\n", sum.Processed)
	fmt.Fprintf(&b, "  failed:       %d (timeouts: %d)\n", sum.Failed, sum.TimedOut)
	fmt.Fprintf(&b, "Records:        %d\n", sum.Records)
	fmt.Fprintf(&b, "Lines skipped:  %d\n", sum.Skipped)
	fmt.Fprintf(&b, "Bytes read:     %d\n", sum.Bytes)

	if sum.Failed > 0 {
		// Completion order is scheduling-dependent; render by path.
		failures := make([]processor.FileResult, 0, sum.Failed)
		for _, fr := range sum.Files {
			if !fr.Success {
				failures = append(failures, fr)
			}
		}
		sort.Slice(failures, func(i, j int) bool {
			return failures[i].Path < failures[j].Path
		})

		fmt.Fprintf(&b, "\nFailures:\n")
		for _, fr := range failures {
			fmt.Fprintf(&b, "  %s: %s\n", fr.Path, fr.Reason)
		}
	}

	if parseMode {
		e.writeTopFiles(&b, sum)
	} else {
		fmt.Fprintf(&b, "\nAnalysis totals:\n")
		fmt.Fprintf(&b, "  failed connections: %d\n", len(sum.Aggregates.Failed))
		fmt.Fprintf(&b, "  unusual IPs:        %d\n", len(sum.Aggregates.Unusual))
		fmt.Fprintf(&b, "  tracked IPs:        %d\n", len(sum.Aggregates.Frequency))
		var high, medium int
		for _, entry := range sum.Aggregates.Frequency {
			switch analysis.RiskFor(entry.Count, e.threshold) {
			case analysis.RiskHigh:
				high++
			case analysis.RiskMedium:
				medium++
			}
		}
		fmt.Fprintf(&b, "  high risk:          %d\n", high)
		fmt.Fprintf(&b, "  medium risk:        %d\n", medium)
	}

	path := filepath.Join(e.outDir, fmt.Sprintf("SummaryReport_%s.txt", e.stamp))
	return writeAtomic(path, []byte(b.String()))
}

func (e *Exporter) writeTopFiles(b *strings.Builder, sum *scheduler.RunSummary) {
	ok := make([]processor.FileResult, 0, sum.Processed)
	for _, fr := range sum.Files {
		if fr.Success {
			ok = append(ok, fr)
		}
	}

	fmt.Fprintf(b, "\nTop %d files by size:\n", e.topN)
	sort.Slice(ok, func(i, j int) bool {
		if ok[i].SizeBytes != ok[j].SizeBytes {
			return ok[i].SizeBytes > ok[j].SizeBytes
		}
		return ok[i].Path < ok[j].Path
	})
	for i, fr := range ok {
		if i >= e.topN {
			break
		}
		fmt.Fprintf(b, "  %s: %d bytes\n", fr.Path, fr.SizeBytes)
	}

	fmt.Fprintf(b, "\nTop %d files by record count:\n", e.topN)
	sort.Slice(ok, func(i, j int) bool {
		if ok[i].Records != ok[j].Records {
			return ok[i].Records > ok[j].Records
		}
		return ok[i].Path < ok[j].Path
	})
	for i, fr := range ok {
		if i >= e.topN {
			break
		}
		fmt.Fprintf(b, "  %s: %d records\n", fr.Path, fr.Records)
	}
}

func (e *Exporter) name(prefix string) string {
	return filepath.Join(e.outDir, fmt.Sprintf("%s_%s.csv", prefix, e.stamp))
}

func (e *Exporter) writeCSV(path string, header []string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return writeAtomic(path, buf.Bytes())
}

// writeAtomic writes data through a temp file and rename, so a crash never
// leaves a half-written output file.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// recordColumns returns the sorted union of field names observed across a
// file's records.
func recordColumns(records []parser.Record) []string {
	set := make(map[string]struct{})
	for _, rec := range records {
		for name := range rec.Fields {
			set[name] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// fieldColumns returns the sorted union of captured field names.
func fieldColumns(captures []map[string]string) []string {
	set := make(map[string]struct{})
	for _, fields := range captures {
		for name := range fields {
			set[name] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func fieldRow(columns []string, fields map[string]string) []string {
	row := make([]string, len(columns))
	for i, col := range columns {
		row[i] = fields[col]
	}
	return row
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatSeen(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}

func joinPorts(ports map[string]struct{}) string {
	list := make([]string, 0, len(ports))
	for port := range ports {
		list = append(list, port)
	}
	sort.Slice(list, func(i, j int) bool {
		ni, erri := strconv.Atoi(list[i])
		nj, errj := strconv.Atoi(list[j])
		if erri == nil && errj == nil {
			return ni < nj
		}
		return list[i] < list[j]
	})
	return strings.Join(list, ",")
}
