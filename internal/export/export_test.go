package export

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffersTech/logsieve/internal/analysis"
	"github.com/coffersTech/logsieve/internal/parser"
	"github.com/coffersTech/logsieve/internal/processor"
	"github.com/coffersTech/logsieve/internal/scheduler"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func findOutput(t *testing.T, dir, prefix string) string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), prefix) && !strings.HasSuffix(entry.Name(), ".tmp") {
			return filepath.Join(dir, entry.Name())
		}
	}
	t.Fatalf("no output with prefix %s in %s", prefix, dir)
	return ""
}

func sampleSummary() *scheduler.RunSummary {
	acc := analysis.NewAccumulator()
	acc.Failed = []analysis.FailedConnection{
		{
			RemoteIP: "5.6.7.8", DestPort: "22", Status: "failure",
			Timestamp: "2026-01-15 08:00:00",
			Fields: map[string]string{
				"remip": "5.6.7.8", "dstport": "22", "status": "failure",
			},
		},
		{
			RemoteIP: "1.2.3.4", DestPort: "443", Status: "deny",
			Timestamp: "2026-01-15 09:00:00", Occurrence: 1,
			Fields: map[string]string{
				"remip": "1.2.3.4", "dstport": "443", "action": "deny",
			},
		},
	}
	acc.Unusual[analysis.UnusualKey("5.6.7.8", "China")] = analysis.UnusualIP{
		RemoteIP: "5.6.7.8", Country: "China",
		Fields: map[string]string{"remip": "5.6.7.8", "srccountry": "China"},
	}
	acc.Frequency["5.6.7.8"] = &analysis.FrequencyEntry{
		IP: "5.6.7.8", Count: 25,
		FirstSeen: time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC),
		LastSeen:  time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC),
		Ports:     map[string]struct{}{"443": {}, "22": {}, "8080": {}},
	}
	acc.Frequency["1.2.3.4"] = &analysis.FrequencyEntry{
		IP: "1.2.3.4", Count: 12,
		Ports: map[string]struct{}{"443": {}},
	}
	acc.Frequency["9.9.9.9"] = &analysis.FrequencyEntry{
		IP: "9.9.9.9", Count: 3,
		Ports: map[string]struct{}{},
	}

	return &scheduler.RunSummary{
		RunID:      "test-run",
		StartedAt:  time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2026, 1, 15, 10, 0, 5, 0, time.UTC),
		Files: []processor.FileResult{
			{Path: "/in/a.log", TaskID: "t1", Success: true, Records: 100, SizeBytes: 2048},
			{Path: "/in/b.log", TaskID: "t2", Reason: "timeout", TimedOut: true},
		},
		Aggregates: acc,
		Processed:  1,
		Failed:     1,
		TimedOut:   1,
		Records:    100,
		Skipped:    3,
		Bytes:      2048,
	}
}

func TestWriteAnalysis(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, 10, 10, nil)
	require.NoError(t, e.WriteAnalysis(sampleSummary()))

	failed := readCSV(t, findOutput(t, dir, "FailedConnections_"))
	require.Len(t, failed, 3)
	assert.Equal(t, []string{"action", "dstport", "remip", "status"}, failed[0])
	// Rows sorted by remote IP for deterministic output.
	assert.Equal(t, []string{"deny", "443", "1.2.3.4", ""}, failed[1])
	assert.Equal(t, []string{"", "22", "5.6.7.8", "failure"}, failed[2])

	unusual := readCSV(t, findOutput(t, dir, "UnusualIPs_"))
	require.Len(t, unusual, 2)
	assert.Equal(t, []string{"remip", "srccountry"}, unusual[0])
	assert.Equal(t, []string{"5.6.7.8", "China"}, unusual[1])

	freq := readCSV(t, findOutput(t, dir, "ConnectionFrequency_"))
	require.Len(t, freq, 4)
	assert.Equal(t, []string{"IPAddress", "TotalAttempts", "FirstSeen", "LastSeen",
		"UniquePortsAccessed", "RiskLevel"}, freq[0])
	// Sorted by attempts, descending; ports joined in numeric order.
	assert.Equal(t, []string{"5.6.7.8", "25", "2026-01-15 08:00:00",
		"2026-01-15 09:30:00", "22,443,8080", "High"}, freq[1])
	assert.Equal(t, []string{"1.2.3.4", "12", "", "", "443", "Medium"}, freq[2])
	assert.Equal(t, []string{"9.9.9.9", "3", "", "", "", "Low"}, freq[3])

	report, err := os.ReadFile(findOutput(t, dir, "SummaryReport_"))
	require.NoError(t, err)
	text := string(report)
	assert.Contains(t, text, "Run ID:         test-run")
	assert.Contains(t, text, "processed:    1")
	assert.Contains(t, text, "/in/b.log: timeout")
	assert.Contains(t, text, "failed connections: 2")
	assert.Contains(t, text, "high risk:          1")
}

func TestWriteAnalysisEmptyCategories(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, 10, 10, nil)

	sum := &scheduler.RunSummary{
		Aggregates: analysis.NewAccumulator(),
		Files:      []processor.FileResult{{Path: "/in/a.log", TaskID: "t1", Success: true}},
		Processed:  1,
	}
	require.NoError(t, e.WriteAnalysis(sum))

	// Empty categories produce header-only tables, not absent files.
	failed := readCSV(t, findOutput(t, dir, "FailedConnections_"))
	require.Len(t, failed, 1)
	assert.Equal(t, []string{"RemoteIP", "DestPort", "Status", "Timestamp"}, failed[0])

	unusual := readCSV(t, findOutput(t, dir, "UnusualIPs_"))
	require.Len(t, unusual, 1)

	freq := readCSV(t, findOutput(t, dir, "ConnectionFrequency_"))
	require.Len(t, freq, 1)
}

func TestWriteAnalysisBestEffort(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, 10, 10, nil)

	// Occupy the failed-connections target with a directory so its rename
	// fails; the remaining outputs must still be written.
	require.NoError(t, os.Mkdir(e.name("FailedConnections"), 0o755))

	err := e.WriteAnalysis(sampleSummary())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed connections")

	findOutput(t, dir, "UnusualIPs_")
	findOutput(t, dir, "ConnectionFrequency_")
	findOutput(t, dir, "SummaryReport_")
}

func TestWriteAnalysisSortsFailures(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, 10, 10, nil)

	sum := &scheduler.RunSummary{
		Aggregates: analysis.NewAccumulator(),
		Files: []processor.FileResult{
			{Path: "/in/z.log", TaskID: "t1", Reason: "timeout", TimedOut: true},
			{Path: "/in/a.log", TaskID: "t2", Reason: "open failed"},
		},
		Failed:   2,
		TimedOut: 1,
	}
	require.NoError(t, e.WriteAnalysis(sum))

	report, err := os.ReadFile(findOutput(t, dir, "SummaryReport_"))
	require.NoError(t, err)
	text := string(report)
	require.Contains(t, text, "/in/a.log: open failed")
	require.Contains(t, text, "/in/z.log: timeout")
	assert.Less(t, strings.Index(text, "/in/a.log:"), strings.Index(text, "/in/z.log:"))
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, 10, 10, nil)
	sink := e.FileSink([]string{"/in/fw.log"})

	records := []parser.Record{
		{Fields: map[string]string{"remip": "1.1.1.1", "dstport": "22"}},
		{Fields: map[string]string{"remip": "2.2.2.2", "status": "failure"}},
	}
	res := processor.FileResult{Path: "/in/fw.log", TaskID: "abcd1234", Success: true}
	require.NoError(t, sink(res, records))

	rows := readCSV(t, filepath.Join(dir, "fw_parsed.csv"))
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"dstport", "remip", "status"}, rows[0])
	assert.Equal(t, []string{"22", "1.1.1.1", ""}, rows[1])
	assert.Equal(t, []string{"", "2.2.2.2", "failure"}, rows[2])
}

func TestFileSinkEmptyFile(t *testing.T) {
	dir := t.TempDir()
	sink := New(dir, 10, 10, nil).FileSink([]string{"/in/empty.log"})

	res := processor.FileResult{Path: "/in/empty.log", TaskID: "ff00", Success: true}
	require.NoError(t, sink(res, nil))

	rows := readCSV(t, filepath.Join(dir, "empty_parsed.csv"))
	require.Len(t, rows, 1) // header only, file exists
}

func TestFileSinkStemCollision(t *testing.T) {
	dir := t.TempDir()
	files := []string{"/in/a/fw.log", "/in/b/fw.log"}

	records := []parser.Record{{Fields: map[string]string{"k": "v"}}}

	// Output names depend only on the input set, not on completion order.
	for _, order := range [][]processor.FileResult{
		{{Path: "/in/a/fw.log", TaskID: "id1"}, {Path: "/in/b/fw.log", TaskID: "id2"}},
		{{Path: "/in/b/fw.log", TaskID: "id2"}, {Path: "/in/a/fw.log", TaskID: "id1"}},
	} {
		sub := filepath.Join(dir, order[0].TaskID)
		require.NoError(t, os.Mkdir(sub, 0o755))
		sink := New(sub, 10, 10, nil).FileSink(files)
		for _, res := range order {
			require.NoError(t, sink(res, records))
		}

		_, err := os.Stat(filepath.Join(sub, "fw_id1_parsed.csv"))
		require.NoError(t, err)
		_, err = os.Stat(filepath.Join(sub, "fw_id2_parsed.csv"))
		require.NoError(t, err)
	}
}

func TestWriteParseSummaryTopFiles(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, 10, 2, nil)

	sum := &scheduler.RunSummary{
		RunID:      "parse-run",
		Aggregates: analysis.NewAccumulator(),
		Files: []processor.FileResult{
			{Path: "/in/small.log", TaskID: "t1", Success: true, Records: 5, SizeBytes: 10},
			{Path: "/in/big.log", TaskID: "t2", Success: true, Records: 500, SizeBytes: 9000},
			{Path: "/in/mid.log", TaskID: "t3", Success: true, Records: 50, SizeBytes: 700},
		},
		Processed: 3,
		Records:   555,
	}
	require.NoError(t, e.WriteParseSummary(sum))

	report, err := os.ReadFile(findOutput(t, dir, "SummaryReport_"))
	require.NoError(t, err)
	text := string(report)

	assert.Contains(t, text, "Top 2 files by size:")
	assert.Contains(t, text, "/in/big.log: 9000 bytes")
	assert.Contains(t, text, "/in/mid.log: 700 bytes")
	assert.NotContains(t, text, "/in/small.log: 10 bytes")
	assert.Contains(t, text, "Top 2 files by record count:")
	assert.Contains(t, text, "/in/big.log: 500 records")
}

func TestWriteCSVAtomicNoTempLeftover(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, 10, 10, nil)
	require.NoError(t, e.WriteAnalysis(&scheduler.RunSummary{Aggregates: analysis.NewAccumulator()}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasSuffix(entry.Name(), ".tmp"), "leftover temp file %s", entry.Name())
	}
}
