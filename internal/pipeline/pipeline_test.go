package pipeline

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/scrub"
)

func testScrubber(t *testing.T, cfg *scrub.Config) *scrub.Scrubber {
	t.Helper()

	if cfg == nil {
		cfg = &scrub.Config{
			PersonIDKey: "person_id",
			Defaults: []scrub.MapRule{
				{Method: scrub.MethodRemapLabel, Fields: []string{"re:_id$"}},
				{Method: scrub.MethodRemapDate, Fields: []string{"re:_date$"}},
			},
			Seed: 1,
		}
	}

	s, err := scrub.New(cfg, nil)
	if err != nil {
		t.Fatalf("scrub.New: %v", err)
	}
	return s
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestDetectFileFormat(t *testing.T) {
	tests := []struct {
		path string
		want FileFormat
	}{
		{"data/person.csv", FormatCSV},
		{"person.tsv", FormatTSV},
		{"person.tab", FormatTSV},
		{"person.jsonl", FormatJSONL},
		{"person.ndjson", FormatJSONL},
		{"person.json", FormatJSONL},
		{"person.parquet", FormatParquet},
		{"person.txt", FormatUnknown},
		{"person", FormatUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := DetectFileFormat(tt.path); got != tt.want {
				t.Errorf("DetectFileFormat(%q) = %s, want %s", tt.path, got, tt.want)
			}
		})
	}
}

func TestProcessFileCSV(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "visits.csv")
	out := filepath.Join(dir, "scrubbed.csv")

	writeFile(t, in, strings.Join([]string{
		"person_id,visit_date,note",
		"1,2016-01-02,hello",
		"2,2016-03-04,",
		"1,2016-01-02,same person again",
		"",
	}, "\n"))

	p := NewPipeline(testScrubber(t, nil), &Config{}, nil)
	result, err := p.ProcessFile(context.Background(), in, out)
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}

	if result.TotalRecords != 3 {
		t.Errorf("TotalRecords = %d, want 3", result.TotalRecords)
	}
	if result.InputFormat != FormatCSV || result.OutputFormat != FormatCSV {
		t.Errorf("formats = %s/%s, want csv/csv", result.InputFormat, result.OutputFormat)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("opening output: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("output has %d rows, want header + 3", len(rows))
	}

	header := rows[0]
	if strings.Join(header, ",") != "person_id,visit_date,note" {
		t.Errorf("header = %v", header)
	}

	labelRE := regexp.MustCompile(`^person_id_\d+$`)
	dateRE := regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	originals := []string{"2016-01-02", "2016-03-04", "2016-01-02"}

	for i, row := range rows[1:] {
		if !labelRE.MatchString(row[0]) {
			t.Errorf("row %d person_id = %q, not a substitute label", i+1, row[0])
		}
		if !dateRE.MatchString(row[1]) {
			t.Errorf("row %d visit_date = %q, not a bare date", i+1, row[1])
		}
		if row[1] == originals[i] {
			t.Errorf("row %d visit_date unshifted: %q", i+1, row[1])
		}
	}

	// Same person, same input date: identical output both times.
	if rows[1][0] != rows[3][0] {
		t.Errorf("person 1 mapped inconsistently: %q vs %q", rows[1][0], rows[3][0])
	}
	if rows[1][1] != rows[3][1] {
		t.Errorf("person 1 date shifted inconsistently: %q vs %q", rows[1][1], rows[3][1])
	}

	// Distinct persons get distinct substitutes.
	if rows[1][0] == rows[2][0] {
		t.Errorf("persons 1 and 2 share substitute %q", rows[1][0])
	}

	// Empty cell stays empty, free text passes through.
	if rows[2][2] != "" {
		t.Errorf("empty note became %q", rows[2][2])
	}
	if rows[1][2] != "hello" {
		t.Errorf("note = %q, want hello", rows[1][2])
	}
}

func TestProcessFileJSONL(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "measurements.jsonl")
	out := filepath.Join(dir, "scrubbed.jsonl")

	writeFile(t, in, strings.Join([]string{
		`{"person_id":1,"value_as_number":3.5,"visit_date":"2016-01-02","flag":true,"comment":null}`,
		`{"person_id":1,"value_as_number":7,"visit_date":"2016-01-09","flag":false,"comment":"ok"}`,
		"",
	}, "\n"))

	p := NewPipeline(testScrubber(t, nil), &Config{}, nil)
	result, err := p.ProcessFile(context.Background(), in, out)
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if result.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", result.TotalRecords)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("output has %d lines, want 2", len(lines))
	}

	wantFields := []string{"person_id", "value_as_number", "visit_date", "flag", "comment"}
	for i, line := range lines {
		rec := scrub.NewRecord()
		if err := json.Unmarshal([]byte(line), rec); err != nil {
			t.Fatalf("line %d: %v", i+1, err)
		}

		fields := rec.Fields()
		if len(fields) != len(wantFields) {
			t.Fatalf("line %d has fields %v", i+1, fields)
		}
		for j := range wantFields {
			if fields[j] != wantFields[j] {
				t.Errorf("line %d field %d = %q, want %q", i+1, j, fields[j], wantFields[j])
			}
		}

		if _, ok := rec.Value("person_id").(string); !ok {
			t.Errorf("line %d person_id = %v, want substitute label", i+1, rec.Value("person_id"))
		}
	}

	// Numbers, booleans, and nulls pass through with their JSON types.
	first := scrub.NewRecord()
	if err := json.Unmarshal([]byte(lines[0]), first); err != nil {
		t.Fatal(err)
	}
	if v := first.Value("value_as_number"); v != 3.5 {
		t.Errorf("value_as_number = %#v, want 3.5", v)
	}
	if v := first.Value("flag"); v != true {
		t.Errorf("flag = %#v, want true", v)
	}
	if v := first.Value("comment"); v != nil {
		t.Errorf("comment = %#v, want nil", v)
	}

	second := scrub.NewRecord()
	if err := json.Unmarshal([]byte(lines[1]), second); err != nil {
		t.Fatal(err)
	}
	if v := second.Value("value_as_number"); v != int64(7) {
		t.Errorf("integral value_as_number = %#v, want int64(7)", v)
	}
}

func TestProcessFileTSVToJSONL(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "persons.tsv")
	out := filepath.Join(dir, "persons.jsonl")

	writeFile(t, in, "person_id\tvisit_date\n5\t2016-06-07\n")

	p := NewPipeline(testScrubber(t, nil), &Config{OutputFormat: "jsonl"}, nil)
	result, err := p.ProcessFile(context.Background(), in, out)
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if result.OutputFormat != FormatJSONL {
		t.Errorf("OutputFormat = %s, want jsonl", result.OutputFormat)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(data))
	if !strings.HasPrefix(line, `{"person_id":"person_id_`) {
		t.Errorf("output line = %s", line)
	}
}

func TestProcessFileCountsWarnings(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "visits.csv")
	out := filepath.Join(dir, "scrubbed.csv")

	writeFile(t, in, "person_id,visit_date\n1,1999-01-01\n")

	cfg := &scrub.Config{
		PersonIDKey: "person_id",
		Defaults: []scrub.MapRule{
			{Method: scrub.MethodRemapDate, Fields: []string{"re:_date$"}},
		},
		BeforeDateThreshold: "2015-01-01",
		AfterDateThreshold:  "2017-01-01",
		ThresholdAction:     scrub.ThresholdWarn,
		Seed:                1,
	}

	p := NewPipeline(testScrubber(t, cfg), &Config{}, nil)
	result, err := p.ProcessFile(context.Background(), in, out)
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if result.Warnings != 1 {
		t.Errorf("Warnings = %d, want 1", result.Warnings)
	}
	if result.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1", result.TotalRecords)
	}
}

func TestProcessFileParseFailureAborts(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name:    "ragged csv row",
			file:    "bad.csv",
			content: "a_id,b_date\n1,2016-01-02,extra\n",
		},
		{
			name:    "unparseable date",
			file:    "dates.csv",
			content: "person_id,visit_date\n1,not-a-date\n",
		},
		{
			name:    "malformed json",
			file:    "bad.jsonl",
			content: "{\"person_id\":1,\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := filepath.Join(dir, tt.file)
			out := filepath.Join(dir, "out_"+tt.file)
			writeFile(t, in, tt.content)

			p := NewPipeline(testScrubber(t, nil), &Config{}, nil)
			if _, err := p.ProcessFile(context.Background(), in, out); err == nil {
				t.Fatal("expected processing to abort")
			}
		})
	}
}

func TestProcessFileRejectsUnknownFormats(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "data.txt")
	writeFile(t, in, "whatever")

	p := NewPipeline(testScrubber(t, nil), &Config{}, nil)
	if _, err := p.ProcessFile(context.Background(), in, filepath.Join(dir, "out.csv")); err == nil {
		t.Fatal("expected unknown input format error")
	}

	// Parquet is read-only.
	p = NewPipeline(testScrubber(t, nil), &Config{InputFormat: "csv", OutputFormat: "parquet"}, nil)
	if _, err := p.ProcessFile(context.Background(), in, filepath.Join(dir, "out.parquet")); err == nil {
		t.Fatal("expected parquet output rejection")
	}
}
