// Package pipeline streams tabular files through the scrubbing engine.
package pipeline

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/scrub"
)

// Pipeline reads records from an input file, scrubs them one at a time,
// and writes the results. Records are processed strictly in order; the
// engine's crosswalk grows as new persons and identifiers appear.
type Pipeline struct {
	scrubber *scrub.Scrubber
	config   *Config
	logger   *zap.Logger
	start    time.Time
}

// NewPipeline creates a new scrubbing pipeline
func NewPipeline(scrubber *scrub.Scrubber, config *Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		scrubber: scrubber,
		config:   config,
		logger:   logger,
	}
}

// ProcessFile scrubs every record in inputPath and writes the results to
// outputPath. Any parse failure aborts the run; threshold and anchor
// warnings are counted and logged but never stop processing.
func (p *Pipeline) ProcessFile(ctx context.Context, inputPath, outputPath string) (*ProcessingResult, error) {
	result := &ProcessingResult{}

	inFormat := p.inputFormat(inputPath)
	if inFormat == FormatUnknown {
		return result, fmt.Errorf("cannot determine input format for %s", inputPath)
	}

	outFormat := p.outputFormat(outputPath, inFormat)
	if outFormat == FormatUnknown {
		return result, fmt.Errorf("cannot determine output format for %s", outputPath)
	}
	if outFormat == FormatParquet {
		return result, fmt.Errorf("parquet output is not supported; choose csv, tsv, or jsonl")
	}

	result.InputFormat = inFormat
	result.OutputFormat = outFormat

	p.logger.Info("Starting scrub pipeline",
		zap.String("input", inputPath),
		zap.String("output", outputPath),
		zap.String("input_format", string(inFormat)),
		zap.String("output_format", string(outFormat)))

	reader, err := p.openReader(inputPath, inFormat)
	if err != nil {
		return result, err
	}
	defer reader.Close()

	writer, err := p.openWriter(outputPath, outFormat)
	if err != nil {
		return result, err
	}
	defer writer.Close()

	p.start = time.Now()
	p.scrubber.SetWarningHook(func(scrub.Warning) {
		result.Warnings++
	})
	defer p.scrubber.SetWarningHook(nil)

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return result, fmt.Errorf("record %d: %w", result.TotalRecords+1, err)
		}

		scrubbed, err := p.scrubber.Scrub(rec)
		if err != nil {
			return result, fmt.Errorf("record %d: %w", result.TotalRecords+1, err)
		}

		if err := writer.Write(scrubbed); err != nil {
			return result, fmt.Errorf("record %d: %w", result.TotalRecords+1, err)
		}

		result.TotalRecords++
		if p.config.ProgressEvery > 0 && result.TotalRecords%int64(p.config.ProgressEvery) == 0 {
			p.reportProgress(result)
		}
	}

	if err := writer.Close(); err != nil {
		return result, fmt.Errorf("failed to finalize output: %w", err)
	}

	result.Duration = time.Since(p.start)

	p.logger.Info("Scrub pipeline completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("warnings", result.Warnings),
		zap.Duration("duration", result.Duration))

	return result, nil
}

func (p *Pipeline) inputFormat(path string) FileFormat {
	if p.config.InputFormat != "" {
		return ParseFormat(p.config.InputFormat)
	}
	return DetectFileFormat(path)
}

func (p *Pipeline) outputFormat(path string, in FileFormat) FileFormat {
	if p.config.OutputFormat != "" {
		return ParseFormat(p.config.OutputFormat)
	}
	if f := DetectFileFormat(path); f != FormatUnknown {
		return f
	}
	if in == FormatParquet {
		return FormatJSONL
	}
	return in
}

func (p *Pipeline) openReader(path string, format FileFormat) (recordReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}

	switch format {
	case FormatCSV:
		return newDelimitedReader(file, ',')
	case FormatTSV:
		return newDelimitedReader(file, '\t')
	case FormatJSONL:
		return newJSONLReader(file), nil
	case FormatParquet:
		return newParquetReader(file)
	default:
		file.Close()
		return nil, fmt.Errorf("unsupported input format: %s", format)
	}
}

func (p *Pipeline) openWriter(path string, format FileFormat) (recordWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	switch format {
	case FormatCSV:
		return newDelimitedWriter(file, ','), nil
	case FormatTSV:
		return newDelimitedWriter(file, '\t'), nil
	case FormatJSONL:
		return newJSONLWriter(file), nil
	default:
		file.Close()
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// reportProgress reports current processing progress
func (p *Pipeline) reportProgress(result *ProcessingResult) {
	elapsed := time.Since(p.start)
	rate := float64(result.TotalRecords) / elapsed.Seconds()

	p.logger.Info("Processing progress",
		zap.Int64("records_processed", result.TotalRecords),
		zap.Int64("warnings", result.Warnings),
		zap.Float64("rate_per_sec", rate),
		zap.Duration("elapsed", elapsed))
}

// recordReader yields records until io.EOF.
type recordReader interface {
	Read() (*scrub.Record, error)
	Close() error
}

// recordWriter consumes scrubbed records.
type recordWriter interface {
	Write(rec *scrub.Record) error
	Close() error
}

// delimitedReader reads CSV or TSV files. The first row names the
// fields; empty cells become nil values.
type delimitedReader struct {
	file   *os.File
	reader *csv.Reader
	header []string
}

func newDelimitedReader(file *os.File, comma rune) (*delimitedReader, error) {
	reader := csv.NewReader(file)
	reader.Comma = comma

	header, err := reader.Read()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read header row: %w", err)
	}

	return &delimitedReader{file: file, reader: reader, header: header}, nil
}

func (r *delimitedReader) Read() (*scrub.Record, error) {
	row, err := r.reader.Read()
	if err != nil {
		return nil, err
	}

	rec := scrub.NewRecord()
	for i, field := range r.header {
		if row[i] == "" {
			rec.Set(field, nil)
		} else {
			rec.Set(field, row[i])
		}
	}
	return rec, nil
}

func (r *delimitedReader) Close() error {
	return r.file.Close()
}

// delimitedWriter writes CSV or TSV files. The header row is taken from
// the first record's field order.
type delimitedWriter struct {
	file        *os.File
	writer      *csv.Writer
	wroteHeader bool
	closed      bool
}

func newDelimitedWriter(file *os.File, comma rune) *delimitedWriter {
	writer := csv.NewWriter(file)
	writer.Comma = comma
	return &delimitedWriter{file: file, writer: writer}
}

func (w *delimitedWriter) Write(rec *scrub.Record) error {
	fields := rec.Fields()

	if !w.wroteHeader {
		if err := w.writer.Write(fields); err != nil {
			return fmt.Errorf("failed to write header row: %w", err)
		}
		w.wroteHeader = true
	}

	row := make([]string, len(fields))
	for i, field := range fields {
		row[i] = formatCell(rec.Value(field))
	}
	return w.writer.Write(row)
}

func (w *delimitedWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// jsonlReader reads one JSON object per line.
type jsonlReader struct {
	file    *os.File
	decoder *json.Decoder
}

func newJSONLReader(file *os.File) *jsonlReader {
	return &jsonlReader{file: file, decoder: json.NewDecoder(file)}
}

func (r *jsonlReader) Read() (*scrub.Record, error) {
	if !r.decoder.More() {
		return nil, io.EOF
	}

	rec := scrub.NewRecord()
	if err := r.decoder.Decode(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *jsonlReader) Close() error {
	return r.file.Close()
}

// jsonlWriter writes one JSON object per line, preserving field order.
type jsonlWriter struct {
	file   *os.File
	buf    *bufio.Writer
	closed bool
}

func newJSONLWriter(file *os.File) *jsonlWriter {
	return &jsonlWriter{file: file, buf: bufio.NewWriter(file)}
}

func (w *jsonlWriter) Write(rec *scrub.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := w.buf.Write(data); err != nil {
		return err
	}
	return w.buf.WriteByte('\n')
}

func (w *jsonlWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// formatCell renders a value for delimited output. nil renders as the
// empty cell, matching how delimited input is read.
func formatCell(v scrub.Value) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.Format("2006-01-02 15:04:05")
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
