package pipeline

import (
	"path/filepath"
	"strings"
	"time"
)

// FileFormat represents a supported dataset file format
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatTSV     FileFormat = "tsv"
	FormatJSONL   FileFormat = "jsonl"
	FormatParquet FileFormat = "parquet"
	FormatUnknown FileFormat = "unknown"
)

// DetectFileFormat determines the file format from the file extension
func DetectFileFormat(filePath string) FileFormat {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".csv":
		return FormatCSV
	case ".tsv", ".tab":
		return FormatTSV
	case ".json", ".jsonl", ".ndjson":
		return FormatJSONL
	case ".parquet":
		return FormatParquet
	default:
		return FormatUnknown
	}
}

// ParseFormat maps a configuration string to a FileFormat.
func ParseFormat(s string) FileFormat {
	switch strings.ToLower(s) {
	case "csv":
		return FormatCSV
	case "tsv":
		return FormatTSV
	case "json", "jsonl", "ndjson":
		return FormatJSONL
	case "parquet":
		return FormatParquet
	default:
		return FormatUnknown
	}
}

// Config contains pipeline configuration
type Config struct {
	// InputFormat overrides extension-based detection when set.
	InputFormat string `yaml:"input_format" mapstructure:"input_format"`
	// OutputFormat selects the output encoding. Empty means match the
	// input, except parquet input which falls back to JSONL.
	OutputFormat string `yaml:"output_format" mapstructure:"output_format"`
	// ProgressEvery is the record interval between progress log lines.
	ProgressEvery int `yaml:"progress_every" mapstructure:"progress_every"`
}

// ProcessingResult contains the outcome of a file processing run
type ProcessingResult struct {
	TotalRecords int64         `json:"total_records"`
	Warnings     int64         `json:"warnings"`
	Duration     time.Duration `json:"duration"`
	InputFormat  FileFormat    `json:"input_format"`
	OutputFormat FileFormat    `json:"output_format"`
}
