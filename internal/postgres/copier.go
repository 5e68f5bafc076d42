// Package postgres copies tables through the scrubbing engine.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/scrub"
)

// Config contains database configuration
type Config struct {
	URL             string        `yaml:"url" mapstructure:"url"`
	SourceTable     string        `yaml:"source_table" mapstructure:"source_table"`
	DestTable       string        `yaml:"dest_table" mapstructure:"dest_table"`
	InsertBatch     int           `yaml:"insert_batch" mapstructure:"insert_batch"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// Copier streams rows from a source table through the scrubbing engine
// into a destination table. The destination schema must accept the
// transformed values; substitute labels in particular are text.
type Copier struct {
	db     *sqlx.DB
	config *Config
	logger *zap.Logger
}

// CopyResult contains the outcome of a table copy
type CopyResult struct {
	TotalRecords int64         `json:"total_records"`
	Warnings     int64         `json:"warnings"`
	Duration     time.Duration `json:"duration"`
}

var identifierRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

// NewCopier creates a new table copier and verifies the connection.
func NewCopier(config *Config, logger *zap.Logger) (*Copier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if !identifierRE.MatchString(config.SourceTable) {
		return nil, fmt.Errorf("invalid source table name: %q", config.SourceTable)
	}
	if !identifierRE.MatchString(config.DestTable) {
		return nil, fmt.Errorf("invalid destination table name: %q", config.DestTable)
	}

	db, err := sqlx.Connect("postgres", config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	logger.Info("Table copier connected",
		zap.String("database_url", maskDatabaseURL(config.URL)),
		zap.String("source_table", config.SourceTable),
		zap.String("dest_table", config.DestTable))

	return &Copier{
		db:     db,
		config: config,
		logger: logger,
	}, nil
}

// Copy streams every row of the source table through the scrubber and
// batch-inserts the results into the destination table.
func (c *Copier) Copy(ctx context.Context, scrubber *scrub.Scrubber) (*CopyResult, error) {
	start := time.Now()
	result := &CopyResult{}

	scrubber.SetWarningHook(func(scrub.Warning) {
		result.Warnings++
	})
	defer scrubber.SetWarningHook(nil)

	rows, err := c.db.QueryxContext(ctx, fmt.Sprintf("SELECT * FROM %s", c.config.SourceTable))
	if err != nil {
		return result, fmt.Errorf("failed to query source table: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return result, fmt.Errorf("failed to read source columns: %w", err)
	}

	batchSize := c.config.InsertBatch
	if batchSize <= 0 {
		batchSize = 500
	}
	batch := make([]*scrub.Record, 0, batchSize)

	for rows.Next() {
		row := make(map[string]interface{}, len(columns))
		if err := rows.MapScan(row); err != nil {
			return result, fmt.Errorf("row %d: %w", result.TotalRecords+1, err)
		}

		rec := scrub.NewRecord()
		for _, col := range columns {
			rec.Set(col, normalizeSQLValue(row[col]))
		}

		scrubbed, err := scrubber.Scrub(rec)
		if err != nil {
			return result, fmt.Errorf("row %d: %w", result.TotalRecords+1, err)
		}

		batch = append(batch, scrubbed)
		result.TotalRecords++

		if len(batch) >= batchSize {
			if err := c.insertBatch(ctx, columns, batch); err != nil {
				return result, err
			}
			batch = batch[:0]
		}
	}
	if err := rows.Err(); err != nil {
		return result, fmt.Errorf("source table read failed: %w", err)
	}

	if len(batch) > 0 {
		if err := c.insertBatch(ctx, columns, batch); err != nil {
			return result, err
		}
	}

	result.Duration = time.Since(start)

	c.logger.Info("Table copy completed",
		zap.String("source_table", c.config.SourceTable),
		zap.String("dest_table", c.config.DestTable),
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("warnings", result.Warnings),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// insertBatch writes one batch with a multi-row INSERT.
func (c *Copier) insertBatch(ctx context.Context, columns []string, batch []*scrub.Record) error {
	if len(batch) == 0 {
		return nil
	}

	valueStrings := make([]string, 0, len(batch))
	valueArgs := make([]interface{}, 0, len(batch)*len(columns))

	for i, rec := range batch {
		placeholders := make([]string, len(columns))
		for j, col := range columns {
			placeholders[j] = fmt.Sprintf("$%d", i*len(columns)+j+1)
			valueArgs = append(valueArgs, rec.Value(col))
		}
		valueStrings = append(valueStrings, "("+strings.Join(placeholders, ", ")+")")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		c.config.DestTable,
		strings.Join(columns, ", "),
		strings.Join(valueStrings, ","))

	if _, err := c.db.ExecContext(ctx, query, valueArgs...); err != nil {
		c.logger.Error("Batch insert failed",
			zap.Error(err),
			zap.Int("batch_size", len(batch)))
		return fmt.Errorf("batch insert failed: %w", err)
	}

	c.logger.Debug("Batch inserted", zap.Int("batch_size", len(batch)))
	return nil
}

// Close closes the database connection.
func (c *Copier) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// normalizeSQLValue converts driver types to the kinds the engine
// understands. lib/pq returns text columns as byte slices.
func normalizeSQLValue(v interface{}) scrub.Value {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// maskDatabaseURL masks the password in a database URL for logging
func maskDatabaseURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
