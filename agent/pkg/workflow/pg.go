package workflow

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchemaFetcher builds the schema snapshot from the database's own
// catalog, limited to ordinary tables in the public schema.
type PostgresSchemaFetcher struct {
	pool *pgxpool.Pool
}

// NewPostgresSchemaFetcher creates a fetcher on the given pool.
func NewPostgresSchemaFetcher(pool *pgxpool.Pool) (*PostgresSchemaFetcher, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}
	return &PostgresSchemaFetcher{pool: pool}, nil
}

func (f *PostgresSchemaFetcher) FetchSchema(ctx context.Context) (*Schema, error) {
	rows, err := f.pool.Query(ctx, `
		SELECT c.table_name, c.column_name, c.data_type
		FROM information_schema.columns c
		JOIN information_schema.tables t
		  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
		WHERE c.table_schema = 'public' AND t.table_type = 'BASE TABLE'
		ORDER BY c.table_name, c.ordinal_position
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schema: %w", err)
	}
	defer rows.Close()

	schema := &Schema{}
	var current *Table
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return nil, fmt.Errorf("failed to scan schema row: %w", err)
		}
		if current == nil || current.Name != table {
			schema.Tables = append(schema.Tables, Table{Name: table})
			current = &schema.Tables[len(schema.Tables)-1]
		}
		current.Columns = append(current.Columns, Column{Name: column, Type: dataType})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read schema rows: %w", err)
	}
	if len(schema.Tables) == 0 {
		return nil, fmt.Errorf("no tables found in public schema")
	}
	return schema, nil
}

// PostgresQueryEngine executes approved queries against the operations
// database. It caps the number of returned rows; read-only enforcement at
// the database role level is expected as defense in depth.
type PostgresQueryEngine struct {
	pool    *pgxpool.Pool
	maxRows int
}

// NewPostgresQueryEngine creates an engine returning at most maxRows rows.
func NewPostgresQueryEngine(pool *pgxpool.Pool, maxRows int) (*PostgresQueryEngine, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}
	if maxRows <= 0 {
		maxRows = 100
	}
	return &PostgresQueryEngine{pool: pool, maxRows: maxRows}, nil
}

func (e *PostgresQueryEngine) Execute(ctx context.Context, sql string) (*QueryResult, error) {
	sql = strings.TrimSuffix(strings.TrimSpace(sql), ";")

	rows, err := e.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	result := &QueryResult{SQL: sql, Columns: columns}
	for rows.Next() {
		if len(result.Rows) >= e.maxRows {
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = sanitizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	result.Count = len(result.Rows)
	return result, nil
}

// sanitizeValue replaces values JSON cannot encode.
func sanitizeValue(v any) any {
	switch f := v.(type) {
	case float64:
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
	case float32:
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return nil
		}
	}
	return v
}
