package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/kmorand/drover/internal/data"
)

var (
	ErrMissingQuery  = errors.New("postgres URI requires a ?query= parameter")
	ErrNotSelect     = errors.New("only SELECT queries are allowed")
	ErrNoOutputTable = errors.New("no postgres output target configured")
)

// Postgres reads rows selected by the query embedded in the input URI
// (postgres://…?query=SELECT…) and writes results into a results table on the
// output connection. Connections are scoped to a single read or write.
type Postgres struct {
	connString string
	query      string
	output     string
	columns    []string
}

// NewPostgres parses the input URI, extracting and validating the query. The
// output may be another postgres URI; when empty, results are written back
// over the input connection.
func NewPostgres(inputURI, output string) (*Postgres, error) {
	parsed, err := url.Parse(inputURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres URI: %w", err)
	}

	values := parsed.Query()
	query := values.Get("query")
	if query == "" {
		return nil, ErrMissingQuery
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return nil, fmt.Errorf("%w: %q", ErrNotSelect, query)
	}

	// The query parameter is ours, not the driver's.
	values.Del("query")
	parsed.RawQuery = values.Encode()

	return &Postgres{
		connString: parsed.String(),
		query:      query,
		output:     output,
	}, nil
}

func (a *Postgres) ReadUnits(ctx context.Context) ([]data.Unit, error) {
	conn, err := pgx.Connect(ctx, a.connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, a.query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	a.columns = make([]string, len(fields))
	for i, f := range fields {
		a.columns[i] = f.Name
	}

	var units []data.Unit
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		unit := make(data.Unit, len(a.columns))
		for i, col := range a.columns {
			unit[col] = data.Stringify(values[i])
		}
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return units, nil
}

func (a *Postgres) WriteResults(ctx context.Context, results []data.Result) error {
	if len(results) == 0 {
		return nil
	}

	target := a.output
	if target == "" {
		target = a.connString
	}
	if !strings.HasPrefix(target, "postgres://") && !strings.HasPrefix(target, "postgresql://") {
		return fmt.Errorf("%w: %s", ErrNoOutputTable, target)
	}

	conn, err := pgx.Connect(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres output: %w", err)
	}
	defer conn.Close(ctx)

	columns := make([]string, 0, len(results[0]))
	for col := range results[0] {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	quoted := make([]string, len(columns))
	typed := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = pgx.Identifier{col}.Sanitize()
		typed[i] = quoted[i] + " TEXT"
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	createSQL := fmt.Sprintf("CREATE TABLE IF NOT EXISTS results (%s)", strings.Join(typed, ", "))
	if _, err := conn.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create results table: %w", err)
	}

	insertSQL := fmt.Sprintf("INSERT INTO results (%s) VALUES (%s)",
		strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	for _, result := range results {
		args := make([]any, len(columns))
		for i, col := range columns {
			args[i] = data.Stringify(result[col])
		}
		if _, err := conn.Exec(ctx, insertSQL, args...); err != nil {
			return fmt.Errorf("failed to insert result: %w", err)
		}
	}
	return nil
}

func (a *Postgres) Schema(ctx context.Context) (data.Schema, error) {
	return data.Schema{"type": "postgres", "query": a.query}, nil
}
