package infra

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// SQLExecutor is what repositories run their marker-tagged queries through.
type SQLExecutor interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
}

// Querier is the subset of *pgxpool.Pool the runner drives.
type Querier interface {
	SQLExecutor
	Ping(ctx context.Context) error
}

var markerRegexp = regexp.MustCompile(`^--sql ([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})$`)

// ErrMissingMarker is returned for queries that lack a `--sql <uuid>` audit marker.
var ErrMissingMarker = errors.New("sql marker missing or invalid")

// QueryObserver is told how every statement went. err is nil for a
// QueryRow that matched no rows.
type QueryObserver func(marker, op string, took time.Duration, err error)

// SQLRunner refuses untagged statements and reports each one under its
// marker, so logs and metrics never carry raw SQL.
type SQLRunner struct {
	db      Querier
	logger  zerolog.Logger
	observe QueryObserver
	slow    time.Duration
	now     func() time.Time
}

type SQLRunnerOption func(*SQLRunner)

// WithQueryObserver installs a per-statement hook.
func WithQueryObserver(o QueryObserver) SQLRunnerOption {
	return func(r *SQLRunner) { r.observe = o }
}

// WithSlowQueryThreshold logs statements slower than d at warn level.
func WithSlowQueryThreshold(d time.Duration) SQLRunnerOption {
	return func(r *SQLRunner) { r.slow = d }
}

func NewSQLRunner(db Querier, logger zerolog.Logger, opts ...SQLRunnerOption) *SQLRunner {
	r := &SQLRunner{db: db, logger: logger, slow: 250 * time.Millisecond, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type statement struct {
	marker string
	body   string
}

func parseStatement(query string) (statement, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return statement{}, errors.New("empty query")
	}
	first, rest, _ := strings.Cut(trimmed, "\n")
	m := markerRegexp.FindStringSubmatch(strings.TrimSpace(first))
	if m == nil {
		return statement{}, ErrMissingMarker
	}
	return statement{marker: m[1], body: strings.TrimSpace(rest)}, nil
}

func (r *SQLRunner) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	st, err := parseStatement(query)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	start := r.now()
	tag, err := r.db.Exec(ctx, st.body, args...)
	r.finish(st.marker, "exec", start, err)
	return tag, err
}

func (r *SQLRunner) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	st, err := parseStatement(query)
	if err != nil {
		return errorRow{err: err}
	}
	return &observedRow{row: r.db.QueryRow(ctx, st.body, args...), runner: r, marker: st.marker, start: r.now()}
}

func (r *SQLRunner) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	st, err := parseStatement(query)
	if err != nil {
		return nil, err
	}
	start := r.now()
	rows, err := r.db.Query(ctx, st.body, args...)
	if err != nil {
		r.finish(st.marker, "query", start, err)
		return nil, err
	}
	return &observedRows{Rows: rows, runner: r, marker: st.marker, start: start}, nil
}

// Ping checks that the database is reachable.
func (r *SQLRunner) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *SQLRunner) finish(marker, op string, start time.Time, err error) {
	took := r.now().Sub(start)
	if r.observe != nil {
		r.observe(marker, op, took, err)
	}
	switch {
	case err != nil:
		r.logger.Error().Err(err).Str("sql", marker).Str("op", op).Dur("took", took).Msg("sql failed")
	case r.slow > 0 && took > r.slow:
		r.logger.Warn().Str("sql", marker).Str("op", op).Dur("took", took).Msg("slow sql")
	default:
		r.logger.Debug().Str("sql", marker).Str("op", op).Dur("took", took).Msg("sql")
	}
}

// IsNoRows reports whether err means the query matched nothing.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

type observedRow struct {
	row    pgx.Row
	runner *SQLRunner
	marker string
	start  time.Time
}

func (o *observedRow) Scan(dest ...any) error {
	err := o.row.Scan(dest...)
	reported := err
	if IsNoRows(err) {
		reported = nil
	}
	o.runner.finish(o.marker, "query_row", o.start, reported)
	return err
}

// observedRows reports once, when the caller closes the result set.
type observedRows struct {
	pgx.Rows
	runner *SQLRunner
	marker string
	start  time.Time
	done   bool
}

func (o *observedRows) Close() {
	o.Rows.Close()
	if o.done {
		return
	}
	o.done = true
	o.runner.finish(o.marker, "query", o.start, o.Rows.Err())
}

type errorRow struct {
	err error
}

func (e errorRow) Scan(...any) error {
	return e.err
}

var _ SQLExecutor = (*SQLRunner)(nil)
