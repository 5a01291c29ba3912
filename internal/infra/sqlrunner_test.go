package infra

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMarker = "0b0f2f4e-5a1c-4f0e-9a55-3f6f0e1c2d3b"

type fakeRow struct{ err error }

func (r fakeRow) Scan(...any) error { return r.err }

type fakeQuerier struct {
	lastSQL string
	execErr error
	rowErr  error
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.lastSQL = sql
	return pgconn.NewCommandTag("UPDATE 1"), f.execErr
}

func (f *fakeQuerier) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.lastSQL = sql
	return fakeRow{err: f.rowErr}
}

func (f *fakeQuerier) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	f.lastSQL = sql
	return nil, errors.New("not supported")
}

func (f *fakeQuerier) Ping(context.Context) error { return nil }

type observation struct {
	marker, op string
	err        error
}

func newObservedRunner(db Querier) (*SQLRunner, *[]observation) {
	var seen []observation
	r := NewSQLRunner(db, zerolog.Nop(), WithQueryObserver(func(marker, op string, _ time.Duration, err error) {
		seen = append(seen, observation{marker: marker, op: op, err: err})
	}))
	return r, &seen
}

func TestParseStatement(t *testing.T) {
	st, err := parseStatement("--sql " + testMarker + "\nselect 1;\n")
	require.NoError(t, err)
	assert.Equal(t, testMarker, st.marker)
	assert.Equal(t, "select 1;", st.body)
}

func TestParseStatementRejectsUntagged(t *testing.T) {
	_, err := parseStatement("select 1;")
	assert.ErrorIs(t, err, ErrMissingMarker)

	_, err = parseStatement("--sql not-a-uuid\nselect 1;")
	assert.ErrorIs(t, err, ErrMissingMarker)

	_, err = parseStatement("   ")
	assert.Error(t, err)
}

func TestRunnerStripsMarkerAndObserves(t *testing.T) {
	db := &fakeQuerier{}
	r, seen := newObservedRunner(db)

	tag, err := r.Exec(context.Background(), "--sql "+testMarker+"\nupdate t set x = 1;")
	require.NoError(t, err)
	assert.EqualValues(t, 1, tag.RowsAffected())
	assert.Equal(t, "update t set x = 1;", db.lastSQL)
	require.Len(t, *seen, 1)
	assert.Equal(t, observation{marker: testMarker, op: "exec"}, (*seen)[0])
}

func TestRunnerNeverSendsUntaggedSQL(t *testing.T) {
	db := &fakeQuerier{}
	r, seen := newObservedRunner(db)

	_, err := r.Exec(context.Background(), "delete from t")
	assert.ErrorIs(t, err, ErrMissingMarker)
	assert.ErrorIs(t, r.QueryRow(context.Background(), "select 1").Scan(), ErrMissingMarker)
	assert.Empty(t, db.lastSQL)
	assert.Empty(t, *seen)
}

func TestRunnerQueryRowNoRowsIsNotAFailure(t *testing.T) {
	r, seen := newObservedRunner(&fakeQuerier{rowErr: pgx.ErrNoRows})

	err := r.QueryRow(context.Background(), "--sql "+testMarker+"\nselect 1;").Scan()
	assert.True(t, IsNoRows(err))
	require.Len(t, *seen, 1)
	assert.NoError(t, (*seen)[0].err)
}

func TestRunnerReportsExecFailure(t *testing.T) {
	boom := errors.New("boom")
	r, seen := newObservedRunner(&fakeQuerier{execErr: boom})

	_, err := r.Exec(context.Background(), "--sql "+testMarker+"\nupdate t set x = 1;")
	assert.ErrorIs(t, err, boom)
	require.Len(t, *seen, 1)
	assert.ErrorIs(t, (*seen)[0].err, boom)
}

func TestIsNoRows(t *testing.T) {
	assert.True(t, IsNoRows(pgx.ErrNoRows))
	assert.True(t, IsNoRows(fmt.Errorf("wrapped: %w", pgx.ErrNoRows)))
	assert.False(t, IsNoRows(errors.New("boom")))
}
