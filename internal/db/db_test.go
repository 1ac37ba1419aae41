package db

import (
	"context"
	"fmt"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "match_results", []string{"a"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"match_results"}, []string{"a", "b"}).WillReturnResult(2)

	n, err := CopyFrom(context.Background(), mock, "match_results", []string{"a", "b"}, [][]any{{1, "x"}, {2, "y"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"match_results"}, []string{"a"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "match_results", []string{"a"}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO match_results")
}

func TestBuildUpsert(t *testing.T) {
	sql, args, err := BuildUpsert(UpsertConfig{
		Table:        "agents",
		Columns:      []string{"id", "candidate_id", "state"},
		ConflictKeys: []string{"id"},
	}, [][]any{{"a1", "c1", "online"}, {"a2", "c2", "offline"}})
	require.NoError(t, err)

	assert.Equal(t,
		`INSERT INTO "agents" ("id", "candidate_id", "state") VALUES ($1, $2, $3), ($4, $5, $6) `+
			`ON CONFLICT ("id") DO UPDATE SET "candidate_id" = EXCLUDED."candidate_id", "state" = EXCLUDED."state"`,
		sql)
	assert.Equal(t, []any{"a1", "c1", "online", "a2", "c2", "offline"}, args)
}

func TestBuildUpsert_DoNothing(t *testing.T) {
	sql, _, err := BuildUpsert(UpsertConfig{
		Table:        "quotes.keys",
		Columns:      []string{"id"},
		ConflictKeys: []string{"id"},
	}, [][]any{{"k"}})
	require.NoError(t, err)
	assert.Contains(t, sql, `INSERT INTO "quotes"."keys"`)
	assert.Contains(t, sql, "DO NOTHING")
}

func TestBulkUpsert_Validation(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, UpsertConfig{Table: "t"}, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)

	_, err = BulkUpsert(context.TODO(), nil, UpsertConfig{Table: "t", ConflictKeys: []string{"id"}}, [][]any{{1}})
	assert.ErrorContains(t, err, "no columns specified")

	_, err = BulkUpsert(context.TODO(), nil, UpsertConfig{Table: "t", Columns: []string{"id"}}, [][]any{{1}})
	assert.ErrorContains(t, err, "no conflict keys specified")

	_, err = BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table: "t", Columns: []string{"id", "x"}, ConflictKeys: []string{"id"},
	}, [][]any{{1}})
	assert.ErrorContains(t, err, "row 0 has 1 values")
}

func TestBulkUpsert_Exec(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "agents"`)).
		WithArgs("a1", "online").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table: "agents", Columns: []string{"id", "state"}, ConflictKeys: []string{"id"},
	}, [][]any{{"a1", "online"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM x").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCommit()

	err = InTx(context.Background(), mock, func(tx pgx.Tx) error {
		_, err := tx.Exec(context.Background(), "DELETE FROM x")
		return err
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	err = InTx(context.Background(), mock, func(pgx.Tx) error { return fmt.Errorf("nope") })
	assert.EqualError(t, err, "nope")
}

func TestSanitizeTable(t *testing.T) {
	assert.Equal(t, `"simple"`, sanitizeTable("simple"))
	assert.Equal(t, `"quotes"."agents"`, sanitizeTable("quotes.agents"))
}
