package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var banCfg = UpsertConfig{
	Table:        "public.ban_addresses",
	Columns:      []string{"ref_id", "address_kind", "address", "score"},
	ConflictKeys: []string{"ref_id", "address_kind"},
	ChangeCols:   []string{"address", "score"},
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, banCfg, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "ban_addresses",
		ConflictKeys: []string{"ref_id"},
	}, [][]any{{"h1", "Housing"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "ban_addresses",
		Columns: []string{"ref_id", "address"},
	}, [][]any{{"h1", "1 rue de la paix"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_public_ban_addresses"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_public_ban_addresses"}, banCfg.Columns).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "public"."ban_addresses" AS t`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	rows := [][]any{
		{"h1", "Housing", "1 rue de la paix 75002 paris", 0.97},
		{"o1", "Owner", "3 avenue foch 75116 paris", 0.91},
	}
	n, err := BulkUpsert(context.Background(), mock, banCfg, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyFailureRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_public_ban_addresses"}, banCfg.Columns).
		WillReturnError(fmt.Errorf("copy failed"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, banCfg, [][]any{{"h1", "Housing", "x", 0.5}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSQL_ChangeCols(t *testing.T) {
	got := UpsertSQL(banCfg, "_tmp")
	assert.Equal(t,
		`INSERT INTO "public"."ban_addresses" AS t ("ref_id", "address_kind", "address", "score") `+
			`SELECT "ref_id", "address_kind", "address", "score" FROM "_tmp" `+
			`ON CONFLICT ("ref_id", "address_kind") DO UPDATE SET "address" = EXCLUDED."address", "score" = EXCLUDED."score" `+
			`WHERE (t."address", t."score") IS DISTINCT FROM (EXCLUDED."address", EXCLUDED."score")`,
		got)
}

func TestUpsertSQL_ExplicitUpdateCols(t *testing.T) {
	cfg := UpsertConfig{
		Table:        "owner_housing_scores",
		Columns:      []string{"local_id", "ff_owner_idprodroit", "score", "computed_at"},
		ConflictKeys: []string{"local_id", "ff_owner_idprodroit"},
		UpdateCols:   []string{"score"},
	}
	got := UpsertSQL(cfg, "_tmp")
	assert.Contains(t, got, `DO UPDATE SET "score" = EXCLUDED."score"`)
	assert.NotContains(t, got, "computed_at\" = EXCLUDED")
	assert.NotContains(t, got, "IS DISTINCT FROM")
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"public.ban_addresses", `"public"."ban_addresses"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"public", "first_names"}, []string{"name", "frequency"}).
		WillReturnResult(2)

	n, err := CopyFrom(context.Background(), mock, "public.first_names", []string{"name", "frequency"},
		[][]any{{"jean", 1200}, {"marie", 3400}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"first_names"}, []string{"name"}).
		WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "first_names", []string{"name"}, [][]any{{"jean"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO first_names")
}

func TestCopyFrom_Empty(t *testing.T) {
	n, err := CopyFrom(context.Background(), nil, "first_names", []string{"name"}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConnect_EmptyDSN(t *testing.T) {
	_, err := Connect(context.Background(), "")
	require.Error(t, err)
}
