package migrate

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func expectPreamble(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("SELECT pg_advisory_lock").
		WithArgs(advisoryLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS zlv_schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
}

func expectUnlock(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs(advisoryLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
}

func TestFiles_Ordered(t *testing.T) {
	names, err := Files()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"001_ban_addresses.sql",
		"002_owner_housing_scores.sql",
		"003_address_job_runs.sql",
		"004_first_names.sql",
	}, names)
}

func TestRun_FreshDB(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	names, err := Files()
	require.NoError(t, err)

	expectPreamble(mock)
	mock.ExpectQuery("SELECT filename FROM zlv_schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	for _, name := range names {
		mock.ExpectBegin()
		mock.ExpectExec(".*").WillReturnResult(pgxmock.NewResult("EXEC", 0))
		mock.ExpectExec("INSERT INTO zlv_schema_migrations").
			WithArgs(name).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()
	}
	expectUnlock(mock)

	applied, err := Run(context.Background(), mock)
	require.NoError(t, err)
	assert.Equal(t, names, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_SkipsApplied(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	names, err := Files()
	require.NoError(t, err)

	expectPreamble(mock)
	rows := pgxmock.NewRows([]string{"filename"})
	for _, n := range names[:3] {
		rows.AddRow(n)
	}
	mock.ExpectQuery("SELECT filename FROM zlv_schema_migrations").WillReturnRows(rows)
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS first_names").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("INSERT INTO zlv_schema_migrations").
		WithArgs(names[3]).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	applied, err := Run(context.Background(), mock)
	require.NoError(t, err)
	assert.Equal(t, []string{"004_first_names.sql"}, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_ApplyError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectPreamble(mock)
	mock.ExpectQuery("SELECT filename FROM zlv_schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE EXTENSION IF NOT EXISTS postgis").
		WillReturnError(errors.New("extension \"postgis\" is not available"))
	mock.ExpectRollback()
	expectUnlock(mock)

	applied, err := Run(context.Background(), mock)
	require.Error(t, err)
	assert.Empty(t, applied)
	assert.Contains(t, err.Error(), "migrate: apply 001_ban_addresses.sql")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_LockError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("SELECT pg_advisory_lock").
		WithArgs(advisoryLockID).
		WillReturnError(errors.New("connection refused"))

	_, err = Run(context.Background(), mock)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
