package banrecord

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
	"github.com/zero-logement-vacant/zlv-address/pkg/ban"
)

func TestPostgresStore_Upsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rec, err := FromResult(okResult("H1"), KindHousing, fixedNow)
	require.NoError(t, err)
	miss, err := FromResult(ban.Result{RefID: "H2", Status: ban.StatusNotFound}, KindHousing, fixedNow)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_ban_addresses"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_ban_addresses"}, Columns).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "ban_addresses" AS t .* IS DISTINCT FROM`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := NewPostgresStore(mock).Upsert(context.Background(), []Record{rec, miss})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CardinalityViolation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_ban_addresses"}, Columns).
		WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO`).
		WillReturnError(&pgconn.PgError{Code: "21000", Message: "ON CONFLICT DO UPDATE command cannot affect row a second time"})
	mock.ExpectRollback()

	_, err = NewPostgresStore(mock).Upsert(context.Background(), []Record{{RefID: "H1", Kind: KindHousing, LastUpdatedAt: fixedNow}})
	require.Error(t, err)
	assert.Equal(t, resilience.KindInvariant, resilience.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CopyError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_ban_addresses"}, Columns).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err = NewPostgresStore(mock).Upsert(context.Background(), []Record{{RefID: "H1", Kind: KindHousing, LastUpdatedAt: fixedNow}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "banrecord: upsert")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Empty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	n, err := NewPostgresStore(mock).Upsert(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "dry-run.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

func TestSQLiteStore_UpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	rec, err := FromResult(okResult("H1"), KindHousing, fixedNow)
	require.NoError(t, err)
	miss, err := FromResult(ban.Result{RefID: "H2", Status: ban.StatusNotFound}, KindHousing, fixedNow)
	require.NoError(t, err)

	n, err := s.Upsert(ctx, []Record{rec, miss})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	first, err := s.All(ctx)
	require.NoError(t, err)

	// Replaying the same content later changes nothing, not even the timestamp.
	rec.LastUpdatedAt = fixedNow.Add(time.Hour)
	miss.LastUpdatedAt = fixedNow.Add(time.Hour)
	n, err = s.Upsert(ctx, []Record{rec, miss})
	require.NoError(t, err)
	assert.Zero(t, n)

	second, err := s.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSQLiteStore_UpdateOnChange(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	rec, err := FromResult(okResult("H1"), KindHousing, fixedNow)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, []Record{rec})
	require.NoError(t, err)

	rec.Score = 0.51
	rec.LastUpdatedAt = fixedNow.Add(time.Hour)
	n, err := s.Upsert(ctx, []Record{rec})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.InDelta(t, 0.51, all[0].Score, 1e-9)
	assert.Equal(t, fixedNow.Add(time.Hour), all[0].LastUpdatedAt)
	require.NotNil(t, all[0].BANID)
}

func TestSQLiteStore_SameRefDifferentKind(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	h := Record{RefID: "42", Kind: KindHousing, LastUpdatedAt: fixedNow}
	o := Record{RefID: "42", Kind: KindOwner, LastUpdatedAt: fixedNow}
	_, err := s.Upsert(ctx, []Record{h, o})
	require.NoError(t, err)

	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, KindHousing, all[0].Kind)
	assert.Equal(t, KindOwner, all[1].Kind)
	assert.True(t, all[0].NotFound())
}
