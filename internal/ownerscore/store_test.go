package ownerscore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scoredAt = time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)

func sampleScores() []Score {
	return []Score{
		{LocalID: "L1", IDProdroit: "A", Rank: 1, Value: 10, Reason: ReasonFullnameRawAddress, DictVersion: "fn-abc"},
		{LocalID: "L1", IDProdroit: "B", Rank: 2, Value: 0, Reason: ReasonNoMatch, DictVersion: "fn-abc"},
		{LocalID: "L2", IDProdroit: "C", Rank: 1, Value: 1, Reason: ReasonNoRecentMutation, Fallback: true, DictVersion: "fn-abc"},
	}
}

func TestPostgresStore_Save(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_owner_housing_scores"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_owner_housing_scores"}, Columns).
		WillReturnResult(3)
	mock.ExpectExec(`INSERT INTO "owner_housing_scores" AS t .* ON CONFLICT \("local_id", "ff_owner_idprodroit"\)`).
		WillReturnResult(pgxmock.NewResult("INSERT", 3))
	mock.ExpectCommit()

	n, err := NewPostgresStore(mock, 1).Save(context.Background(), uuid.New(), scoredAt, sampleScores())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err = NewPostgresStore(mock, 1).Save(context.Background(), uuid.New(), scoredAt, sampleScores())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ownerscore: save partition 0")
}

func TestPostgresStore_SaveEmpty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	n, err := NewPostgresStore(mock, 4).Save(context.Background(), uuid.New(), scoredAt, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPartition(t *testing.T) {
	for _, id := range []string{"L1", "L2", "750561234567", ""} {
		p := Partition(id, 8)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 8)
		assert.Equal(t, p, Partition(id, 8))
	}
	assert.Equal(t, 0, Partition("L1", 1))
}

func TestDedupScores(t *testing.T) {
	in := []Score{
		{LocalID: "L1", IDProdroit: "A", Rank: 3, Value: 5, Reason: ReasonFirstName},
		{LocalID: "L1", IDProdroit: "B", Rank: 2},
		{LocalID: "L1", IDProdroit: "A", Rank: 1, Value: 10, Reason: ReasonFullnameRawAddress},
		{LocalID: "L2", IDProdroit: "A", Rank: 1},
	}
	out := dedupScores(in)
	require.Len(t, out, 3)
	assert.Equal(t, 1, out[0].Rank)
	assert.Equal(t, 10, out[0].Value)
	assert.Equal(t, "B", out[1].IDProdroit)
	assert.Equal(t, "L2", out[2].LocalID)
}

func TestScoreValues(t *testing.T) {
	id := uuid.MustParse("0b9a6a32-6f55-4b53-a2b6-3f0a8c1d9e11")
	v := scoreValues(sampleScores()[0], id, scoredAt)
	require.Len(t, v, len(Columns))
	assert.Equal(t, int16(10), v[3])
	assert.Equal(t, "0b9a6a32-6f55-4b53-a2b6-3f0a8c1d9e11", v[10])
	assert.Equal(t, scoredAt, v[11])
}
