package ownerscore

import (
	"context"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zero-logement-vacant/zlv-address/internal/db"
)

// Table is the score table.
const Table = "owner_housing_scores"

// Columns are the persisted score columns, in COPY order.
var Columns = []string{
	"local_id", "ff_owner_idprodroit", "rank",
	"final_owner_score", "final_owner_reason",
	"match_fullname", "match_same_first_name", "match_raw_address", "match_postal_code",
	"firstname_dict_version", "batch_id", "scored_at",
}

// Store persists scores.
type Store interface {
	Save(ctx context.Context, batchID uuid.UUID, scoredAt time.Time, scores []Score) (int64, error)
}

// PostgresStore upserts scores into owner_housing_scores.
type PostgresStore struct {
	pool    db.Pool
	workers int
}

// NewPostgresStore spreads each Save over workers disjoint partitions.
func NewPostgresStore(pool db.Pool, workers int) *PostgresStore {
	if workers < 1 {
		workers = 1
	}
	return &PostgresStore{pool: pool, workers: workers}
}

// Partition maps a local_id to one of n partitions.
func Partition(localID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(localID))
	return int(h.Sum32() % uint32(n))
}

// Save upserts scores. Partitions never share a local_id, so their
// transactions never touch the same rows.
func (s *PostgresStore) Save(ctx context.Context, batchID uuid.UUID, scoredAt time.Time, scores []Score) (int64, error) {
	scores = dedupScores(scores)
	if len(scores) == 0 {
		return 0, nil
	}

	parts := make([][][]any, s.workers)
	for _, sc := range scores {
		p := Partition(sc.LocalID, s.workers)
		parts[p] = append(parts[p], scoreValues(sc, batchID, scoredAt))
	}

	cfg := db.UpsertConfig{
		Table:        Table,
		Columns:      Columns,
		ConflictKeys: []string{"local_id", "ff_owner_idprodroit"},
	}

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i, rows := range parts {
		if len(rows) == 0 {
			continue
		}
		g.Go(func() error {
			n, err := db.BulkUpsert(gctx, s.pool, cfg, rows)
			if err != nil {
				return eris.Wrapf(err, "ownerscore: save partition %d", i)
			}
			total.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return total.Load(), err
	}

	zap.L().With(zap.String("component", "ownerscore")).Debug("scores saved",
		zap.String("batch_id", batchID.String()),
		zap.Int("scores", len(scores)),
		zap.Int64("upserted", total.Load()),
	)
	return total.Load(), nil
}

func scoreValues(sc Score, batchID uuid.UUID, scoredAt time.Time) []any {
	return []any{
		sc.LocalID, sc.IDProdroit, int16(sc.Rank),
		int16(sc.Value), sc.Reason,
		sc.Match.Fullname, sc.Match.SameFirstName, sc.Match.RawAddress, sc.Match.PostalCode,
		sc.DictVersion, batchID.String(), scoredAt,
	}
}

type scoreKey struct {
	localID    string
	idprodroit string
}

// dedupScores keeps the lowest-rank score of each (local_id, idprodroit):
// the same right holder can sit in two slots of one housing.
func dedupScores(scores []Score) []Score {
	pos := make(map[scoreKey]int, len(scores))
	out := make([]Score, 0, len(scores))
	for _, sc := range scores {
		k := scoreKey{sc.LocalID, sc.IDProdroit}
		if i, ok := pos[k]; ok {
			if sc.Rank < out[i].Rank {
				out[i] = sc
			}
			continue
		}
		pos[k] = len(out)
		out = append(out, sc)
	}
	return out
}
