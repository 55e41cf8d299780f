// Package retention soft-deletes expired generations and assets on a cron
// schedule and purges their storage objects. It contends with the worker and
// reconciler only through ordinary row updates.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stylecast/stylecast/internal/generation"
)

const sweepBatch = 200

type Sweeper struct {
	repo  *generation.Repo
	store generation.ObjectStore
	ttl   time.Duration
	log   zerolog.Logger
}

func NewSweeper(repo *generation.Repo, store generation.ObjectStore, ttl time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		repo:  repo,
		store: store,
		ttl:   ttl,
		log:   log.With().Str("component", "retention").Logger(),
	}
}

// Sweep runs one retention pass. Storage deletion failures are logged but do
// not block the soft delete; orphaned objects are retried on the next pass
// only if the row delete also failed.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.ttl)
	now := time.Now()

	gens, err := s.repo.ListExpiredGenerations(ctx, cutoff, sweepBatch)
	if err != nil {
		return err
	}
	var sweptGens, sweptAssets int
	for _, g := range gens {
		outs, err := s.repo.OutputsIncludingDeleted(ctx, g.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("generation_id", g.ID).Msg("list outputs failed")
			continue
		}
		keys := make([]string, 0, len(outs))
		for _, o := range outs {
			keys = append(keys, o.StorageKey)
		}
		if len(keys) > 0 {
			if err := s.store.Delete(ctx, keys); err != nil {
				s.log.Warn().Err(err).Str("generation_id", g.ID).Msg("storage delete failed")
			}
		}
		if err := s.repo.SoftDeleteGeneration(ctx, g.SessionID, g.ID, now); err != nil {
			s.log.Warn().Err(err).Str("generation_id", g.ID).Msg("soft delete failed")
			continue
		}
		sweptGens++
	}

	assets, err := s.repo.ListExpiredAssets(ctx, cutoff, sweepBatch)
	if err != nil {
		return err
	}
	for _, a := range assets {
		if a.StorageKey != "" && a.StorageKey != generation.PendingStorageKey {
			if err := s.store.Delete(ctx, []string{a.StorageKey}); err != nil {
				s.log.Warn().Err(err).Str("asset_id", a.ID).Msg("storage delete failed")
			}
		}
		if err := s.repo.SoftDeleteAssetByID(ctx, a.ID, now); err != nil {
			s.log.Warn().Err(err).Str("asset_id", a.ID).Msg("soft delete failed")
			continue
		}
		sweptAssets++
	}

	if sweptGens > 0 || sweptAssets > 0 {
		s.log.Info().Int("generations", sweptGens).Int("assets", sweptAssets).
			Msg("retention sweep done")
	}
	return nil
}
