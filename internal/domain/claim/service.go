package claim

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claimrisk/claimrisk/internal/platform/cache"
)

// Service layers read-through caching over the repository. Cache misses
// and cache failures both fall through to the database; the cache is an
// accelerator, never a source of truth.
type Service struct {
	repo   Repository
	cache  cache.Cache
	ttls   cache.TTLs
	logger zerolog.Logger
}

func NewService(repo Repository, c cache.Cache, ttls cache.TTLs, logger zerolog.Logger) *Service {
	return &Service{repo: repo, cache: c, ttls: ttls, logger: logger}
}

// Get returns the claim projection, cached under claim:{id}.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Projection, error) {
	key := "claim:" + id.String()
	if v, err := s.cache.Get(ctx, key); err == nil {
		var p Projection
		if err := json.Unmarshal([]byte(v), &p); err == nil {
			return &p, nil
		}
	}
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if buf, err := json.Marshal(p); err == nil {
		if err := s.cache.Set(ctx, key, string(buf), s.ttls.Claim); err != nil {
			s.logger.Warn().Err(err).Msg("claim cache set failed")
		}
	}
	return p, nil
}

// List returns a page of claims and the total count. The count is cached
// per filter under count:claims:{filter}.
func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Projection, int, error) {
	items, err := s.repo.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.count(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *Service) count(ctx context.Context, f Filter) (int, error) {
	key := "count:claims:" + filterKey(f)
	if v, err := s.cache.Get(ctx, key); err == nil {
		if n, err := strconv.Atoi(v); err == nil {
			return n, nil
		}
	}
	total, err := s.repo.Count(ctx, f)
	if err != nil {
		return 0, err
	}
	if err := s.cache.Set(ctx, key, strconv.Itoa(total), s.ttls.Count); err != nil {
		s.logger.Warn().Err(err).Msg("claim count cache set failed")
	}
	return total, nil
}

// CreateBatch persists a batch and drops the now-stale list counts.
func (s *Service) CreateBatch(ctx context.Context, claims []*Claim) error {
	if err := s.repo.CreateBatch(ctx, claims); err != nil {
		return err
	}
	s.InvalidateCounts(ctx)
	return nil
}

// Invalidate drops the cached projection for one claim, e.g. after a
// re-score or episode link touches it.
func (s *Service) Invalidate(ctx context.Context, id uuid.UUID) {
	if err := s.cache.Delete(ctx, "claim:"+id.String()); err != nil {
		s.logger.Warn().Err(err).Msg("claim cache invalidation failed")
	}
}

// InvalidateCounts drops every cached claim list count.
func (s *Service) InvalidateCounts(ctx context.Context) {
	if _, err := s.cache.DeletePattern(ctx, "count:claims:*"); err != nil {
		s.logger.Warn().Err(err).Msg("claim count invalidation failed")
	}
}

// filterKey renders a Filter as a stable cache-key suffix.
func filterKey(f Filter) string {
	payer := ""
	if f.PayerID != nil {
		payer = f.PayerID.String()
	}
	from, to := "", ""
	if f.ServiceDateFrom != nil {
		from = f.ServiceDateFrom.Format("2006-01-02")
	}
	if f.ServiceDateTo != nil {
		to = f.ServiceDateTo.Format("2006-01-02")
	}
	return fmt.Sprintf("payer=%s|status=%s|from=%s|to=%s", payer, f.Status, from, to)
}
