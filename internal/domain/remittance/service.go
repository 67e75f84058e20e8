package remittance

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claimrisk/claimrisk/internal/platform/cache"
)

// Service serves remittance reads with a cached list count, mirroring the
// claim service.
type Service struct {
	repo   Repository
	cache  cache.Cache
	ttls   cache.TTLs
	logger zerolog.Logger
}

func NewService(repo Repository, c cache.Cache, ttls cache.TTLs, logger zerolog.Logger) *Service {
	return &Service{repo: repo, cache: c, ttls: ttls, logger: logger}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Remittance, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Remittance, int, error) {
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
	key := "count:remits:" + filterKey(f)
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
		s.logger.Warn().Err(err).Msg("remittance count cache set failed")
	}
	return total, nil
}

// InvalidateCounts drops every cached remittance list count.
func (s *Service) InvalidateCounts(ctx context.Context) {
	if _, err := s.cache.DeletePattern(ctx, "count:remits:*"); err != nil {
		s.logger.Warn().Err(err).Msg("remittance count invalidation failed")
	}
}

func filterKey(f Filter) string {
	payer := ""
	if f.PayerID != nil {
		payer = f.PayerID.String()
	}
	from, to := "", ""
	if f.PaymentDateFrom != nil {
		from = f.PaymentDateFrom.Format("2006-01-02")
	}
	if f.PaymentDateTo != nil {
		to = f.PaymentDateTo.Format("2006-01-02")
	}
	return fmt.Sprintf("payer=%s|from=%s|to=%s", payer, from, to)
}
