package payer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claimrisk/claimrisk/internal/platform/cache"
)

// denialRateWindow is how far back the denial rate looks.
const denialRateWindow = 90 * 24 * time.Hour

// Service is the cached identity resolver. Resolve* are the ingest hot
// path: a cache hit skips the database entirely, a miss falls through to
// an idempotent upsert.
type Service struct {
	repo   Repository
	cache  cache.Cache
	ttls   cache.TTLs
	logger zerolog.Logger
}

func NewService(repo Repository, c cache.Cache, ttls cache.TTLs, logger zerolog.Logger) *Service {
	return &Service{repo: repo, cache: c, ttls: ttls, logger: logger}
}

// ResolvePayer returns the canonical payer id for an external payer id,
// creating the payer if it is new.
func (s *Service) ResolvePayer(ctx context.Context, externalID, name string) (uuid.UUID, error) {
	key := "payer:ext:" + externalID
	if v, err := s.cache.Get(ctx, key); err == nil {
		if id, err := uuid.Parse(v); err == nil {
			return id, nil
		}
	}
	p, err := s.repo.UpsertPayer(ctx, externalID, name)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve payer: %w", err)
	}
	if err := s.cache.Set(ctx, key, p.ID.String(), s.ttls.Payer); err != nil {
		s.logger.Warn().Err(err).Msg("payer cache set failed")
	}
	return p.ID, nil
}

// ResolveProvider returns the canonical provider id for an NPI, creating
// the provider if it is new.
func (s *Service) ResolveProvider(ctx context.Context, npi, name string, taxonomy *string) (uuid.UUID, error) {
	key := "provider:npi:" + npi
	if v, err := s.cache.Get(ctx, key); err == nil {
		if id, err := uuid.Parse(v); err == nil {
			return id, nil
		}
	}
	p, err := s.repo.UpsertProvider(ctx, npi, name, taxonomy)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve provider: %w", err)
	}
	if err := s.cache.Set(ctx, key, p.ID.String(), s.ttls.Payer); err != nil {
		s.logger.Warn().Err(err).Msg("provider cache set failed")
	}
	return p.ID, nil
}

func (s *Service) GetPayer(ctx context.Context, id uuid.UUID) (*Payer, error) {
	return s.repo.GetPayer(ctx, id)
}

func (s *Service) ListPayers(ctx context.Context, limit, offset int) ([]*Payer, int, error) {
	return s.repo.ListPayers(ctx, limit, offset)
}

func (s *Service) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	return s.repo.GetProvider(ctx, id)
}

func (s *Service) ListProviders(ctx context.Context, limit, offset int) ([]*Provider, int, error) {
	return s.repo.ListProviders(ctx, limit, offset)
}

// DenialRate returns the payer's 90-day denial rate, cached for the payer
// namespace TTL (24h by default) under payer:{id}:denial_rate.
func (s *Service) DenialRate(ctx context.Context, payerID uuid.UUID) (float64, error) {
	key := fmt.Sprintf("payer:%s:denial_rate", payerID)
	if v, err := s.cache.Get(ctx, key); err == nil {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			return rate, nil
		}
	}
	stats, err := s.repo.DenialStats(ctx, payerID, time.Now().Add(-denialRateWindow))
	if err != nil {
		return 0, fmt.Errorf("denial stats: %w", err)
	}
	rate := stats.Rate()
	if err := s.cache.Set(ctx, key, strconv.FormatFloat(rate, 'f', -1, 64), s.ttls.Payer); err != nil {
		s.logger.Warn().Err(err).Msg("denial rate cache set failed")
	}
	return rate, nil
}
