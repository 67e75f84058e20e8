package payer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claimrisk/claimrisk/internal/platform/cache"
)

type mockRepo struct {
	payersByExt    map[string]*Payer
	providersByNPI map[string]*Provider
	upsertCalls    int
	stats          DenialStats
	statsCalls     int
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		payersByExt:    make(map[string]*Payer),
		providersByNPI: make(map[string]*Provider),
	}
}

func (m *mockRepo) UpsertPayer(_ context.Context, externalID, name string) (*Payer, error) {
	m.upsertCalls++
	if p, ok := m.payersByExt[externalID]; ok {
		if name != "" {
			p.Name = name
		}
		return p, nil
	}
	p := &Payer{ID: uuid.New(), PayerIDExternal: externalID, Name: name, CreatedAt: time.Now()}
	m.payersByExt[externalID] = p
	return p, nil
}

func (m *mockRepo) GetPayer(_ context.Context, id uuid.UUID) (*Payer, error) {
	for _, p := range m.payersByExt {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) GetPayerByExternalID(_ context.Context, externalID string) (*Payer, error) {
	if p, ok := m.payersByExt[externalID]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

func (m *mockRepo) ListPayers(_ context.Context, limit, offset int) ([]*Payer, int, error) {
	var items []*Payer
	for _, p := range m.payersByExt {
		items = append(items, p)
	}
	return items, len(items), nil
}

func (m *mockRepo) UpsertProvider(_ context.Context, npi, name string, taxonomy *string) (*Provider, error) {
	m.upsertCalls++
	if p, ok := m.providersByNPI[npi]; ok {
		return p, nil
	}
	p := &Provider{ID: uuid.New(), NPI: npi, Name: name, Taxonomy: taxonomy}
	m.providersByNPI[npi] = p
	return p, nil
}

func (m *mockRepo) GetProvider(_ context.Context, id uuid.UUID) (*Provider, error) {
	for _, p := range m.providersByNPI {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) GetProviderByNPI(_ context.Context, npi string) (*Provider, error) {
	if p, ok := m.providersByNPI[npi]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

func (m *mockRepo) ListProviders(_ context.Context, limit, offset int) ([]*Provider, int, error) {
	var items []*Provider
	for _, p := range m.providersByNPI {
		items = append(items, p)
	}
	return items, len(items), nil
}

func (m *mockRepo) DenialStats(_ context.Context, payerID uuid.UUID, _ time.Time) (DenialStats, error) {
	m.statsCalls++
	s := m.stats
	s.PayerID = payerID
	return s, nil
}

func newTestService(repo Repository) *Service {
	return NewService(repo, cache.NewMemory(), cache.DefaultTTLs(), zerolog.Nop())
}

func TestResolvePayer_UpsertOncePerIdentity(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	first, err := svc.ResolvePayer(ctx, "60054", "AETNA")
	if err != nil {
		t.Fatalf("ResolvePayer failed: %v", err)
	}
	second, err := svc.ResolvePayer(ctx, "60054", "AETNA")
	if err != nil {
		t.Fatalf("second ResolvePayer failed: %v", err)
	}

	if first != second {
		t.Errorf("same external id resolved to different ids: %s vs %s", first, second)
	}
	if repo.upsertCalls != 1 {
		t.Errorf("expected 1 upsert (second hit served from cache), got %d", repo.upsertCalls)
	}
}

func TestResolvePayer_DistinctIdentities(t *testing.T) {
	svc := newTestService(newMockRepo())
	ctx := context.Background()

	a, _ := svc.ResolvePayer(ctx, "60054", "AETNA")
	b, _ := svc.ResolvePayer(ctx, "87726", "UHC")
	if a == b {
		t.Error("distinct external ids must resolve to distinct payers")
	}
}

func TestResolveProvider_CachesByNPI(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	first, err := svc.ResolveProvider(ctx, "1234567890", "DR SMITH", nil)
	if err != nil {
		t.Fatalf("ResolveProvider failed: %v", err)
	}
	second, _ := svc.ResolveProvider(ctx, "1234567890", "DR SMITH", nil)
	if first != second {
		t.Errorf("same NPI resolved to different ids")
	}
	if repo.upsertCalls != 1 {
		t.Errorf("expected 1 upsert, got %d", repo.upsertCalls)
	}
}

func TestDenialRate_ComputedThenCached(t *testing.T) {
	repo := newMockRepo()
	repo.stats = DenialStats{DeniedCount: 30, TotalCount: 100}
	svc := newTestService(repo)
	ctx := context.Background()
	payerID := uuid.New()

	rate, err := svc.DenialRate(ctx, payerID)
	if err != nil {
		t.Fatalf("DenialRate failed: %v", err)
	}
	if rate != 0.3 {
		t.Errorf("expected rate 0.3, got %v", rate)
	}

	// A changed underlying stat must not show through the cache.
	repo.stats = DenialStats{DeniedCount: 90, TotalCount: 100}
	rate, err = svc.DenialRate(ctx, payerID)
	if err != nil {
		t.Fatalf("second DenialRate failed: %v", err)
	}
	if rate != 0.3 {
		t.Errorf("expected cached rate 0.3, got %v", rate)
	}
	if repo.statsCalls != 1 {
		t.Errorf("expected 1 stats query, got %d", repo.statsCalls)
	}
}

func TestDenialRate_ZeroClaims(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)

	rate, err := svc.DenialRate(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("DenialRate failed: %v", err)
	}
	if rate != 0 {
		t.Errorf("payer with no claims must have rate 0, got %v", rate)
	}
}
