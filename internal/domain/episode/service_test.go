package episode

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/claimrisk/claimrisk/internal/domain/claim"
	"github.com/claimrisk/claimrisk/internal/domain/remittance"
	"github.com/claimrisk/claimrisk/internal/platform/cache"
	"github.com/claimrisk/claimrisk/internal/platform/websocket"
)

// ---------------------------------------------------------------- mocks

type mockEpisodeRepo struct {
	episodes map[uuid.UUID]*Episode
	applied  map[uuid.UUID]uuid.UUID // remittance claim id -> episode id
}

func newMockEpisodeRepo() *mockEpisodeRepo {
	return &mockEpisodeRepo{
		episodes: make(map[uuid.UUID]*Episode),
		applied:  make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *mockEpisodeRepo) Create(_ context.Context, e *Episode) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	m.episodes[e.ID] = &cp
	return nil
}

func (m *mockEpisodeRepo) Update(_ context.Context, e *Episode) error {
	if _, ok := m.episodes[e.ID]; !ok {
		return ErrNotFound
	}
	cp := *e
	m.episodes[e.ID] = &cp
	return nil
}

func (m *mockEpisodeRepo) GetByID(_ context.Context, id uuid.UUID) (*Episode, error) {
	if e, ok := m.episodes[id]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *mockEpisodeRepo) GetByClaimID(_ context.Context, claimID uuid.UUID) (*Episode, error) {
	for _, e := range m.episodes {
		if e.ClaimID == claimID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockEpisodeRepo) List(_ context.Context, f Filter, _, _ int) ([]*Episode, error) {
	var out []*Episode
	for _, e := range m.episodes {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.ClaimID != nil && e.ClaimID != *f.ClaimID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockEpisodeRepo) Count(ctx context.Context, f Filter) (int, error) {
	items, _ := m.List(ctx, f, 0, 0)
	return len(items), nil
}

func (m *mockEpisodeRepo) MarkApplied(_ context.Context, rcID, epID uuid.UUID) (bool, error) {
	if _, ok := m.applied[rcID]; ok {
		return false, nil
	}
	m.applied[rcID] = epID
	return true, nil
}

type mockClaimRepo struct {
	claims map[uuid.UUID]*claim.Claim
}

func newMockClaimRepo() *mockClaimRepo {
	return &mockClaimRepo{claims: make(map[uuid.UUID]*claim.Claim)}
}

func (m *mockClaimRepo) CreateBatch(_ context.Context, claims []*claim.Claim) error {
	for _, c := range claims {
		m.claims[c.ID] = c
	}
	return nil
}

func (m *mockClaimRepo) GetByID(_ context.Context, id uuid.UUID) (*claim.Projection, error) {
	if c, ok := m.claims[id]; ok {
		return &claim.Projection{Claim: *c}, nil
	}
	return nil, claim.ErrNotFound
}

func (m *mockClaimRepo) GetByControlNumber(_ context.Context, cn string) (*claim.Claim, error) {
	var best *claim.Claim
	for _, c := range m.claims {
		if c.ClaimControlNumber != cn {
			continue
		}
		if best == nil || c.CreatedAt.Before(best.CreatedAt) {
			best = c
		}
	}
	if best == nil {
		return nil, claim.ErrNotFound
	}
	return best, nil
}

func (m *mockClaimRepo) FindByPatientWindow(_ context.Context, hashed string, date time.Time, window time.Duration) ([]*claim.Claim, error) {
	var out []*claim.Claim
	for _, c := range m.claims {
		if c.HashedPatientID != hashed || c.ServiceDateFrom == nil {
			continue
		}
		d := c.ServiceDateFrom.Sub(date)
		if d < 0 {
			d = -d
		}
		if d <= window {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockClaimRepo) List(_ context.Context, _ claim.Filter, _, _ int) ([]*claim.Projection, error) {
	return nil, nil
}

func (m *mockClaimRepo) Count(_ context.Context, _ claim.Filter) (int, error) { return 0, nil }

func (m *mockClaimRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	c, ok := m.claims[id]
	if !ok {
		return claim.ErrNotFound
	}
	c.Status = status
	return nil
}

func (m *mockClaimRepo) Touch(_ context.Context, _ uuid.UUID) error { return nil }

type mockRemitRepo struct {
	claims map[uuid.UUID][]*remittance.RemittanceClaim
}

func newMockRemitRepo() *mockRemitRepo {
	return &mockRemitRepo{claims: make(map[uuid.UUID][]*remittance.RemittanceClaim)}
}

func (m *mockRemitRepo) Create(_ context.Context, _ *remittance.Remittance) error { return nil }

func (m *mockRemitRepo) CreateClaims(_ context.Context, rcs []*remittance.RemittanceClaim) error {
	for _, rc := range rcs {
		m.claims[rc.RemittanceID] = append(m.claims[rc.RemittanceID], rc)
	}
	return nil
}

func (m *mockRemitRepo) GetByID(_ context.Context, _ uuid.UUID) (*remittance.Remittance, error) {
	return nil, remittance.ErrNotFound
}

func (m *mockRemitRepo) ClaimsForRemittance(_ context.Context, id uuid.UUID) ([]*remittance.RemittanceClaim, error) {
	return m.claims[id], nil
}

func (m *mockRemitRepo) List(_ context.Context, _ remittance.Filter, _, _ int) ([]*remittance.Remittance, error) {
	return nil, nil
}

func (m *mockRemitRepo) Count(_ context.Context, _ remittance.Filter) (int, error) { return 0, nil }

type capturingPublisher struct {
	events []websocket.Event
}

func (p *capturingPublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.events = append(p.events, ev)
	return nil
}

// ---------------------------------------------------------------- setup

type fixture struct {
	svc      *Service
	episodes *mockEpisodeRepo
	claims   *mockClaimRepo
	remits   *mockRemitRepo
	pub      *capturingPublisher
}

func newFixture() *fixture {
	f := &fixture{
		episodes: newMockEpisodeRepo(),
		claims:   newMockClaimRepo(),
		remits:   newMockRemitRepo(),
		pub:      &capturingPublisher{},
	}
	passthrough := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return fn(ctx)
	}
	f.svc = NewService(f.episodes, f.claims, f.remits, cache.NewMemory(),
		cache.DefaultTTLs(), f.pub, passthrough, zerolog.Nop())
	return f
}

func (f *fixture) addClaim(cn, hashed string, serviceDate time.Time, charge string) *claim.Claim {
	c := &claim.Claim{
		ID:                 uuid.New(),
		ClaimControlNumber: cn,
		HashedPatientID:    hashed,
		PayerID:            uuid.New(),
		TotalChargeAmount:  decimal.RequireFromString(charge),
		ServiceDateFrom:    &serviceDate,
		Status:             claim.StatusSubmitted,
		CreatedAt:          time.Now(),
	}
	f.claims.claims[c.ID] = c
	return c
}

func (f *fixture) addRemittanceClaim(remitID uuid.UUID, cn, statusCode, charge, paid string, adjs ...remittance.Adjustment) *remittance.RemittanceClaim {
	rc := &remittance.RemittanceClaim{
		ID:                 uuid.New(),
		RemittanceID:       remitID,
		ClaimControlNumber: cn,
		ClaimStatusCode:    statusCode,
		ChargeAmount:       decimal.RequireFromString(charge),
		PaidAmount:         decimal.RequireFromString(paid),
		Adjustments:        adjs,
	}
	f.remits.claims[remitID] = append(f.remits.claims[remitID], rc)
	return rc
}

// ---------------------------------------------------------------- tests

func TestLinkRemittance_PaidInFull(t *testing.T) {
	f := newFixture()
	cl := f.addClaim("CTRL001", "hp1", time.Now(), "1000.00")
	remitID := uuid.New()
	f.addRemittanceClaim(remitID, "CTRL001", "1", "1000.00", "1000.00")

	result, err := f.svc.LinkRemittance(context.Background(), remitID)
	if err != nil {
		t.Fatalf("LinkRemittance failed: %v", err)
	}
	if result.Linked != 1 {
		t.Fatalf("expected 1 linked, got %+v", result)
	}

	ep, err := f.episodes.GetByClaimID(context.Background(), cl.ID)
	if err != nil {
		t.Fatalf("episode not created: %v", err)
	}
	if ep.Status != StatusPaid {
		t.Errorf("expected status paid, got %s", ep.Status)
	}
	if !ep.TotalPaid.Equal(decimal.RequireFromString("1000.00")) {
		t.Errorf("expected total_paid 1000.00, got %s", ep.TotalPaid)
	}
	if ep.DenialCount != 0 {
		t.Errorf("expected denial_count 0, got %d", ep.DenialCount)
	}
}

func TestLinkRemittance_Denied(t *testing.T) {
	f := newFixture()
	cl := f.addClaim("CTRL002", "hp2", time.Now(), "1000.00")
	remitID := uuid.New()
	f.addRemittanceClaim(remitID, "CTRL002", "4", "1000.00", "0.00",
		remittance.Adjustment{GroupCode: "CO", ReasonCode: "50", Amount: decimal.RequireFromString("1000.00")})

	if _, err := f.svc.LinkRemittance(context.Background(), remitID); err != nil {
		t.Fatalf("LinkRemittance failed: %v", err)
	}

	ep, _ := f.episodes.GetByClaimID(context.Background(), cl.ID)
	if ep.Status != StatusDenied {
		t.Errorf("expected status denied, got %s", ep.Status)
	}
	if ep.DenialCount != 1 {
		t.Errorf("expected denial_count 1, got %d", ep.DenialCount)
	}
	if !ep.TotalAdjustment.Equal(decimal.RequireFromString("1000.00")) {
		t.Errorf("expected total_adjustment 1000.00, got %s", ep.TotalAdjustment)
	}
}

func TestLinkRemittance_MirrorsStatusOntoClaim(t *testing.T) {
	f := newFixture()
	denied := f.addClaim("CTRL010", "hp10", time.Now(), "1000.00")
	paid := f.addClaim("CTRL011", "hp11", time.Now(), "500.00")
	remitID := uuid.New()
	f.addRemittanceClaim(remitID, "CTRL010", "4", "1000.00", "0.00")
	f.addRemittanceClaim(remitID, "CTRL011", "1", "500.00", "500.00")

	if _, err := f.svc.LinkRemittance(context.Background(), remitID); err != nil {
		t.Fatalf("LinkRemittance failed: %v", err)
	}
	if denied.Status != claim.StatusDenied {
		t.Errorf("denied payment must move the claim to denied, got %s", denied.Status)
	}
	if paid.Status != claim.StatusPaid {
		t.Errorf("full payment must move the claim to paid, got %s", paid.Status)
	}
}

func TestUpdateStatus_MirrorsStatusOntoClaim(t *testing.T) {
	f := newFixture()
	cl := f.addClaim("CTRL012", "hp12", time.Now(), "1000.00")
	remitID := uuid.New()
	f.addRemittanceClaim(remitID, "CTRL012", "4", "1000.00", "0.00")
	if _, err := f.svc.LinkRemittance(context.Background(), remitID); err != nil {
		t.Fatalf("LinkRemittance failed: %v", err)
	}

	ep, err := f.episodes.GetByClaimID(context.Background(), cl.ID)
	if err != nil {
		t.Fatalf("episode not created: %v", err)
	}
	if _, err := f.svc.UpdateStatus(context.Background(), ep.ID, StatusAppealed); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if cl.Status != claim.StatusAppealed {
		t.Errorf("appeal must carry onto the claim, got %s", cl.Status)
	}
}

func TestLinkRemittance_RepeatIsIdempotent(t *testing.T) {
	f := newFixture()
	cl := f.addClaim("CTRL003", "hp3", time.Now(), "1000.00")
	remitID := uuid.New()
	f.addRemittanceClaim(remitID, "CTRL003", "4", "1000.00", "0.00")

	if _, err := f.svc.LinkRemittance(context.Background(), remitID); err != nil {
		t.Fatalf("first link failed: %v", err)
	}
	result, err := f.svc.LinkRemittance(context.Background(), remitID)
	if err != nil {
		t.Fatalf("second link failed: %v", err)
	}
	if result.Linked != 0 || result.AlreadyDone != 1 {
		t.Errorf("expected repeat to be a no-op, got %+v", result)
	}

	ep, _ := f.episodes.GetByClaimID(context.Background(), cl.ID)
	if ep.DenialCount != 1 {
		t.Errorf("repeat link must not double-count denials, got %d", ep.DenialCount)
	}
}

func TestLinkRemittance_DeniedThenPartialPayment(t *testing.T) {
	f := newFixture()
	cl := f.addClaim("CTRL004", "hp4", time.Now(), "1000.00")

	denial := uuid.New()
	f.addRemittanceClaim(denial, "CTRL004", "4", "1000.00", "0.00")
	if _, err := f.svc.LinkRemittance(context.Background(), denial); err != nil {
		t.Fatalf("denial link failed: %v", err)
	}

	payment := uuid.New()
	f.addRemittanceClaim(payment, "CTRL004", "1", "1000.00", "200.00")
	if _, err := f.svc.LinkRemittance(context.Background(), payment); err != nil {
		t.Fatalf("payment link failed: %v", err)
	}

	ep, _ := f.episodes.GetByClaimID(context.Background(), cl.ID)
	if ep.Status != StatusPartial {
		t.Errorf("denied episode with partial payment must become partial, got %s", ep.Status)
	}
	if ep.DenialCount != 1 {
		t.Errorf("denial_count must stay 1, got %d", ep.DenialCount)
	}
	if !ep.TotalPaid.Equal(decimal.RequireFromString("200.00")) {
		t.Errorf("expected total_paid 200.00, got %s", ep.TotalPaid)
	}
}

func TestLinkRemittance_DeniedThenFullPayment(t *testing.T) {
	f := newFixture()
	cl := f.addClaim("CTRL005", "hp5", time.Now(), "1000.00")

	denial := uuid.New()
	f.addRemittanceClaim(denial, "CTRL005", "4", "1000.00", "0.00")
	_, _ = f.svc.LinkRemittance(context.Background(), denial)

	payment := uuid.New()
	f.addRemittanceClaim(payment, "CTRL005", "1", "1000.00", "1000.00")
	_, _ = f.svc.LinkRemittance(context.Background(), payment)

	ep, _ := f.episodes.GetByClaimID(context.Background(), cl.ID)
	if ep.Status != StatusPaid {
		t.Errorf("denied episode fully paid must become paid, got %s", ep.Status)
	}
}

func TestLinkRemittance_FuzzyMatchByPatientWindow(t *testing.T) {
	f := newFixture()
	serviceDate := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	cl := f.addClaim("CTRL006", "hp6", serviceDate, "500.00")

	remitID := uuid.New()
	rc := f.addRemittanceClaim(remitID, "UNKNOWN-CTRL", "1", "500.00", "500.00")
	rc.HashedPatientID = "hp6"
	d := serviceDate.Add(3 * 24 * time.Hour)
	rc.ServiceDate = &d

	result, err := f.svc.LinkRemittance(context.Background(), remitID)
	if err != nil {
		t.Fatalf("LinkRemittance failed: %v", err)
	}
	if result.Linked != 1 {
		t.Fatalf("expected fuzzy match to link, got %+v", result)
	}
	if _, err := f.episodes.GetByClaimID(context.Background(), cl.ID); err != nil {
		t.Error("episode not created for fuzzy-matched claim")
	}
}

func TestLinkRemittance_AmbiguousTieIsUnmatched(t *testing.T) {
	f := newFixture()
	serviceDate := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	created := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)

	// Two claims with identical dates and creation instants: unresolvable.
	a := f.addClaim("A1", "hp7", serviceDate, "100.00")
	b := f.addClaim("B1", "hp7", serviceDate, "100.00")
	a.CreatedAt = created
	b.CreatedAt = created

	remitID := uuid.New()
	rc := f.addRemittanceClaim(remitID, "NO-MATCH", "1", "100.00", "100.00")
	rc.HashedPatientID = "hp7"
	rc.ServiceDate = &serviceDate

	result, err := f.svc.LinkRemittance(context.Background(), remitID)
	if err != nil {
		t.Fatalf("LinkRemittance failed: %v", err)
	}
	if result.Unmatched != 1 || result.Linked != 0 {
		t.Errorf("unresolvable tie must stay unmatched, got %+v", result)
	}
}

func TestLinkRemittance_TieBreaksByDateThenCreation(t *testing.T) {
	f := newFixture()
	serviceDate := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	far := f.addClaim("FAR", "hp8", serviceDate.Add(5*24*time.Hour), "100.00")
	near := f.addClaim("NEAR", "hp8", serviceDate.Add(24*time.Hour), "100.00")
	_ = far

	remitID := uuid.New()
	rc := f.addRemittanceClaim(remitID, "NO-MATCH", "1", "100.00", "100.00")
	rc.HashedPatientID = "hp8"
	rc.ServiceDate = &serviceDate

	if _, err := f.svc.LinkRemittance(context.Background(), remitID); err != nil {
		t.Fatalf("LinkRemittance failed: %v", err)
	}
	if _, err := f.episodes.GetByClaimID(context.Background(), near.ID); err != nil {
		t.Error("smallest date delta should win the tie-break")
	}
}

func TestLinkRemittance_EmitsEpisodeLinkedEvent(t *testing.T) {
	f := newFixture()
	f.addClaim("CTRL009", "hp9", time.Now(), "100.00")
	remitID := uuid.New()
	f.addRemittanceClaim(remitID, "CTRL009", "1", "100.00", "100.00")

	if _, err := f.svc.LinkRemittance(context.Background(), remitID); err != nil {
		t.Fatalf("LinkRemittance failed: %v", err)
	}
	if len(f.pub.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(f.pub.events))
	}
	if f.pub.events[0].Type != websocket.EventEpisodeLinked {
		t.Errorf("expected episode_linked event, got %s", f.pub.events[0].Type)
	}
}

func TestUpdateStatus_RejectsBackwardsMove(t *testing.T) {
	f := newFixture()
	ep := &Episode{ID: uuid.New(), ClaimID: uuid.New(), Status: StatusPaid,
		TotalPaid: decimal.Zero, TotalAdjustment: decimal.Zero}
	_ = f.episodes.Create(context.Background(), ep)

	if _, err := f.svc.UpdateStatus(context.Background(), ep.ID, StatusOpen); err == nil {
		t.Fatal("expected backwards transition to be rejected")
	}
	got, err := f.svc.UpdateStatus(context.Background(), ep.ID, StatusAppealed)
	if err != nil {
		t.Fatalf("forward transition failed: %v", err)
	}
	if got.Status != StatusAppealed {
		t.Errorf("expected appealed, got %s", got.Status)
	}
}

func TestCanTransition_Lattice(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{StatusOpen, StatusPartial, true},
		{StatusOpen, StatusClosed, true},
		{StatusPartial, StatusOpen, false},
		{StatusPaid, StatusDenied, true}, // same rank: sideways allowed
		{StatusDenied, StatusAppealed, true},
		{StatusAppealed, StatusPartial, false},
		{StatusClosed, StatusAppealed, false},
		{StatusClosed, StatusClosed, true},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}
