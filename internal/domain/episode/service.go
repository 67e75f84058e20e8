package episode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/claimrisk/claimrisk/internal/domain/claim"
	"github.com/claimrisk/claimrisk/internal/domain/remittance"
	"github.com/claimrisk/claimrisk/internal/platform/apperr"
	"github.com/claimrisk/claimrisk/internal/platform/cache"
	"github.com/claimrisk/claimrisk/internal/platform/websocket"
)

// matchWindow is the fuzzy-match tolerance around the remittance service
// date.
const matchWindow = 7 * 24 * time.Hour

// TxRunner executes fn inside a transaction bound to the derived context.
// Production wires db.RunInTx; tests pass a passthrough.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// linkedEvent is the episode_linked push payload.
type linkedEvent struct {
	EpisodeID    uuid.UUID `json:"episode_id"`
	ClaimID      uuid.UUID `json:"claim_id"`
	RemittanceID uuid.UUID `json:"remittance_id"`
	Status       string    `json:"status"`
}

// Service links remittance claims to claims and maintains episodes. All
// mutations for one remittance run inside a single transaction so episode
// counters stay consistent with the payments that produced them.
type Service struct {
	episodes  Repository
	claims    claim.Repository
	remits    remittance.Repository
	cache     cache.Cache
	ttls      cache.TTLs
	publisher websocket.EventPublisher
	inTx      TxRunner
	logger    zerolog.Logger
}

func NewService(
	episodes Repository,
	claims claim.Repository,
	remits remittance.Repository,
	c cache.Cache,
	ttls cache.TTLs,
	publisher websocket.EventPublisher,
	inTx TxRunner,
	logger zerolog.Logger,
) *Service {
	return &Service{
		episodes:  episodes,
		claims:    claims,
		remits:    remits,
		cache:     c,
		ttls:      ttls,
		publisher: publisher,
		inTx:      inTx,
		logger:    logger,
	}
}

// LinkRemittance applies every payment in the remittance to its episode.
// Already-applied payments are skipped, so re-linking the same remittance
// is a no-op for counters and totals.
func (s *Service) LinkRemittance(ctx context.Context, remittanceID uuid.UUID) (*LinkResult, error) {
	result := &LinkResult{RemittanceID: remittanceID}
	var events []linkedEvent
	var touchedClaims []uuid.UUID

	err := s.inTx(ctx, func(ctx context.Context) error {
		rcs, err := s.remits.ClaimsForRemittance(ctx, remittanceID)
		if err != nil {
			return err
		}
		for _, rc := range rcs {
			if rc.EpisodeID != nil {
				result.AlreadyDone++
				continue
			}
			cl, err := s.match(ctx, rc)
			if err != nil {
				return err
			}
			if cl == nil {
				result.Unmatched++
				s.logger.Warn().
					Str("remittance_id", remittanceID.String()).
					Str("hashed_patient_id", rc.HashedPatientID).
					Msg("remittance claim did not match any claim")
				continue
			}
			ep, status, err := s.apply(ctx, rc, cl)
			if err != nil {
				return err
			}
			if ep == nil {
				result.AlreadyDone++
				continue
			}
			if err := s.claims.UpdateStatus(ctx, cl.ID, claimStatusFor(status)); err != nil {
				return err
			}
			result.Linked++
			result.EpisodeIDs = append(result.EpisodeIDs, ep.ID)
			touchedClaims = append(touchedClaims, cl.ID)
			events = append(events, linkedEvent{
				EpisodeID:    ep.ID,
				ClaimID:      cl.ID,
				RemittanceID: remittanceID,
				Status:       status,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, result.EpisodeIDs, touchedClaims)
	s.emit(ctx, events)
	return result, nil
}

// ManualLink applies a remittance to the episode's claim verbatim,
// bypassing control-number and patient matching.
func (s *Service) ManualLink(ctx context.Context, episodeID, claimID, remittanceID uuid.UUID) (*LinkResult, error) {
	result := &LinkResult{RemittanceID: remittanceID}
	var events []linkedEvent

	err := s.inTx(ctx, func(ctx context.Context) error {
		ep, err := s.episodes.GetByID(ctx, episodeID)
		if err != nil {
			return err
		}
		if ep.ClaimID != claimID {
			return apperr.Input("episode_claim_mismatch", "claim_id does not belong to this episode")
		}
		cl, err := s.claims.GetByID(ctx, claimID)
		if err != nil {
			return err
		}
		rcs, err := s.remits.ClaimsForRemittance(ctx, remittanceID)
		if err != nil {
			return err
		}
		if len(rcs) == 0 {
			return apperr.Input("remittance_empty", "remittance has no claim payments to link")
		}
		for _, rc := range rcs {
			if rc.EpisodeID != nil {
				result.AlreadyDone++
				continue
			}
			applied, err := s.episodes.MarkApplied(ctx, rc.ID, ep.ID)
			if err != nil {
				return err
			}
			if !applied {
				result.AlreadyDone++
				continue
			}
			s.accumulate(ep, rc, cl.TotalChargeAmount)
			result.Linked++
		}
		if result.Linked > 0 {
			if err := s.episodes.Update(ctx, ep); err != nil {
				return err
			}
			if err := s.claims.UpdateStatus(ctx, claimID, claimStatusFor(ep.Status)); err != nil {
				return err
			}
			result.EpisodeIDs = append(result.EpisodeIDs, ep.ID)
			events = append(events, linkedEvent{
				EpisodeID:    ep.ID,
				ClaimID:      claimID,
				RemittanceID: remittanceID,
				Status:       ep.Status,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, result.EpisodeIDs, []uuid.UUID{claimID})
	s.emit(ctx, events)
	return result, nil
}

// match resolves a remittance claim to a claim: exact control number
// first, then hashed patient plus service-date window with
// smallest-delta / earliest-created tie-breaks. Ties beyond that are
// unmatched by design.
func (s *Service) match(ctx context.Context, rc *remittance.RemittanceClaim) (*claim.Claim, error) {
	if rc.ClaimControlNumber != "" {
		cl, err := s.claims.GetByControlNumber(ctx, rc.ClaimControlNumber)
		if err == nil {
			return cl, nil
		}
		if !errors.Is(err, claim.ErrNotFound) {
			return nil, err
		}
	}
	if rc.HashedPatientID == "" || rc.ServiceDate == nil {
		return nil, nil
	}
	candidates, err := s.claims.FindByPatientWindow(ctx, rc.HashedPatientID, *rc.ServiceDate, matchWindow)
	if err != nil {
		return nil, err
	}
	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
		return candidates[0], nil
	}

	best := candidates[0]
	bestDelta := dateDelta(best, *rc.ServiceDate)
	ambiguous := false
	for _, c := range candidates[1:] {
		d := dateDelta(c, *rc.ServiceDate)
		switch {
		case d < bestDelta:
			best, bestDelta, ambiguous = c, d, false
		case d == bestDelta:
			switch {
			case c.CreatedAt.Before(best.CreatedAt):
				best, ambiguous = c, false
			case c.CreatedAt.Equal(best.CreatedAt):
				ambiguous = true
			}
		}
	}
	if ambiguous {
		return nil, nil
	}
	return best, nil
}

func dateDelta(c *claim.Claim, date time.Time) time.Duration {
	if c.ServiceDateFrom == nil {
		return matchWindow + time.Hour
	}
	d := c.ServiceDateFrom.Sub(date)
	if d < 0 {
		d = -d
	}
	return d
}

// apply gets or creates the claim's episode and folds the payment in.
// Returns (nil, "", nil) when the payment was already applied.
func (s *Service) apply(ctx context.Context, rc *remittance.RemittanceClaim, cl *claim.Claim) (*Episode, string, error) {
	ep, err := s.episodes.GetByClaimID(ctx, cl.ID)
	if errors.Is(err, ErrNotFound) {
		ep = &Episode{
			ID:              uuid.New(),
			ClaimID:         cl.ID,
			Status:          StatusOpen,
			TotalPaid:       decimal.Zero,
			TotalAdjustment: decimal.Zero,
		}
		if err := s.episodes.Create(ctx, ep); err != nil {
			return nil, "", err
		}
	} else if err != nil {
		return nil, "", err
	}

	applied, err := s.episodes.MarkApplied(ctx, rc.ID, ep.ID)
	if err != nil {
		return nil, "", err
	}
	if !applied {
		return nil, "", nil
	}

	s.accumulate(ep, rc, cl.TotalChargeAmount)
	if err := s.episodes.Update(ctx, ep); err != nil {
		return nil, "", err
	}
	return ep, ep.Status, nil
}

// claimStatusFor mirrors an episode status onto its claim. Open episodes
// leave the claim at submitted; every adjudicated status carries over
// verbatim because the two lattices share their settled names.
func claimStatusFor(status string) string {
	if status == StatusOpen {
		return claim.StatusSubmitted
	}
	return status
}

// accumulate folds one payment into the episode: totals, denial count,
// and the monotone status transition.
func (s *Service) accumulate(ep *Episode, rc *remittance.RemittanceClaim, totalCharge decimal.Decimal) {
	ep.TotalPaid = ep.TotalPaid.Add(rc.PaidAmount)
	ep.TotalAdjustment = ep.TotalAdjustment.Add(rc.TotalAdjustment())
	if rc.Denied() {
		ep.DenialCount++
	}
	ep.RemittanceID = &rc.RemittanceID
	ep.Status = nextStatus(ep.Status, rc, ep.TotalPaid, totalCharge)
	ep.LastUpdatedAt = time.Now()
}

// nextStatus derives the episode status after one more payment. The
// lattice is monotone, with one sanctioned sideways move: a payment on a
// previously denied episode yields partial (both outcomes observed), or
// paid when the accumulated payments cover the full charge.
func nextStatus(current string, rc *remittance.RemittanceClaim, totalPaid, totalCharge decimal.Decimal) string {
	incoming := deriveStatus(rc, totalPaid, totalCharge)
	if current == StatusDenied && rc.Paid() {
		if totalCharge.GreaterThan(decimal.Zero) && totalPaid.GreaterThanOrEqual(totalCharge) {
			return StatusPaid
		}
		return StatusPartial
	}
	if statusRank[incoming] > statusRank[current] {
		return incoming
	}
	return current
}

// deriveStatus maps one payment to a status: denied codes to denied, paid
// codes to paid or partial depending on coverage, anything else open.
func deriveStatus(rc *remittance.RemittanceClaim, totalPaid, totalCharge decimal.Decimal) string {
	switch {
	case rc.Denied():
		return StatusDenied
	case rc.Paid():
		if totalCharge.GreaterThan(decimal.Zero) && totalPaid.GreaterThanOrEqual(totalCharge) {
			return StatusPaid
		}
		return StatusPartial
	default:
		return StatusOpen
	}
}

// Get returns the episode, cached under episode:{id}.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Episode, error) {
	key := "episode:" + id.String()
	if v, err := s.cache.Get(ctx, key); err == nil {
		var e Episode
		if err := json.Unmarshal([]byte(v), &e); err == nil {
			return &e, nil
		}
	}
	e, err := s.episodes.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if buf, err := json.Marshal(e); err == nil {
		if err := s.cache.Set(ctx, key, string(buf), s.ttls.Claim); err != nil {
			s.logger.Warn().Err(err).Msg("episode cache set failed")
		}
	}
	return e, nil
}

// List returns a page of episodes with a cached total.
func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Episode, int, error) {
	items, err := s.episodes.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	key := "count:episode:" + filterKey(f)
	if v, err := s.cache.Get(ctx, key); err == nil {
		if n, err := strconv.Atoi(v); err == nil {
			return items, n, nil
		}
	}
	total, err := s.episodes.Count(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	if err := s.cache.Set(ctx, key, strconv.Itoa(total), s.ttls.Count); err != nil {
		s.logger.Warn().Err(err).Msg("episode count cache set failed")
	}
	return items, total, nil
}

// UpdateStatus moves the episode along the lattice; backwards moves are
// rejected.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status string) (*Episode, error) {
	if !ValidStatus(status) {
		return nil, apperr.Input("invalid_status", "unknown episode status")
	}
	var ep *Episode
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		ep, err = s.episodes.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(ep.Status, status) {
			return apperr.Input("invalid_transition",
				fmt.Sprintf("cannot move episode from %s to %s", ep.Status, status))
		}
		ep.Status = status
		ep.LastUpdatedAt = time.Now()
		if err := s.episodes.Update(ctx, ep); err != nil {
			return err
		}
		return s.claims.UpdateStatus(ctx, ep.ClaimID, claimStatusFor(status))
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, []uuid.UUID{id}, []uuid.UUID{ep.ClaimID})
	return ep, nil
}

// invalidate drops episode and count entries after a mutation, plus the
// projections of any claims the mutation touched.
func (s *Service) invalidate(ctx context.Context, episodeIDs, claimIDs []uuid.UUID) {
	for _, id := range episodeIDs {
		if _, err := s.cache.DeletePattern(ctx, "episode:"+id.String()+"*"); err != nil {
			s.logger.Warn().Err(err).Msg("episode cache invalidation failed")
		}
	}
	if len(episodeIDs) > 0 {
		if _, err := s.cache.DeletePattern(ctx, "count:episode*"); err != nil {
			s.logger.Warn().Err(err).Msg("episode count invalidation failed")
		}
	}
	for _, id := range claimIDs {
		if err := s.cache.Delete(ctx, "claim:"+id.String()); err != nil {
			s.logger.Warn().Err(err).Msg("claim cache invalidation failed")
		}
	}
}

// emit publishes episode_linked events after the transaction commits.
// Push is best-effort; failures are logged and dropped.
func (s *Service) emit(ctx context.Context, events []linkedEvent) {
	if s.publisher == nil {
		return
	}
	for _, e := range events {
		ev, err := websocket.NewEvent(websocket.EventEpisodeLinked, e, "")
		if err != nil {
			s.logger.Warn().Err(err).Msg("episode event marshal failed")
			continue
		}
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Msg("episode event publish failed")
		}
	}
}

func filterKey(f Filter) string {
	claimID := ""
	if f.ClaimID != nil {
		claimID = f.ClaimID.String()
	}
	return fmt.Sprintf("claim=%s|status=%s", claimID, f.Status)
}
