package risk

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claimrisk/claimrisk/internal/domain/claim"
	"github.com/claimrisk/claimrisk/internal/platform/cache"
	"github.com/claimrisk/claimrisk/internal/platform/jobs"
	"github.com/claimrisk/claimrisk/internal/platform/websocket"
)

// JobTypeRecalculate is the background job type for re-scoring a claim.
const JobTypeRecalculate = "risk_recalculate"

// RecalculatePayload is the job payload for JobTypeRecalculate.
type RecalculatePayload struct {
	ClaimID uuid.UUID `json:"claim_id"`
}

// scoreEvent is the risk_score_calculated push payload.
type scoreEvent struct {
	ClaimID      uuid.UUID `json:"claim_id"`
	OverallScore int       `json:"overall_score"`
	Level        string    `json:"level"`
}

// Scorer evaluates every factor against a claim and persists the
// weighted result. Factors run in registration order so the explanation
// trail is stable.
type Scorer struct {
	claims    claim.Repository
	scores    Repository
	factors   []Factor
	cache     cache.Cache
	ttls      cache.TTLs
	publisher websocket.EventPublisher
	logger    zerolog.Logger
}

func NewScorer(
	claims claim.Repository,
	scores Repository,
	factors []Factor,
	c cache.Cache,
	ttls cache.TTLs,
	publisher websocket.EventPublisher,
	logger zerolog.Logger,
) *Scorer {
	return &Scorer{
		claims:    claims,
		scores:    scores,
		factors:   factors,
		cache:     c,
		ttls:      ttls,
		publisher: publisher,
		logger:    logger,
	}
}

// DefaultFactors wires the standard factor set with default weights.
func DefaultFactors(rates DenialRateSource, patterns PatternSource, predictor Predictor) []Factor {
	return []Factor{
		NewPayerFactor(rates, nil, WeightPayer),
		NewCodingFactor(WeightCoding),
		NewDocumentationFactor(WeightDocumentation),
		NewPatternFactor(patterns, WeightPattern),
		NewMLFactor(predictor, WeightML),
	}
}

// Score evaluates the claim, persists a new score row, refreshes the
// cache, and emits a risk_score_calculated event.
func (s *Scorer) Score(ctx context.Context, claimID uuid.UUID) (*RiskScore, error) {
	proj, err := s.claims.GetByID(ctx, claimID)
	if err != nil {
		return nil, err
	}
	cl := &proj.Claim

	results := make([]FactorResult, 0, len(s.factors))
	var weighted float64
	for _, f := range s.factors {
		r := f.Evaluate(ctx, cl)
		results = append(results, r)
		if r.Weight == 0 {
			continue
		}
		weighted += r.Score * r.Weight
	}

	overall := int(math.Round(clamp(weighted, 0, 100)))
	score := &RiskScore{
		ID:           uuid.New(),
		ClaimID:      claimID,
		OverallScore: overall,
		Level:        LevelFor(overall),
		Factors:      results,
		CalculatedAt: time.Now().UTC(),
	}
	if err := s.scores.Create(ctx, score); err != nil {
		return nil, err
	}

	s.refreshCache(ctx, score)
	s.emit(ctx, score)
	return score, nil
}

// Latest returns the claim's most recent score, cached for an hour.
// ErrNotFound means the claim has never been scored.
func (s *Scorer) Latest(ctx context.Context, claimID uuid.UUID) (*RiskScore, error) {
	key := cacheKey(claimID)
	if v, err := s.cache.Get(ctx, key); err == nil {
		var score RiskScore
		if err := json.Unmarshal([]byte(v), &score); err == nil {
			return &score, nil
		}
	}
	score, err := s.scores.LatestByClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, key, score)
	return score, nil
}

// History returns recent score rows, newest first.
func (s *Scorer) History(ctx context.Context, claimID uuid.UUID, limit int) ([]*RiskScore, error) {
	return s.scores.HistoryByClaim(ctx, claimID, limit)
}

// JobHandler adapts Score into a background job handler for
// JobTypeRecalculate.
func (s *Scorer) JobHandler() jobs.Handler {
	return func(ctx context.Context, job *jobs.Job, report jobs.ProgressReporter) error {
		var payload RecalculatePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return err
		}
		report(0.1, "scoring claim")
		score, err := s.Score(ctx, payload.ClaimID)
		if err != nil {
			return err
		}
		result, err := json.Marshal(score)
		if err != nil {
			return err
		}
		job.Result = result
		report(1, "score calculated")
		return nil
	}
}

func cacheKey(claimID uuid.UUID) string {
	return "risk_score:" + claimID.String()
}

func (s *Scorer) refreshCache(ctx context.Context, score *RiskScore) {
	s.cacheSet(ctx, cacheKey(score.ClaimID), score)
	// The claim projection embeds the latest score; drop it too.
	if err := s.cache.Delete(ctx, "claim:"+score.ClaimID.String()); err != nil {
		s.logger.Warn().Err(err).Msg("claim cache invalidation failed")
	}
}

func (s *Scorer) cacheSet(ctx context.Context, key string, score *RiskScore) {
	buf, err := json.Marshal(score)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, string(buf), s.ttls.RiskScore); err != nil {
		s.logger.Warn().Err(err).Msg("risk score cache set failed")
	}
}

func (s *Scorer) emit(ctx context.Context, score *RiskScore) {
	if s.publisher == nil {
		return
	}
	ev, err := websocket.NewEvent(websocket.EventRiskScoreCalculated, scoreEvent{
		ClaimID:      score.ClaimID,
		OverallScore: score.OverallScore,
		Level:        score.Level,
	}, "")
	if err != nil {
		s.logger.Warn().Err(err).Msg("risk event marshal failed")
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Msg("risk event publish failed")
	}
}
