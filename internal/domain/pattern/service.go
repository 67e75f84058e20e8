package pattern

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TxRunner executes fn inside a transaction bound to the derived context.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// Service runs detection passes and serves pattern reads. Detection is
// deterministic for a fixed snapshot: grouping is rebuilt from scratch
// each run and ties are broken lexicographically.
type Service struct {
	patterns Repository
	inTx     TxRunner
	logger   zerolog.Logger
}

func NewService(patterns Repository, inTx TxRunner, logger zerolog.Logger) *Service {
	return &Service{patterns: patterns, inTx: inTx, logger: logger}
}

// reasonAgg accumulates the episodes carrying one denial reason for one
// payer, with each episode's leading procedure and principal diagnosis.
type reasonAgg struct {
	episodes map[uuid.UUID]struct{}
	procBy   map[uuid.UUID]string
	dxBy     map[uuid.UUID]string
}

type payerAgg struct {
	episodes map[uuid.UUID]struct{}
	reasons  map[string]*reasonAgg
}

// Detect mines the window and upserts every pattern above threshold.
// Upserts for one payer share a transaction.
func (s *Service) Detect(ctx context.Context, params Params) (*Report, error) {
	p := params.withDefaults()
	now := time.Now().UTC()
	since := now.Add(-p.Window)

	obs, err := s.patterns.Observations(ctx, p.PayerID, since)
	if err != nil {
		return nil, err
	}

	payers := make(map[uuid.UUID]*payerAgg)
	for _, o := range obs {
		pa := payers[o.PayerID]
		if pa == nil {
			pa = &payerAgg{
				episodes: make(map[uuid.UUID]struct{}),
				reasons:  make(map[string]*reasonAgg),
			}
			payers[o.PayerID] = pa
		}
		pa.episodes[o.EpisodeID] = struct{}{}
		ra := pa.reasons[o.ReasonCode]
		if ra == nil {
			ra = &reasonAgg{
				episodes: make(map[uuid.UUID]struct{}),
				procBy:   make(map[uuid.UUID]string),
				dxBy:     make(map[uuid.UUID]string),
			}
			pa.reasons[o.ReasonCode] = ra
		}
		ra.episodes[o.EpisodeID] = struct{}{}
		if o.ProcedureCode != "" {
			ra.procBy[o.EpisodeID] = o.ProcedureCode
		}
		if o.DiagnosisCode != "" {
			ra.dxBy[o.EpisodeID] = o.DiagnosisCode
		}
	}

	report := &Report{
		WindowStart:  since,
		WindowEnd:    now,
		PayersSeen:   len(payers),
		Observations: len(obs),
	}

	for _, payerID := range sortedPayerIDs(payers) {
		pa := payers[payerID]
		total := len(pa.episodes)
		if total == 0 {
			continue
		}
		var candidates []*DenialPattern
		for _, reason := range sortedReasons(pa.reasons) {
			ra := pa.reasons[reason]
			count := len(ra.episodes)
			freq := float64(count) / float64(total)
			if freq < p.MinFrequency || count < p.MinOccurrences {
				continue
			}
			dp := &DenialPattern{
				PayerID:          payerID,
				DenialReasonCode: reason,
				Frequency:        freq,
				Confidence:       confidence(count),
				OccurrenceCount:  count,
				LastObserved:     now,
			}
			if code, ok := dominant(ra.procBy, count); ok {
				dp.ProcedureCode = &code
			}
			if code, ok := dominant(ra.dxBy, count); ok {
				dp.DiagnosisCode = &code
			}
			candidates = append(candidates, dp)
		}
		if len(candidates) == 0 {
			continue
		}
		err := s.inTx(ctx, func(ctx context.Context) error {
			for _, dp := range candidates {
				if err := s.patterns.Upsert(ctx, dp); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		report.Upserted += len(candidates)
	}

	s.logger.Info().
		Int("payers", report.PayersSeen).
		Int("observations", report.Observations).
		Int("upserted", report.Upserted).
		Msg("denial pattern detection complete")
	return report, nil
}

// dominant returns the most common code among the group's episodes when
// its conditional frequency clears the refinement threshold. Ties break
// toward the lexicographically smaller code so runs are repeatable.
func dominant(byEpisode map[uuid.UUID]string, groupSize int) (string, bool) {
	if groupSize == 0 || len(byEpisode) == 0 {
		return "", false
	}
	counts := make(map[string]int)
	for _, code := range byEpisode {
		counts[code]++
	}
	var best string
	bestCount := 0
	for code, n := range counts {
		if n > bestCount || (n == bestCount && code < best) {
			best, bestCount = code, n
		}
	}
	if float64(bestCount)/float64(groupSize) < refineThreshold {
		return "", false
	}
	return best, true
}

func confidence(count int) float64 {
	c := float64(count) / confidenceSaturation
	if c > 1 {
		return 1
	}
	return c
}

func sortedPayerIDs(m map[uuid.UUID]*payerAgg) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func sortedReasons(m map[string]*reasonAgg) []string {
	codes := make([]string, 0, len(m))
	for c := range m {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// List returns a page of patterns with the total.
func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*DenialPattern, int, error) {
	items, err := s.patterns.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.patterns.Count(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Get returns one pattern by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*DenialPattern, error) {
	return s.patterns.GetByID(ctx, id)
}

// byPayerLimit bounds the pattern set one scoring pass considers.
const byPayerLimit = 500

// ByPayer returns the payer's learned patterns for risk scoring.
func (s *Service) ByPayer(ctx context.Context, payerID uuid.UUID) ([]*DenialPattern, error) {
	return s.patterns.List(ctx, Filter{PayerID: &payerID}, byPayerLimit, 0)
}
