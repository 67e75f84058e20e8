// Package ingest runs the file pipeline: stream-parse an X12 upload,
// persist its records in bounded batches, link episodes for remittances,
// and push progress events while the job runs. Patient identifiers are
// hashed at the parse boundary; raw identifiers never leave this
// package.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/claimrisk/claimrisk/internal/domain/claim"
	"github.com/claimrisk/claimrisk/internal/domain/episode"
	"github.com/claimrisk/claimrisk/internal/domain/pattern"
	"github.com/claimrisk/claimrisk/internal/domain/payer"
	"github.com/claimrisk/claimrisk/internal/domain/remittance"
	"github.com/claimrisk/claimrisk/internal/domain/risk"
	"github.com/claimrisk/claimrisk/internal/platform/apperr"
	"github.com/claimrisk/claimrisk/internal/platform/jobs"
	"github.com/claimrisk/claimrisk/internal/platform/phi"
	"github.com/claimrisk/claimrisk/internal/platform/websocket"
	"github.com/claimrisk/claimrisk/internal/platform/x12"
)

const (
	// claimBatchSize is how many claims share one insert transaction.
	claimBatchSize = 50
	// progressEvery is the record interval between file_progress events.
	progressEvery = 100
)

// Pipeline stages reported over the push channel.
const (
	StageParsing    = "parsing"
	StageProcessing = "processing"
	StageSaving     = "saving"
	StageComplete   = "complete"
)

// errSoftStop aborts the parse loop when the job's soft deadline passed;
// everything committed so far stays committed.
var errSoftStop = errors.New("ingest: soft deadline reached")

// TxRunner executes fn inside a transaction bound to the derived context.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// Metrics receives ingest throughput counters. The telemetry provider
// implements it; a nil Metrics disables recording.
type Metrics interface {
	AddSegmentsParsed(n int64)
	AddClaimsPersisted(n int64)
	AddRemittancesPersisted(n int64)
}

// Deps wires the pipeline's collaborators.
type Deps struct {
	Parser    *x12.Parser
	Hasher    *phi.Hasher
	Payers    *payer.Service
	Claims    *claim.Service
	Remits    remittance.Repository
	RemitSvc  *remittance.Service
	Episodes  *episode.Service
	Detector  *pattern.Service // optional: mines patterns after linking
	Scorer    *risk.Scorer     // optional: scores claims after persist
	Metrics   Metrics          // optional: throughput counters
	InTx      TxRunner
	Publisher websocket.EventPublisher
	Logger    zerolog.Logger
}

// Pipeline processes uploaded claim and remittance files.
type Pipeline struct {
	d Deps
}

func NewPipeline(d Deps) *Pipeline {
	return &Pipeline{d: d}
}

// FileInfo identifies the upload being processed. Size drives the
// byte-based progress fraction; zero means the fraction is unknown.
type FileInfo struct {
	Name string
	Type string // x12.TransactionClaim or x12.TransactionRemittance
	Size int64
}

// progressEvent is the file_progress push payload. Progress runs 0 to 1
// over the bytes of the file; Current and Total are the raw byte counts
// behind it.
type progressEvent struct {
	JobID    string  `json:"job_id,omitempty"`
	FileName string  `json:"filename"`
	FileType string  `json:"file_type"`
	Stage    string  `json:"stage"`
	Progress float64 `json:"progress"`
	Current  int64   `json:"current"`
	Total    int64   `json:"total"`
	Records  int     `json:"records_processed"`
}

// countReader tracks bytes handed to the parser so progress can be
// reported as a fraction of the upload.
type countReader struct {
	r io.Reader
	n int64
}

func (c *countReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// tracker carries everything one file's progress events need.
type tracker struct {
	p     *Pipeline
	jobID string
	info  FileInfo
	read  *countReader
}

func (t *tracker) report(ctx context.Context, stage string, records int) {
	if t.p.d.Publisher == nil {
		return
	}
	current := t.read.n
	fraction := 0.0
	switch {
	case stage == StageComplete:
		fraction = 1
	case t.info.Size > 0:
		fraction = float64(current) / float64(t.info.Size)
		if fraction > 1 {
			fraction = 1
		}
	}
	ev, err := websocket.NewEvent(websocket.EventFileProgress, progressEvent{
		JobID:    t.jobID,
		FileName: t.info.Name,
		FileType: t.info.Type,
		Stage:    stage,
		Progress: fraction,
		Current:  current,
		Total:    t.info.Size,
		Records:  records,
	}, "")
	if err != nil {
		return
	}
	if err := t.p.d.Publisher.Publish(ctx, ev); err != nil {
		t.p.d.Logger.Warn().Err(err).Msg("file progress publish failed")
	}
}

// ClaimFileReport summarizes one 837 ingest.
type ClaimFileReport struct {
	InterchangeControlNumber string      `json:"interchange_control_number"`
	ClaimsPersisted          int         `json:"claims_persisted"`
	Warnings                 int         `json:"warnings"`
	StoppedEarly             bool        `json:"stopped_early,omitempty"`
	ClaimIDs                 []uuid.UUID `json:"-"`
}

// RemitFileReport summarizes one 835 ingest and its episode linking.
// Provider-level (PLB) adjustments do not belong to any claim, so they
// surface here rather than on a payment row.
type RemitFileReport struct {
	InterchangeControlNumber string          `json:"interchange_control_number"`
	RemittanceID             uuid.UUID       `json:"remittance_id"`
	ClaimsPersisted          int             `json:"claims_persisted"`
	Linked                   int             `json:"linked"`
	AlreadyLinked            int             `json:"already_linked"`
	Unmatched                int             `json:"unmatched"`
	ProviderAdjustments      int             `json:"provider_adjustments"`
	ProviderAdjustmentTotal  decimal.Decimal `json:"provider_adjustment_total"`
	Warnings                 int             `json:"warnings"`
}

// ProcessClaimFile streams an 837 and persists its claims in batches of
// fifty, each batch in its own transaction. The soft deadline is checked
// at batch boundaries: work committed before the stop stays committed.
func (p *Pipeline) ProcessClaimFile(ctx context.Context, r io.Reader, jobID string, info FileInfo) (*ClaimFileReport, error) {
	report := &ClaimFileReport{}
	cr := &countReader{r: r}
	t := &tracker{p: p, jobID: jobID, info: info, read: cr}
	var batch []*claim.Claim
	var segments int64
	processed := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		toSave := batch
		batch = nil
		if err := p.d.InTx(ctx, func(ctx context.Context) error {
			return p.d.Claims.CreateBatch(ctx, toSave)
		}); err != nil {
			return fmt.Errorf("persist claim batch: %w", err)
		}
		for _, cl := range toSave {
			report.ClaimIDs = append(report.ClaimIDs, cl.ID)
		}
		report.ClaimsPersisted += len(toSave)
		if p.d.Metrics != nil {
			p.d.Metrics.AddClaimsPersisted(int64(len(toSave)))
		}
		t.report(ctx, StageSaving, report.ClaimsPersisted)
		return nil
	}

	h := x12.Handler{
		OnClaim: func(rec x12.ClaimRecord) error {
			cl, err := p.toClaim(ctx, rec)
			if err != nil {
				return err
			}
			batch = append(batch, cl)
			processed++
			if processed%progressEvery == 0 {
				t.report(ctx, StageParsing, processed)
			}
			if len(batch) >= claimBatchSize {
				if err := flush(); err != nil {
					return err
				}
				if jobs.SoftDeadlineExceeded(ctx) {
					report.StoppedEarly = true
					return errSoftStop
				}
			}
			return nil
		},
		OnSegment: func(x12.Segment) { segments++ },
		OnWarning: func(x12.Warning) { report.Warnings++ },
	}

	env, err := p.d.Parser.Parse(ctx, cr, h)
	if p.d.Metrics != nil {
		p.d.Metrics.AddSegmentsParsed(segments)
	}
	if err != nil && !errors.Is(err, errSoftStop) {
		return nil, apperr.Wrap(apperr.KindParse, "claim_file_parse", "claim file could not be parsed", err)
	}
	report.InterchangeControlNumber = env.InterchangeControlNumber

	if err := flush(); err != nil {
		return nil, err
	}
	p.scoreClaims(ctx, report.ClaimIDs)
	t.report(ctx, StageComplete, report.ClaimsPersisted)
	return report, nil
}

// scoreClaims runs the risk scorer over freshly persisted claims.
// Scoring is best-effort: a failed score is logged, not fatal to the
// ingest.
func (p *Pipeline) scoreClaims(ctx context.Context, ids []uuid.UUID) {
	if p.d.Scorer == nil {
		return
	}
	for _, id := range ids {
		if _, err := p.d.Scorer.Score(ctx, id); err != nil {
			p.d.Logger.Warn().Err(err).
				Str("claim_id", id.String()).
				Msg("risk scoring failed for ingested claim")
		}
	}
}

// ProcessRemitFile streams an 835, persists the remittance and its claim
// payments in one transaction, then links episodes and optionally mines
// the payer's denial patterns.
func (p *Pipeline) ProcessRemitFile(ctx context.Context, r io.Reader, jobID string, info FileInfo) (*RemitFileReport, error) {
	report := &RemitFileReport{ProviderAdjustmentTotal: decimal.Zero}
	cr := &countReader{r: r}
	t := &tracker{p: p, jobID: jobID, info: info, read: cr}
	var remit *remittance.Remittance
	var claims []*remittance.RemittanceClaim
	var segments int64
	processed := 0

	h := x12.Handler{
		OnRemittance: func(rec x12.RemittanceRecord) error {
			rm, err := p.toRemittance(ctx, rec)
			if err != nil {
				return err
			}
			remit = rm
			return nil
		},
		OnRemittanceClaim: func(rec x12.RemittanceClaimRecord) error {
			if remit == nil {
				return apperr.New(apperr.KindParse, "remit_file_parse", "claim payment before payment header")
			}
			claims = append(claims, p.toRemittanceClaim(rec))
			processed++
			if processed%progressEvery == 0 {
				t.report(ctx, StageParsing, processed)
			}
			return nil
		},
		OnSummary: func(rec x12.SummaryRecord) error {
			for _, pa := range rec.ProviderAdjust {
				report.ProviderAdjustments++
				report.ProviderAdjustmentTotal = report.ProviderAdjustmentTotal.Add(pa.Amount)
			}
			return nil
		},
		OnSegment: func(x12.Segment) { segments++ },
		OnWarning: func(x12.Warning) { report.Warnings++ },
	}

	env, err := p.d.Parser.Parse(ctx, cr, h)
	if p.d.Metrics != nil {
		p.d.Metrics.AddSegmentsParsed(segments)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindParse, "remit_file_parse", "remittance file could not be parsed", err)
	}
	report.InterchangeControlNumber = env.InterchangeControlNumber
	if remit == nil {
		return nil, apperr.New(apperr.KindParse, "remit_file_parse", "file carries no payment header")
	}

	t.report(ctx, StageSaving, processed)
	err = p.d.InTx(ctx, func(ctx context.Context) error {
		if err := p.d.Remits.Create(ctx, remit); err != nil {
			return err
		}
		for _, rc := range claims {
			rc.RemittanceID = remit.ID
		}
		return p.d.Remits.CreateClaims(ctx, claims)
	})
	if err != nil {
		return nil, fmt.Errorf("persist remittance: %w", err)
	}
	if p.d.Metrics != nil {
		p.d.Metrics.AddRemittancesPersisted(int64(len(claims)))
	}
	if p.d.RemitSvc != nil {
		p.d.RemitSvc.InvalidateCounts(ctx)
	}
	report.RemittanceID = remit.ID
	report.ClaimsPersisted = len(claims)
	if report.ProviderAdjustments > 0 {
		p.d.Logger.Info().
			Str("remittance_id", remit.ID.String()).
			Int("provider_adjustments", report.ProviderAdjustments).
			Str("provider_adjustment_total", report.ProviderAdjustmentTotal.StringFixed(2)).
			Msg("remittance carries provider-level adjustments")
	}

	t.report(ctx, StageProcessing, processed)
	link, err := p.d.Episodes.LinkRemittance(ctx, remit.ID)
	if err != nil {
		return nil, fmt.Errorf("link episodes: %w", err)
	}
	report.Linked = link.Linked
	report.AlreadyLinked = link.AlreadyDone
	report.Unmatched = link.Unmatched

	p.minePatterns(ctx, remit.PayerID)
	t.report(ctx, StageComplete, processed)
	return report, nil
}

// minePatterns refreshes the payer's denial patterns after new payment
// outcomes land. Best-effort.
func (p *Pipeline) minePatterns(ctx context.Context, payerID uuid.UUID) {
	if p.d.Detector == nil {
		return
	}
	if _, err := p.d.Detector.Detect(ctx, pattern.Params{PayerID: &payerID}); err != nil {
		p.d.Logger.Warn().Err(err).
			Str("payer_id", payerID.String()).
			Msg("pattern detection failed after remittance link")
	}
}
