package mldata

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// minRows is the smallest dataset worth training on.
const minRows = 100

// QualityReport summarizes a historical window before it is used for
// training. A report that fails Err is grounds for a non-zero CLI exit.
type QualityReport struct {
	Start              time.Time `json:"start"`
	End                time.Time `json:"end"`
	Total              int       `json:"total"`
	Denied             int       `json:"denied"`
	DenialRate         float64   `json:"denial_rate"`
	MissingServiceDate int       `json:"missing_service_date"`
	ZeroCharge         int       `json:"zero_charge"`
}

// Check builds the quality report for a loaded window.
func Check(rows []Row, start, end time.Time) QualityReport {
	rep := QualityReport{Start: start, End: end, Total: len(rows)}
	for _, r := range rows {
		if r.Denied {
			rep.Denied++
		}
		if !r.HasServiceDate {
			rep.MissingServiceDate++
		}
		if r.TotalCharge <= 0 {
			rep.ZeroCharge++
		}
	}
	if rep.Total > 0 {
		rep.DenialRate = float64(rep.Denied) / float64(rep.Total)
	}
	return rep
}

// Err reports why the window is unusable for training, nil when usable.
// Single-class windows cannot fit a classifier; tiny windows overfit.
func (r QualityReport) Err() error {
	if r.Total < minRows {
		return fmt.Errorf("only %d labeled episodes in window, need at least %d", r.Total, minRows)
	}
	if r.Denied == 0 {
		return fmt.Errorf("window contains no denied episodes, cannot fit a classifier")
	}
	if r.Denied == r.Total {
		return fmt.Errorf("window contains only denied episodes, cannot fit a classifier")
	}
	return nil
}

// WriteCSV exports the feature matrix with a label column. The output is
// the input contract for the offline model commands.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	header := append([]string{"episode_id", "claim_id"}, FeatureNames...)
	header = append(header, "denied")
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{r.EpisodeID.String(), r.ClaimID.String()}
		for _, f := range r.Features() {
			rec = append(rec, strconv.FormatFloat(f, 'f', -1, 64))
		}
		label := "0"
		if r.Denied {
			label = "1"
		}
		rec = append(rec, label)
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
