package ingest

import (
	"context"
	"encoding/json"
	"os"

	"github.com/claimrisk/claimrisk/internal/platform/jobs"
	"github.com/claimrisk/claimrisk/internal/platform/x12"
)

// Background job types for uploaded files.
const (
	JobTypeClaimFile = "claim_file_ingest"
	JobTypeRemitFile = "remit_file_ingest"
)

// FilePayload locates a spooled upload for a worker. The worker owns the
// file and removes it when done.
type FilePayload struct {
	Path     string `json:"path"`
	FileName string `json:"file_name"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
}

// ClaimJobHandler processes a spooled 837 upload.
func (p *Pipeline) ClaimJobHandler() jobs.Handler {
	return p.fileHandler(string(x12.TransactionClaim),
		func(ctx context.Context, f *os.File, jobID string, info FileInfo) (interface{}, error) {
			return p.ProcessClaimFile(ctx, f, jobID, info)
		})
}

// RemitJobHandler processes a spooled 835 upload.
func (p *Pipeline) RemitJobHandler() jobs.Handler {
	return p.fileHandler(string(x12.TransactionRemittance),
		func(ctx context.Context, f *os.File, jobID string, info FileInfo) (interface{}, error) {
			return p.ProcessRemitFile(ctx, f, jobID, info)
		})
}

func (p *Pipeline) fileHandler(fileType string, process func(ctx context.Context, f *os.File, jobID string, info FileInfo) (interface{}, error)) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job, report jobs.ProgressReporter) error {
		var payload FilePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return err
		}
		info := FileInfo{Name: payload.FileName, Type: fileType, Size: payload.Size}
		f, err := os.Open(payload.Path)
		if err != nil {
			return err
		}
		defer func() {
			f.Close()
			if err := os.Remove(payload.Path); err != nil {
				p.d.Logger.Warn().Err(err).Msg("spooled upload cleanup failed")
			}
		}()

		report(0.1, StageParsing)
		result, err := process(ctx, f, job.ID, info)
		if err != nil {
			return err
		}
		buf, err := json.Marshal(result)
		if err != nil {
			return err
		}
		job.Result = buf
		report(1, StageComplete)
		return nil
	}
}
