package x12

import (
	"fmt"
	"io"
	"strings"
)

// ReadEnvelope consumes segments up to and including the first ST and
// returns the interchange metadata. It never scans past the first ST, so
// transaction type detection is O(header) regardless of file size.
func ReadEnvelope(sr *SegmentReader) (Envelope, error) {
	var env Envelope
	for {
		seg, err := sr.Next()
		if err == io.EOF {
			return env, fmt.Errorf("x12: no ST segment found: %w", ErrNoTransaction)
		}
		if err != nil {
			return env, err
		}
		switch seg.ID {
		case "ISA":
			env.SenderID = strings.TrimSpace(seg.Get(6))
			env.ReceiverID = strings.TrimSpace(seg.Get(8))
			env.InterchangeControlNumber = strings.TrimSpace(seg.Get(13))
			if d, err := parseDate(seg.Get(9)); err == nil && d != nil {
				env.Date = *d
			}
		case "GS":
			env.GroupControlNumber = seg.Get(6)
			if env.Date.IsZero() {
				if d, err := parseDate(seg.Get(4)); err == nil && d != nil {
					env.Date = *d
				}
			}
		case "ST":
			env.TransactionControlNumber = seg.Get(2)
			switch code := seg.Get(1); code {
			case "837":
				env.Type = TransactionClaim
			case "835":
				env.Type = TransactionRemittance
			default:
				return env, fmt.Errorf("x12: unsupported transaction set %q", code)
			}
			return env, nil
		}
	}
}
