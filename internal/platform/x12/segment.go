// Package x12 implements a streaming parser for ANSI X12 5010 EDI healthcare
// transactions: 837 professional/institutional claims and 835 remittance
// advices. The parser reads segments incrementally from any io.Reader, so
// memory use is bounded by the largest single block regardless of file size.
package x12

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Canonical X12 delimiters. The ISA header may override any of them.
const (
	DefaultSegmentTerminator  = '~'
	DefaultElementSeparator   = '*'
	DefaultComponentSeparator = ':'
	DefaultRepetitionSeparator = '^'
)

// isaHeaderLen is the fixed byte length of an ISA segment up to and
// including the component separator at ISA16 (position 105). The segment
// terminator follows immediately after, at position 106.
const isaHeaderLen = 105

// Delimiters holds the separator set in effect for one interchange.
type Delimiters struct {
	Segment    byte
	Element    byte
	Component  byte
	Repetition byte
}

// DefaultDelimiters returns the canonical delimiter set.
func DefaultDelimiters() Delimiters {
	return Delimiters{
		Segment:    DefaultSegmentTerminator,
		Element:    DefaultElementSeparator,
		Component:  DefaultComponentSeparator,
		Repetition: DefaultRepetitionSeparator,
	}
}

// Segment is a single X12 segment: an id and its elements in order.
// Elements are raw strings; decoding into typed values happens in the
// extractors.
type Segment struct {
	ID       string
	Elements []string
}

// Get returns the element at the given 1-based X12 position (CLM02 is
// Get(2)). Out-of-range positions return the empty string, which matches
// how optional trailing elements are transmitted.
func (s Segment) Get(pos int) string {
	if pos < 1 || pos > len(s.Elements) {
		return ""
	}
	return s.Elements[pos-1]
}

// Components splits the element at pos on the component separator.
func (s Segment) Components(pos int, d Delimiters) []string {
	v := s.Get(pos)
	if v == "" {
		return nil
	}
	return strings.Split(v, string(d.Component))
}

// SegmentReader yields segments one at a time from an underlying reader.
// It learns the interchange delimiters from the leading ISA header and
// strips CR/LF bytes that some trading partners insert between segments.
type SegmentReader struct {
	r      *bufio.Reader
	delims Delimiters
	buf    []byte
	read   bool // ISA header consumed
	pending *Segment
}

// NewSegmentReader wraps r. Delimiter discovery happens lazily on the
// first call to Next.
func NewSegmentReader(r io.Reader) *SegmentReader {
	return &SegmentReader{
		r:      bufio.NewReaderSize(r, 64*1024),
		delims: DefaultDelimiters(),
		buf:    make([]byte, 0, 4096),
	}
}

// Delimiters returns the delimiter set in effect. Valid after the first
// call to Next.
func (sr *SegmentReader) Delimiters() Delimiters {
	return sr.delims
}

// Next returns the next segment, or io.EOF when the input is exhausted.
// A truncated final segment missing its terminator is returned as-is when
// it carries at least a segment id; bare trailing separators are dropped.
func (sr *SegmentReader) Next() (Segment, error) {
	if !sr.read {
		if err := sr.readISA(); err != nil {
			return Segment{}, err
		}
		sr.read = true
	}
	if sr.pending != nil {
		seg := *sr.pending
		sr.pending = nil
		return seg, nil
	}
	return sr.readSegment()
}

// readISA consumes the fixed-length ISA header, discovers the delimiter
// set from it, and stashes the parsed ISA segment for the first Next call.
func (sr *SegmentReader) readISA() error {
	head := make([]byte, 0, isaHeaderLen+1)
	for len(head) < isaHeaderLen {
		b, err := sr.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				if len(head) == 0 {
					return ErrEmptyInput
				}
				return fmt.Errorf("x12: input shorter than ISA header (%d bytes)", len(head))
			}
			return fmt.Errorf("x12: reading ISA header: %w", err)
		}
		if b == '\r' || b == '\n' {
			continue
		}
		head = append(head, b)
	}

	if string(head[:3]) != "ISA" {
		return fmt.Errorf("x12: interchange must begin with ISA, got %q", string(head[:3]))
	}

	// ISA is positional: the element separator is the byte after "ISA",
	// the repetition separator is ISA11, and the component separator is
	// ISA16 (the final data byte of the header). The segment terminator
	// is whatever follows.
	sr.delims.Element = head[3]
	sr.delims.Component = head[isaHeaderLen-1]

	elems := strings.Split(string(head[4:]), string(sr.delims.Element))
	if len(elems) >= 11 && len(elems[10]) == 1 {
		sr.delims.Repetition = elems[10][0]
	}

	term, err := sr.r.ReadByte()
	if err != nil {
		return fmt.Errorf("x12: reading segment terminator: %w", err)
	}
	if term != '\r' && term != '\n' {
		sr.delims.Segment = term
	}

	seg := sr.splitSegment(head)
	sr.pending = &seg
	return nil
}

// readSegment accumulates bytes until the segment terminator.
func (sr *SegmentReader) readSegment() (Segment, error) {
	sr.buf = sr.buf[:0]
	for {
		b, err := sr.r.ReadByte()
		if err == io.EOF {
			if len(sr.buf) >= 2 {
				// Truncated trailer: keep it if it names a segment.
				return sr.splitSegment(sr.buf), nil
			}
			return Segment{}, io.EOF
		}
		if err != nil {
			return Segment{}, fmt.Errorf("x12: reading segment: %w", err)
		}
		switch b {
		case '\r', '\n':
			continue
		case sr.delims.Segment:
			if len(sr.buf) == 0 {
				continue
			}
			return sr.splitSegment(sr.buf), nil
		default:
			sr.buf = append(sr.buf, b)
		}
	}
}

func (sr *SegmentReader) splitSegment(raw []byte) Segment {
	parts := strings.Split(string(raw), string(sr.delims.Element))
	seg := Segment{ID: strings.TrimSpace(parts[0])}
	if len(parts) > 1 {
		seg.Elements = parts[1:]
	}
	return seg
}
