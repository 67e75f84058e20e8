// Package filestore spools uploaded files before parsing. Small uploads stay
// in memory; anything over the threshold is written to a temp file so large
// interchanges never hold hundreds of megabytes of heap.
package filestore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrTooLarge is returned when an upload exceeds the configured maximum.
var ErrTooLarge = errors.New("upload exceeds maximum allowed size")

// Spool holds a fully received upload, either in memory or in a temp file.
// Callers must Close it to release the backing storage.
type Spool struct {
	size int64
	hash string

	mem  *bytes.Reader
	file *os.File
	path string
}

// New drains r into a spool. Uploads up to memoryLimit bytes are kept in
// memory; larger ones go to a temp file under dir (or the OS default when
// dir is empty). Reads stop with ErrTooLarge once maxBytes is exceeded.
func New(r io.Reader, dir string, memoryLimit, maxBytes int64) (*Spool, error) {
	if memoryLimit <= 0 {
		memoryLimit = 10 << 20
	}
	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes+1)
	}

	hasher := sha256.New()
	r = io.TeeReader(r, hasher)

	// Read one byte past the memory limit to learn whether we must spill.
	head := &bytes.Buffer{}
	n, err := io.CopyN(head, r, memoryLimit+1)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("spool upload: %w", err)
	}

	if n <= memoryLimit {
		if maxBytes > 0 && n > maxBytes {
			return nil, ErrTooLarge
		}
		return &Spool{
			size: n,
			hash: hex.EncodeToString(hasher.Sum(nil)),
			mem:  bytes.NewReader(head.Bytes()),
		}, nil
	}

	f, err := os.CreateTemp(dir, "upload-*.spool")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}

	if _, err := io.Copy(f, head); err != nil {
		cleanup()
		return nil, fmt.Errorf("write spool file: %w", err)
	}
	rest, err := io.Copy(f, r)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("write spool file: %w", err)
	}

	total := n + rest
	if maxBytes > 0 && total > maxBytes {
		cleanup()
		return nil, ErrTooLarge
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, fmt.Errorf("rewind spool file: %w", err)
	}

	return &Spool{
		size: total,
		hash: hex.EncodeToString(hasher.Sum(nil)),
		file: f,
		path: f.Name(),
	}, nil
}

// Size returns the spooled byte count.
func (s *Spool) Size() int64 { return s.size }

// SHA256 returns the hex-encoded digest of the spooled content.
func (s *Spool) SHA256() string { return s.hash }

// InMemory reports whether the spool avoided disk.
func (s *Spool) InMemory() bool { return s.file == nil }

// Read implements io.Reader over the spooled content.
func (s *Spool) Read(p []byte) (int, error) {
	if s.file != nil {
		return s.file.Read(p)
	}
	return s.mem.Read(p)
}

// Seek implements io.Seeker so the content can be re-parsed.
func (s *Spool) Seek(offset int64, whence int) (int64, error) {
	if s.file != nil {
		return s.file.Seek(offset, whence)
	}
	return s.mem.Seek(offset, whence)
}

// Close releases the backing storage, removing the temp file if one exists.
func (s *Spool) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	if rmErr := os.Remove(s.path); err == nil {
		err = rmErr
	}
	s.file = nil
	return err
}
