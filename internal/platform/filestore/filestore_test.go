package filestore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestSpool_SmallStaysInMemory(t *testing.T) {
	content := "ISA*00*          *"
	s, err := New(strings.NewReader(content), t.TempDir(), 1024, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	if !s.InMemory() {
		t.Error("expected small upload to stay in memory")
	}
	if s.Size() != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), s.Size())
	}

	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != content {
		t.Errorf("content mismatch: %q", got)
	}
}

func TestSpool_LargeSpillsToDisk(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 4096)
	s, err := New(bytes.NewReader(content), t.TempDir(), 1024, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	if s.InMemory() {
		t.Error("expected large upload to spill to disk")
	}
	if s.Size() != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), s.Size())
	}

	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("disk-spooled content does not round-trip")
	}
}

func TestSpool_RejectsOversize(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 2048)

	if _, err := New(bytes.NewReader(content), t.TempDir(), 4096, 1024); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge for in-memory path, got %v", err)
	}
	if _, err := New(bytes.NewReader(content), t.TempDir(), 512, 1024); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge for disk path, got %v", err)
	}
}

func TestSpool_Hash(t *testing.T) {
	content := []byte("CLM*CTRL001*1000.00")
	sum := sha256.Sum256(content)
	want := hex.EncodeToString(sum[:])

	s, err := New(bytes.NewReader(content), t.TempDir(), 1024, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	if s.SHA256() != want {
		t.Errorf("hash mismatch: got %s want %s", s.SHA256(), want)
	}
}

func TestSpool_SeekAllowsReparse(t *testing.T) {
	content := bytes.Repeat([]byte("y"), 2048)
	s, err := New(bytes.NewReader(content), t.TempDir(), 512, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	first, _ := io.ReadAll(s)
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("seek failed: %v", err)
	}
	second, _ := io.ReadAll(s)
	if !bytes.Equal(first, second) {
		t.Error("re-read after seek differs")
	}
}

func TestSpool_CloseIsIdempotentForMemory(t *testing.T) {
	s, err := New(strings.NewReader("abc"), t.TempDir(), 1024, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}
