package shmdict

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Persisted file layout, little-endian:
//
//	[length u64][image bytes][crc32 u32]
//
// The checksum covers the image bytes only. Flush writes a sibling temp
// file and renames it into place, so a crash mid-write never leaves a
// half-written file at the canonical path.
const (
	persistHeaderSize  = 8
	persistTrailerSize = 4
	persistTmpExt      = ".tmp"
)

type persister struct {
	path string
	log  *zap.Logger
}

// load reads and validates the persisted image. A missing file is the valid
// first-run state and returns (nil, nil).
func (p *persister) load() ([]byte, error) {
	raw, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("shmdict: read %s: %w", p.path, err)
	}

	if len(raw) < persistHeaderSize+persistTrailerSize {
		return nil, fmt.Errorf("%s: %d bytes, below minimum %d: %w",
			p.path, len(raw), persistHeaderSize+persistTrailerSize, ErrCorruptFile)
	}
	length := binary.LittleEndian.Uint64(raw[:persistHeaderSize])
	if uint64(len(raw)) != persistHeaderSize+length+persistTrailerSize {
		return nil, fmt.Errorf("%s: header says %d image bytes, file has %d: %w",
			p.path, length, len(raw)-persistHeaderSize-persistTrailerSize, ErrCorruptFile)
	}
	image := raw[persistHeaderSize : persistHeaderSize+length]
	want := binary.LittleEndian.Uint32(raw[len(raw)-persistTrailerSize:])
	if got := crc32.ChecksumIEEE(image); got != want {
		return nil, fmt.Errorf("%s: checksum %#x, want %#x: %w", p.path, got, want, ErrCorruptFile)
	}
	return image, nil
}

// flush mirrors the image to the backing file via write-new, rename-over.
func (p *persister) flush(image []byte) error {
	tmp := p.path + persistTmpExt

	if dir := filepath.Dir(p.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("shmdict: create dir for %s: %w", p.path, err)
		}
	}

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("shmdict: create %s: %w", tmp, err)
	}

	var header [persistHeaderSize]byte
	binary.LittleEndian.PutUint64(header[:], uint64(len(image)))
	var trailer [persistTrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[:], crc32.ChecksumIEEE(image))

	for _, chunk := range [][]byte{header[:], image, trailer[:]} {
		if _, err := f.Write(chunk); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("shmdict: write %s: %w", tmp, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("shmdict: sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("shmdict: close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("shmdict: rename %s over %s: %w", tmp, p.path, err)
	}
	p.log.Debug("image flushed", zap.String("path", p.path), zap.Int("bytes", len(image)))
	return nil
}
