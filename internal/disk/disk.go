// Package disk owns the mapping between the logical byte stream of the
// content and physical storage. It pre-allocates sparse files, splits pieces
// that straddle file boundaries, and re-verifies existing data on startup so
// resume never depends on anything but the content itself.
package disk

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/spf13/afero"

	"goswarm/internal/shared/models"
)

// progressSuffix names the optional bit-per-piece cache kept next to the
// content. It only accelerates startup; the rehash is authoritative.
const progressSuffix = ".progress"

type span struct {
	file  afero.File
	lock  *sync.RWMutex
	start int64 // global offset of the file's first byte
	size  int64
}

type Manager struct {
	fs   afero.Fs
	desc models.Descriptor
	dir  string
	log  *slog.Logger

	spans []span
}

// NewManager opens (creating if needed) every file of the content under dir
// and reserves the full logical length as sparse storage, so blocks can be
// written at arbitrary offsets from the first connected peer onward.
func NewManager(fs afero.Fs, desc models.Descriptor, dir string, log *slog.Logger) (*Manager, error) {
	m := &Manager{fs: fs, desc: desc, dir: dir, log: log}

	var offset int64
	for _, f := range desc.Files {
		path, err := m.filePath(f)
		if err != nil {
			return nil, err
		}
		if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating directories for %s: %w", path, err)
		}
		file, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		fi, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, err
		}
		if fi.Size() < f.Length {
			// Sparse reservation: extend without zero-filling.
			if err := file.Truncate(f.Length); err != nil {
				file.Close()
				return nil, fmt.Errorf("allocating %s: %w", path, err)
			}
			if err := file.Sync(); err != nil {
				file.Close()
				return nil, err
			}
			log.Info("pre-allocated file", slog.String("path", path), slog.Int64("bytes", f.Length))
		}
		m.spans = append(m.spans, span{file: file, lock: &sync.RWMutex{}, start: offset, size: f.Length})
		offset += f.Length
	}
	return m, nil
}

// filePath maps a descriptor file entry to its on-disk location. Name and
// path components come off the wire, so anything resolving outside dir is
// refused as a malformed descriptor.
func (m *Manager) filePath(f models.File) (string, error) {
	var path string
	if m.desc.MultiFile {
		path = filepath.Join(append([]string{m.dir, m.desc.Name}, f.Path...)...)
	} else {
		path = filepath.Join(m.dir, m.desc.Name)
	}
	rel, err := filepath.Rel(m.dir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("descriptor path %q escapes %s", path, m.dir)
	}
	return path, nil
}

// WritePiece persists the bytes of one piece and syncs every file it
// touched before returning. Callers only hand over verified pieces; nothing
// unverified ever reaches storage.
func (m *Manager) WritePiece(index int, data []byte) error {
	if int64(len(data)) != m.desc.PieceSize(index) {
		return fmt.Errorf("piece %d: got %d bytes, want %d", index, len(data), m.desc.PieceSize(index))
	}
	offset := int64(index) * m.desc.PieceLength
	remaining := data
	for i := range m.spans {
		s := &m.spans[i]
		inFile, n := overlap(s, offset, int64(len(remaining)))
		if n <= 0 {
			continue
		}
		s.lock.Lock()
		_, err := s.file.WriteAt(remaining[:n], inFile)
		s.lock.Unlock()
		if err != nil {
			return fmt.Errorf("writing piece %d: %w", index, err)
		}
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("syncing piece %d: %w", index, err)
		}
		offset += n
		remaining = remaining[n:]
		if len(remaining) == 0 {
			break
		}
	}
	if len(remaining) > 0 {
		return fmt.Errorf("piece %d extends past the content length", index)
	}
	return nil
}

// ReadBlock reads a sub-range of a piece, splitting across file boundaries
// as needed. Reads take shared locks so verified regions can be served
// concurrently with writes elsewhere.
func (m *Manager) ReadBlock(index, begin, length int) ([]byte, error) {
	pieceSize := m.desc.PieceSize(index)
	if begin < 0 || length <= 0 || int64(begin+length) > pieceSize {
		return nil, fmt.Errorf("block %d+%d out of range for piece %d", begin, length, index)
	}
	offset := int64(index)*m.desc.PieceLength + int64(begin)
	out := make([]byte, length)
	filled := 0
	for i := range m.spans {
		s := &m.spans[i]
		inFile, n := overlap(s, offset, int64(length-filled))
		if n <= 0 {
			continue
		}
		s.lock.RLock()
		_, err := s.file.ReadAt(out[filled:filled+int(n)], inFile)
		s.lock.RUnlock()
		if err != nil {
			return nil, fmt.Errorf("reading piece %d: %w", index, err)
		}
		offset += n
		filled += int(n)
		if filled == length {
			break
		}
	}
	if filled != length {
		return nil, fmt.Errorf("short read for piece %d: %d of %d bytes", index, filled, length)
	}
	return out, nil
}

func (m *Manager) ReadPiece(index int) ([]byte, error) {
	return m.ReadBlock(index, 0, int(m.desc.PieceSize(index)))
}

// overlap returns the file-relative offset and byte count of the
// intersection between [offset, offset+length) and the span.
func overlap(s *span, offset, length int64) (inFile, n int64) {
	end := s.start + s.size
	if offset >= end || offset+length <= s.start {
		return 0, 0
	}
	inFile = offset - s.start
	n = length
	if inFile+n > s.size {
		n = s.size - inFile
	}
	return inFile, n
}

// VerifyExisting rehashes piece regions against the descriptor's expected
// hashes and returns the set of pieces already present from a prior run.
// A progress cache, when present and well-formed, limits the rehash to the
// regions it claims complete; a stale cache can only cost a re-download,
// never a false Verified.
func (m *Manager) VerifyExisting() (bitmap.Bitmap, int, error) {
	verified := bitmap.New(m.desc.NumPieces())

	cache, haveCache := m.loadProgress()
	count := 0
	for index := 0; index < m.desc.NumPieces(); index++ {
		if haveCache && !cache.Get(index) {
			continue
		}
		data, err := m.ReadPiece(index)
		if err != nil {
			return verified, count, err
		}
		sum := sha1.Sum(data)
		if bytes.Equal(sum[:], m.desc.PieceHashes[index][:]) {
			verified.Set(index, true)
			count++
		}
	}
	m.log.Info("verified existing data",
		slog.Int("verified_pieces", count),
		slog.Int("total_pieces", m.desc.NumPieces()),
		slog.Bool("used_cache", haveCache))
	return verified, count, nil
}

func (m *Manager) progressPath() string {
	return filepath.Join(m.dir, "."+m.desc.Name+progressSuffix)
}

func (m *Manager) loadProgress() (bitmap.Bitmap, bool) {
	data, err := afero.ReadFile(m.fs, m.progressPath())
	if err != nil {
		return nil, false
	}
	bf := bitmap.Bitmap(data)
	if bf.Len() < m.desc.NumPieces() {
		m.log.Warn("ignoring undersized progress cache", slog.String("path", m.progressPath()))
		return nil, false
	}
	return bf, true
}

// SaveProgress writes the completion bitfield with a write-new-then-rename
// so a crash mid-write can never leave a corrupt cache behind.
func (m *Manager) SaveProgress(bf []byte) error {
	tmp := m.progressPath() + ".tmp"
	if err := afero.WriteFile(m.fs, tmp, bf, 0644); err != nil {
		return err
	}
	return m.fs.Rename(tmp, m.progressPath())
}

// Close syncs and closes every file. Any write already accepted has been
// synced by WritePiece, so closing is safe at shutdown.
func (m *Manager) Close() error {
	var firstErr error
	for i := range m.spans {
		s := &m.spans[i]
		s.lock.Lock()
		if err := s.file.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.lock.Unlock()
	}
	return firstErr
}
