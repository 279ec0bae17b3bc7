package decoder

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
	"github.com/zeebo/bencode"

	"goswarm/internal/shared/models"
)

// DefaultPieceLength is the piece size used when creating descriptors.
// 256 KiB keeps the descriptor small without making corrupted pieces
// expensive to re-fetch.
const DefaultPieceLength = 262144

// Create hashes a local file or directory into descriptor form and returns
// both the typed descriptor and its bencoded encoding. Files are walked in
// sorted order so the same input always yields the same info hash.
func Create(fs afero.Fs, path, announce string, pieceLength int64) (models.Descriptor, []byte, error) {
	if pieceLength <= 0 {
		pieceLength = DefaultPieceLength
	}

	fi, err := fs.Stat(path)
	if err != nil {
		return models.Descriptor{}, nil, err
	}
	name := filepath.Base(path)

	var files []string
	if fi.IsDir() {
		err = afero.Walk(fs, path, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return models.Descriptor{}, nil, err
		}
		sort.Strings(files)
	} else {
		files = []string{path}
	}
	if len(files) == 0 {
		return models.Descriptor{}, nil, fmt.Errorf("nothing to hash under %s", path)
	}

	pieces, lengths, total, err := hashStream(fs, files, pieceLength)
	if err != nil {
		return models.Descriptor{}, nil, err
	}

	info := bencodeInfo{
		Name:        name,
		PieceLength: pieceLength,
		Pieces:      string(pieces),
	}
	if fi.IsDir() {
		for i, p := range files {
			rel, err := filepath.Rel(path, p)
			if err != nil {
				return models.Descriptor{}, nil, err
			}
			info.Files = append(info.Files, bencodeFile{
				Length: lengths[i],
				Path:   splitPath(rel),
			})
		}
	} else {
		info.Length = total
	}

	rawInfo, err := bencode.EncodeBytes(info)
	if err != nil {
		return models.Descriptor{}, nil, err
	}
	raw, err := bencode.EncodeBytes(bencodeTorrent{
		Announce: announce,
		Info:     rawInfo,
	})
	if err != nil {
		return models.Descriptor{}, nil, err
	}

	d, err := NewDecoder().Decode(bytes.NewReader(raw))
	if err != nil {
		return models.Descriptor{}, nil, err
	}
	return d, raw, nil
}

// hashStream hashes all files as one continuous byte stream, the same way
// the verifier will see them once downloaded.
func hashStream(fs afero.Fs, files []string, pieceLength int64) (pieces []byte, lengths []int64, total int64, err error) {
	h := sha1.New()
	var inPiece int64
	for _, p := range files {
		f, err := fs.Open(p)
		if err != nil {
			return nil, nil, 0, err
		}
		n, err := fillPieces(h, f, pieceLength, &inPiece, &pieces)
		f.Close()
		if err != nil {
			return nil, nil, 0, err
		}
		lengths = append(lengths, n)
		total += n
	}
	if inPiece > 0 {
		pieces = append(pieces, h.Sum(nil)...)
	}
	return pieces, lengths, total, nil
}

func fillPieces(h hash.Hash, r io.Reader, pieceLength int64, inPiece *int64, pieces *[]byte) (int64, error) {
	var fileTotal int64
	buf := make([]byte, 64*1024)
	for {
		room := pieceLength - *inPiece
		chunk := buf
		if room < int64(len(chunk)) {
			chunk = chunk[:room]
		}
		n, err := r.Read(chunk)
		if n > 0 {
			h.Write(chunk[:n])
			*inPiece += int64(n)
			fileTotal += int64(n)
			if *inPiece == pieceLength {
				*pieces = append(*pieces, h.Sum(nil)...)
				h.Reset()
				*inPiece = 0
			}
		}
		if err == io.EOF {
			return fileTotal, nil
		}
		if err != nil {
			return fileTotal, err
		}
	}
}

func splitPath(rel string) []string {
	dir, file := filepath.Split(rel)
	if dir == "" {
		return []string{file}
	}
	parts := splitPath(filepath.Clean(dir))
	return append(parts, file)
}
