package models

import "encoding/hex"

// Hash is a SHA-1 digest as it appears in a descriptor: one per piece plus
// the info hash identifying the content itself.
type Hash [20]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// File is one entry of the content's file layout. Path is relative to the
// content root; a single-file descriptor is represented as one entry whose
// path is just the content name.
type File struct {
	Length int64
	Path   []string
}

// Descriptor is the immutable, already-validated view of a metainfo file.
// It is built once by the decoder; the exchange engine never touches the
// bencoded form again.
type Descriptor struct {
	Name        string
	Trackers    []string
	InfoHash    Hash
	PieceLength int64
	TotalLength int64
	PieceHashes []Hash
	Files       []File

	// MultiFile reports whether the content is laid out as a directory
	// named Name containing Files, rather than the single file Name.
	MultiFile bool
}

func (d Descriptor) NumPieces() int {
	return len(d.PieceHashes)
}

// PieceSize returns the byte length of a piece; the final piece is usually
// shorter than PieceLength.
func (d Descriptor) PieceSize(index int) int64 {
	begin := int64(index) * d.PieceLength
	left := d.TotalLength - begin
	if left < d.PieceLength {
		return left
	}
	return d.PieceLength
}
