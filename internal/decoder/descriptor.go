package decoder

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/bencode"

	"goswarm/internal/shared/models"
)

type DescriptorDecoder interface {
	Decode(io.Reader) (models.Descriptor, error)
}

type decoder struct{}

func NewDecoder() DescriptorDecoder {
	return decoder{}
}

var ErrMalformedDescriptor = errors.New("malformed descriptor")

// serialization struct that mirrors the structure of a metainfo file.
// Info is kept as a RawMessage so the info hash is computed over the exact
// bytes on the wire, even if the dictionary has an unexpected shape.
type bencodeTorrent struct {
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list"`
	Info         bencode.RawMessage `bencode:"info"`
}

type bencodeInfo struct {
	Name        string        `bencode:"name"`
	PieceLength int64         `bencode:"piece length"`
	Pieces      string        `bencode:"pieces"`
	Length      int64         `bencode:"length"`
	Files       []bencodeFile `bencode:"files,omitempty"`
}

type bencodeFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// Decode converts the variably-typed bencoded form into an immutable,
// strongly-typed Descriptor in a single pass. Everything downstream works
// off the Descriptor; nothing re-reads the bencoded bytes.
func (decoder) Decode(r io.Reader) (models.Descriptor, error) {
	var bt bencodeTorrent
	err := bencode.NewDecoder(r).Decode(&bt)
	if err != nil {
		return models.Descriptor{}, fmt.Errorf("%w: %w", ErrMalformedDescriptor, err)
	}
	if len(bt.Info) == 0 {
		return models.Descriptor{}, fmt.Errorf("%w: missing info dictionary", ErrMalformedDescriptor)
	}

	var info bencodeInfo
	err = bencode.DecodeBytes(bt.Info, &info)
	if err != nil {
		return models.Descriptor{}, fmt.Errorf("%w: %w", ErrMalformedDescriptor, err)
	}

	d := models.Descriptor{
		Name:        info.Name,
		InfoHash:    sha1.Sum(bt.Info),
		PieceLength: info.PieceLength,
		Trackers:    flattenTrackers(bt.Announce, bt.AnnounceList),
	}

	d.PieceHashes, err = splitPieceHashes(info.Pieces)
	if err != nil {
		return models.Descriptor{}, err
	}

	if len(info.Files) > 0 {
		d.MultiFile = true
		for _, f := range info.Files {
			d.Files = append(d.Files, models.File{Length: f.Length, Path: f.Path})
			d.TotalLength += f.Length
		}
	} else {
		d.Files = []models.File{{Length: info.Length, Path: []string{info.Name}}}
		d.TotalLength = info.Length
	}

	return d, validate(d)
}

func validate(d models.Descriptor) error {
	if d.PieceLength <= 0 {
		return fmt.Errorf("%w: non-positive piece length", ErrMalformedDescriptor)
	}
	if d.TotalLength <= 0 {
		return fmt.Errorf("%w: non-positive total length", ErrMalformedDescriptor)
	}
	want := int((d.TotalLength + d.PieceLength - 1) / d.PieceLength)
	if len(d.PieceHashes) != want {
		return fmt.Errorf("%w: %d piece hashes for %d pieces", ErrMalformedDescriptor, len(d.PieceHashes), want)
	}
	if len(d.Trackers) == 0 {
		return fmt.Errorf("%w: no trackers", ErrMalformedDescriptor)
	}
	return nil
}

// flattenTrackers merges announce and announce-list into one ordered,
// deduplicated URL list with the primary announce first.
func flattenTrackers(announce string, announceList [][]string) []string {
	seen := make(map[string]struct{})
	trackers := make([]string, 0, 1)
	add := func(url string) {
		if url == "" {
			return
		}
		if _, ok := seen[url]; ok {
			return
		}
		seen[url] = struct{}{}
		trackers = append(trackers, url)
	}
	add(announce)
	for _, tier := range announceList {
		for _, url := range tier {
			add(url)
		}
	}
	return trackers
}

func splitPieceHashes(pieces string) ([]models.Hash, error) {
	if len(pieces)%20 != 0 {
		return nil, fmt.Errorf("%w: pieces length %d not a multiple of 20", ErrMalformedDescriptor, len(pieces))
	}
	hashes := make([]models.Hash, len(pieces)/20)
	for i := range hashes {
		copy(hashes[i][:], pieces[i*20:(i+1)*20])
	}
	return hashes, nil
}
