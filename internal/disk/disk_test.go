package disk

import (
	"bytes"
	"crypto/sha1"
	"io"
	"log/slog"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goswarm/internal/shared/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// multiFileDescriptor lays 600 bytes of content over two 300-byte files
// with 256-byte pieces, so piece 1 straddles the file boundary.
func multiFileDescriptor(t *testing.T, content []byte) models.Descriptor {
	t.Helper()
	require.Len(t, content, 600)
	d := models.Descriptor{
		Name:        "bundle",
		Trackers:    []string{"http://tracker.example.com/announce"},
		PieceLength: 256,
		TotalLength: 600,
		MultiFile:   true,
		Files: []models.File{
			{Length: 300, Path: []string{"sub1", "one.bin"}},
			{Length: 300, Path: []string{"sub1", "sub2", "two.bin"}},
		},
	}
	for i := 0; i < 3; i++ {
		end := (i + 1) * 256
		if end > 600 {
			end = 600
		}
		d.PieceHashes = append(d.PieceHashes, sha1.Sum(content[i*256:end]))
	}
	return d
}

func testContent() []byte {
	content := make([]byte, 600)
	for i := range content {
		content[i] = byte(i % 251)
	}
	return content
}

func TestPreallocation(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := multiFileDescriptor(t, testContent())

	m, err := NewManager(fs, d, "/downloads", testLogger())
	require.NoError(t, err)
	defer m.Close()

	for _, path := range []string{
		"/downloads/bundle/sub1/one.bin",
		"/downloads/bundle/sub1/sub2/two.bin",
	} {
		fi, err := fs.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, int64(300), fi.Size(), path)
	}
}

func TestWritePieceStraddlesFileBoundary(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := testContent()
	d := multiFileDescriptor(t, content)

	m, err := NewManager(fs, d, "/downloads", testLogger())
	require.NoError(t, err)
	defer m.Close()

	// piece 1 covers global bytes 256..512: the last 44 bytes of the first
	// file and the first 212 bytes of the second.
	require.NoError(t, m.WritePiece(1, content[256:512]))

	one, err := afero.ReadFile(fs, "/downloads/bundle/sub1/one.bin")
	require.NoError(t, err)
	two, err := afero.ReadFile(fs, "/downloads/bundle/sub1/sub2/two.bin")
	require.NoError(t, err)
	assert.Equal(t, content[256:300], one[256:300])
	assert.Equal(t, content[300:512], two[:212])

	got, err := m.ReadBlock(1, 0, 256)
	require.NoError(t, err)
	assert.Equal(t, content[256:512], got)

	// sub-range read within the straddling piece
	got, err = m.ReadBlock(1, 40, 10)
	require.NoError(t, err)
	assert.Equal(t, content[296:306], got)
}

func TestWritePieceRejectsWrongSize(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := multiFileDescriptor(t, testContent())

	m, err := NewManager(fs, d, "/downloads", testLogger())
	require.NoError(t, err)
	defer m.Close()

	assert.Error(t, m.WritePiece(0, make([]byte, 100)))
	assert.Error(t, m.WritePiece(2, make([]byte, 256))) // final piece is 88 bytes
}

func TestVerifyExistingAfterRestart(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := testContent()
	d := multiFileDescriptor(t, content)

	m, err := NewManager(fs, d, "/downloads", testLogger())
	require.NoError(t, err)
	require.NoError(t, m.WritePiece(0, content[:256]))
	require.NoError(t, m.WritePiece(2, content[512:]))
	require.NoError(t, m.Close())

	// restart against the same storage: pieces 0 and 2 must come back
	// Verified without any progress cache
	m2, err := NewManager(fs, d, "/downloads", testLogger())
	require.NoError(t, err)
	defer m2.Close()

	verified, count, err := m2.VerifyExisting()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.True(t, verified.Get(0))
	assert.False(t, verified.Get(1))
	assert.True(t, verified.Get(2))
}

func TestVerifyExistingRejectsCorruptData(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := testContent()
	d := multiFileDescriptor(t, content)

	m, err := NewManager(fs, d, "/downloads", testLogger())
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.WritePiece(0, content[:256]))

	// corrupt one byte of piece 0 behind the manager's back
	f, err := fs.OpenFile("/downloads/bundle/sub1/one.bin", 2, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, 10)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	verified, count, err := m.VerifyExisting()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.False(t, verified.Get(0))
}

func TestProgressCacheAcceleratesButNeverLies(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := testContent()
	d := multiFileDescriptor(t, content)

	m, err := NewManager(fs, d, "/downloads", testLogger())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.WritePiece(0, content[:256]))
	require.NoError(t, m.WritePiece(1, content[256:512]))

	// cache claims only piece 0; piece 1 is skipped (a re-download at
	// worst), and a piece the cache claims but the disk lacks stays missing
	cache := []byte{0b10100000} // claims pieces 0 and 2
	require.NoError(t, m.SaveProgress(cache))

	verified, count, err := m.VerifyExisting()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, verified.Get(0))
	assert.False(t, verified.Get(1), "cache said missing, rehash skipped")
	assert.False(t, verified.Get(2), "cache lied, rehash caught it")
}

func TestSaveProgressIsAtomicRename(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := multiFileDescriptor(t, testContent())

	m, err := NewManager(fs, d, "/downloads", testLogger())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.SaveProgress([]byte{0xA0}))
	data, err := afero.ReadFile(fs, "/downloads/.bundle.progress")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xA0}, data)

	exists, err := afero.Exists(fs, "/downloads/.bundle.progress.tmp")
	require.NoError(t, err)
	assert.False(t, exists, "temp file must not survive the rename")
}

func TestReadBlockOutOfRange(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := multiFileDescriptor(t, testContent())

	m, err := NewManager(fs, d, "/downloads", testLogger())
	require.NoError(t, err)
	defer m.Close()

	_, err = m.ReadBlock(2, 0, 256) // final piece is only 88 bytes
	assert.Error(t, err)
	_, err = m.ReadBlock(0, -1, 10)
	assert.Error(t, err)
}

func TestNewManagerRejectsEscapingPaths(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := testContent()

	d := multiFileDescriptor(t, content)
	d.Files[1].Path = []string{"..", "..", "evil.bin"}
	_, err := NewManager(fs, d, "/downloads", testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")

	d = multiFileDescriptor(t, content)
	d.Name = ".."
	_, err = NewManager(fs, d, "/downloads", testLogger())
	require.Error(t, err)

	exists, err := afero.Exists(fs, "/evil.bin")
	require.NoError(t, err)
	assert.False(t, exists, "nothing may be created outside the output directory")
}

func TestSingleFileLayout(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := bytes.Repeat([]byte{7}, 100)
	d := models.Descriptor{
		Name:        "sample.bin",
		Trackers:    []string{"http://tracker.example.com/announce"},
		PieceLength: 64,
		TotalLength: 100,
		PieceHashes: []models.Hash{sha1.Sum(content[:64]), sha1.Sum(content[64:])},
		Files:       []models.File{{Length: 100, Path: []string{"sample.bin"}}},
	}

	m, err := NewManager(fs, d, "/downloads", testLogger())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.WritePiece(0, content[:64]))
	require.NoError(t, m.WritePiece(1, content[64:]))

	got, err := afero.ReadFile(fs, "/downloads/sample.bin")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
