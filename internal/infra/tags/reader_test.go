package tags

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dhowden/tag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aklyne/cadenza/internal/domain/track"
)

// writeWav writes a silent mono 16-bit PCM file at 8 kHz.
func writeWav(t *testing.T, path string, seconds int) {
	t.Helper()
	const rate = 8000
	n := rate * seconds

	data := make([]byte, 44+n*2)
	copy(data[0:4], "RIFF")
	binary.LittleEndian.PutUint32(data[4:8], uint32(36+n*2))
	copy(data[8:12], "WAVE")
	copy(data[12:16], "fmt ")
	binary.LittleEndian.PutUint32(data[16:20], 16)
	binary.LittleEndian.PutUint16(data[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(data[22:24], 1) // mono
	binary.LittleEndian.PutUint32(data[24:28], rate)
	binary.LittleEndian.PutUint32(data[28:32], rate*2)
	binary.LittleEndian.PutUint16(data[32:34], 2)
	binary.LittleEndian.PutUint16(data[34:36], 16)
	copy(data[36:40], "data")
	binary.LittleEndian.PutUint32(data[40:44], uint32(n*2))

	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestReader_UntaggedFileFallsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "morning dew.wav")
	writeWav(t, path, 1)

	got, err := NewReader("").ReadMetadata(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, path, got.ID)
	assert.Equal(t, "morning dew", got.Title)
	assert.Equal(t, "Unknown Artist", got.Artist)
	assert.Equal(t, "Unknown Album", got.Album)
	assert.Equal(t, time.Second, got.Duration)
	assert.Empty(t, got.CoverArtPath)
}

func TestReader_MissingFile(t *testing.T) {
	_, err := NewReader("").ReadMetadata(context.Background(), "/no/such/file.mp3")
	require.Error(t, err)
}

func TestReader_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewReader("").ReadMetadata(ctx, "/irrelevant.mp3")
	require.ErrorIs(t, err, context.Canceled)
}

func TestReader_UndecodableFormatHasZeroDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voice memo.m4a")
	require.NoError(t, os.WriteFile(path, []byte("not really audio"), 0o644))

	got, err := NewReader("").ReadMetadata(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "voice memo", got.Title)
	assert.Zero(t, got.Duration)
}

// stubMetadata satisfies tag.Metadata with canned values.
type stubMetadata struct {
	title, artist, albumArtist, album string
	genre, composer                   string
	year                              int
	picture                           *tag.Picture
}

func (s stubMetadata) Format() tag.Format          { return tag.ID3v2_3 }
func (s stubMetadata) FileType() tag.FileType      { return tag.MP3 }
func (s stubMetadata) Title() string               { return s.title }
func (s stubMetadata) Album() string               { return s.album }
func (s stubMetadata) Artist() string              { return s.artist }
func (s stubMetadata) AlbumArtist() string         { return s.albumArtist }
func (s stubMetadata) Composer() string            { return s.composer }
func (s stubMetadata) Genre() string               { return s.genre }
func (s stubMetadata) Year() int                   { return s.year }
func (s stubMetadata) Track() (int, int)           { return 0, 0 }
func (s stubMetadata) Disc() (int, int)            { return 0, 0 }
func (s stubMetadata) Picture() *tag.Picture       { return s.picture }
func (s stubMetadata) Lyrics() string              { return "" }
func (s stubMetadata) Comment() string             { return "" }
func (s stubMetadata) Raw() map[string]interface{} { return nil }

func TestApplyTags(t *testing.T) {
	tests := []struct {
		name string
		meta stubMetadata
		want track.Track
	}{
		{
			name: "full tags override fallbacks",
			meta: stubMetadata{
				title: "Pale Light", artist: "The Levee", album: "Low Water",
				genre: "Folk", composer: "R. Hale", year: 1998,
			},
			want: track.Track{
				Title: "Pale Light", Artist: "The Levee", Album: "Low Water",
				Genre: "Folk", Composer: "R. Hale", Year: "1998",
			},
		},
		{
			name: "whitespace tags keep fallbacks",
			meta: stubMetadata{title: "  ", artist: "\t", album: ""},
			want: track.Track{Title: "fallback", Artist: "Unknown Artist", Album: "Unknown Album"},
		},
		{
			name: "album artist fills a missing artist",
			meta: stubMetadata{title: "Intro", albumArtist: "Various Hands", album: "Comp"},
			want: track.Track{Title: "Intro", Artist: "Various Hands", Album: "Comp"},
		},
		{
			name: "zero year stays empty",
			meta: stubMetadata{title: "Untitled", artist: "A", album: "B"},
			want: track.Track{Title: "Untitled", Artist: "A", Album: "B"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := track.Track{Title: "fallback", Artist: "Unknown Artist", Album: "Unknown Album"}
			applyTags(&got, tt.meta)

			assert.Equal(t, tt.want.Title, got.Title)
			assert.Equal(t, tt.want.Artist, got.Artist)
			assert.Equal(t, tt.want.Album, got.Album)
			assert.Equal(t, tt.want.Genre, got.Genre)
			assert.Equal(t, tt.want.Composer, got.Composer)
			assert.Equal(t, tt.want.Year, got.Year)
		})
	}
}

func TestCacheCover(t *testing.T) {
	dir := t.TempDir()
	r := NewReader(filepath.Join(dir, "covers"))
	meta := stubMetadata{picture: &tag.Picture{Ext: "png", Data: []byte{1, 2, 3}}}

	out := r.cacheCover("/m/a.mp3", meta)
	require.NotEmpty(t, out)
	assert.Equal(t, ".png", filepath.Ext(out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	// Second extraction reuses the cached file.
	again := r.cacheCover("/m/a.mp3", meta)
	assert.Equal(t, out, again)

	// No embedded art, no file.
	assert.Empty(t, r.cacheCover("/m/b.mp3", stubMetadata{}))
}
