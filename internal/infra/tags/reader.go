// Package tags extracts track metadata from local audio files. Tag data
// comes from dhowden/tag; track length comes from decoding the container
// header, since tags routinely lie about duration or omit it.
package tags

import (
	"context"
	"encoding/hex"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dhowden/tag"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
	zlog "github.com/rs/zerolog/log"

	"github.com/aklyne/cadenza/internal/domain/track"
)

const (
	unknownArtist = "Unknown Artist"
	unknownAlbum  = "Unknown Album"
)

// Reader extracts metadata for the library scanner. When coverDir is set,
// embedded cover art is written there once per track.
type Reader struct {
	coverDir string
}

// NewReader returns a metadata reader. Pass an empty coverDir to skip
// cover art extraction.
func NewReader(coverDir string) *Reader {
	return &Reader{coverDir: coverDir}
}

// ReadMetadata returns the best metadata the file offers. Missing or
// unreadable tags fall back to filename-derived values; only an unreadable
// file is an error.
func (r *Reader) ReadMetadata(ctx context.Context, path string) (track.Track, error) {
	if err := ctx.Err(); err != nil {
		return track.Track{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return track.Track{}, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	t := track.Track{
		ID:     path,
		Title:  stem(path),
		Artist: unknownArtist,
		Album:  unknownAlbum,
	}

	meta, err := tag.ReadFrom(f)
	if err != nil {
		// Untagged files still play; index them with the fallbacks.
		zlog.Debug().Err(err).Str("path", path).Msg("no readable tags")
	} else if meta != nil {
		applyTags(&t, meta)
		if r.coverDir != "" {
			t.CoverArtPath = r.cacheCover(path, meta)
		}
	}

	t.Duration = readDuration(path)
	return t, nil
}

func applyTags(t *track.Track, meta tag.Metadata) {
	if v := strings.TrimSpace(meta.Title()); v != "" {
		t.Title = v
	}
	if v := strings.TrimSpace(meta.Artist()); v != "" {
		t.Artist = v
	} else if v := strings.TrimSpace(meta.AlbumArtist()); v != "" {
		t.Artist = v
	}
	if v := strings.TrimSpace(meta.Album()); v != "" {
		t.Album = v
	}
	t.Genre = strings.TrimSpace(meta.Genre())
	t.Composer = strings.TrimSpace(meta.Composer())
	if y := meta.Year(); y > 0 {
		t.Year = strconv.Itoa(y)
	}
}

// readDuration decodes the container header to learn the real length.
// Formats without a decoder report zero.
func readDuration(path string) time.Duration {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		streamer, format, err = mp3.Decode(f)
	case ".wav":
		streamer, format, err = wav.Decode(f)
	case ".flac":
		streamer, format, err = flac.Decode(f)
	case ".ogg", ".oga":
		streamer, format, err = vorbis.Decode(f)
	default:
		_ = f.Close()
		return 0
	}
	if err != nil {
		zlog.Debug().Err(err).Str("path", path).Msg("cannot decode for duration")
		_ = f.Close()
		return 0
	}

	d := format.SampleRate.D(streamer.Len())
	_ = streamer.Close()
	_ = f.Close()
	return d
}

// cacheCover writes embedded art to the cover cache once and returns its
// path. Covers are keyed by a hash of the track path so rescans reuse them.
func (r *Reader) cacheCover(path string, meta tag.Metadata) string {
	pic := meta.Picture()
	if pic == nil || len(pic.Data) == 0 {
		return ""
	}

	ext := pic.Ext
	if ext == "" {
		ext = "jpg"
	}
	h := fnv.New64a()
	h.Write([]byte(path))
	out := filepath.Join(r.coverDir, hex.EncodeToString(h.Sum(nil))+"."+ext)

	if _, err := os.Stat(out); err == nil {
		return out
	}
	if err := os.MkdirAll(r.coverDir, 0o755); err != nil {
		zlog.Warn().Err(err).Msg("cannot create cover cache directory")
		return ""
	}
	if err := os.WriteFile(out, pic.Data, 0o644); err != nil {
		zlog.Warn().Err(err).Str("path", path).Msg("failed to cache cover art")
		return ""
	}
	return out
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
