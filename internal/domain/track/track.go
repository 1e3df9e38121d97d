// Package track provides the Track domain entity.
package track

import (
	"path/filepath"
	"strings"
	"time"
)

// Track represents a single playable audio item (song or episode).
// Identity is the absolute file path (or stream URL); it never changes.
// Metadata fields are mutated only by the library store.
type Track struct {
	ID           string        `json:"path"`            // Absolute file path or stream URL
	Title        string        `json:"title"`           // Track title
	Artist       string        `json:"artist"`          // Artist name
	Album        string        `json:"album"`           // Album name
	Genre        string        `json:"genre"`           // Genre
	Year         string        `json:"year"`            // Release year (free-form tag text)
	Composer     string        `json:"composer"`        // Composer
	CoverArtPath string        `json:"cover_art_path"`  // Extracted cover art location
	Duration     time.Duration `json:"duration"`        // Track duration
	Rating       int           `json:"rating"`          // 1-5, 0 means unrated
	PlayCount    int           `json:"play_count"`      // Completed listens
	LastPlayed   time.Time     `json:"last_played"`     // Zero when never played
	DateAdded    time.Time     `json:"date_added"`      // First seen by the library
}

// Kind classifies a metadata field for rule evaluation.
type Kind int

const (
	KindText Kind = iota
	KindNumber
	KindDate
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindDate:
		return "date"
	default:
		return "unknown"
	}
}

// Field names addressable by smart playlist conditions.
const (
	FieldTitle      = "title"
	FieldArtist     = "artist"
	FieldAlbum      = "album"
	FieldGenre      = "genre"
	FieldYear       = "year"
	FieldComposer   = "composer"
	FieldRating     = "rating"
	FieldPlayCount  = "play_count"
	FieldDuration   = "duration"
	FieldLastPlayed = "last_played"
	FieldDateAdded  = "date_added"
)

// FieldKinds maps every addressable field name to its kind.
var FieldKinds = map[string]Kind{
	FieldTitle:      KindText,
	FieldArtist:     KindText,
	FieldAlbum:      KindText,
	FieldGenre:      KindText,
	FieldYear:       KindText,
	FieldComposer:   KindText,
	FieldRating:     KindNumber,
	FieldPlayCount:  KindNumber,
	FieldDuration:   KindNumber,
	FieldLastPlayed: KindDate,
	FieldDateAdded:  KindDate,
}

// FieldValue is one track field prepared for comparison.
// Present is false when the track has no value for the field
// (empty text, unrated, never played), which conditions treat
// as a non-match rather than an error.
type FieldValue struct {
	Kind    Kind
	Text    string
	Number  float64
	Date    time.Time
	Present bool
}

// Field returns the named field's value. The second result is false
// for field names the track model does not know.
func (t *Track) Field(name string) (FieldValue, bool) {
	switch name {
	case FieldTitle:
		return textValue(t.Title), true
	case FieldArtist:
		return textValue(t.Artist), true
	case FieldAlbum:
		return textValue(t.Album), true
	case FieldGenre:
		return textValue(t.Genre), true
	case FieldYear:
		return textValue(t.Year), true
	case FieldComposer:
		return textValue(t.Composer), true
	case FieldRating:
		return FieldValue{Kind: KindNumber, Number: float64(t.Rating), Present: t.Rating > 0}, true
	case FieldPlayCount:
		return FieldValue{Kind: KindNumber, Number: float64(t.PlayCount), Present: true}, true
	case FieldDuration:
		return FieldValue{Kind: KindNumber, Number: t.Duration.Seconds(), Present: t.Duration > 0}, true
	case FieldLastPlayed:
		return FieldValue{Kind: KindDate, Date: t.LastPlayed, Present: !t.LastPlayed.IsZero()}, true
	case FieldDateAdded:
		return FieldValue{Kind: KindDate, Date: t.DateAdded, Present: !t.DateAdded.IsZero()}, true
	default:
		return FieldValue{}, false
	}
}

func textValue(s string) FieldValue {
	return FieldValue{Kind: KindText, Text: s, Present: strings.TrimSpace(s) != ""}
}

// DisplayTitle returns the title, falling back to the file stem.
func (t *Track) DisplayTitle() string {
	if strings.TrimSpace(t.Title) != "" {
		return t.Title
	}
	base := filepath.Base(t.ID)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IsStream reports whether the track plays from a URL instead of a file.
func (t *Track) IsStream() bool {
	return strings.HasPrefix(t.ID, "http://") || strings.HasPrefix(t.ID, "https://")
}

// AudioExtensions lists the file extensions the library accepts.
var AudioExtensions = map[string]bool{
	".mp3":  true,
	".flac": true,
	".wav":  true,
	".ogg":  true,
	".m4a":  true,
	".aac":  true,
	".wma":  true,
	".opus": true,
	".aiff": true,
	".alac": true,
}

// IsAudioFile reports whether the path has a recognized audio extension.
func IsAudioFile(path string) bool {
	return AudioExtensions[strings.ToLower(filepath.Ext(path))]
}
