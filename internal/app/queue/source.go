// Package queue manages the play order: the resolved track list, the
// cursor, shuffle permutations and repeat modes.
package queue

import (
	"context"

	"github.com/aklyne/cadenza/internal/app/library"
	"github.com/aklyne/cadenza/internal/app/rules"
	"github.com/aklyne/cadenza/internal/domain/playlist"
	"github.com/aklyne/cadenza/internal/domain/track"
)

// SourceKind identifies what a queue was built from.
type SourceKind int

const (
	SourceLibrary SourceKind = iota
	SourceStatic
	SourceSmart
	SourceAdhoc
)

// String returns the string representation of the source kind.
func (k SourceKind) String() string {
	switch k {
	case SourceLibrary:
		return "library"
	case SourceStatic:
		return "static"
	case SourceSmart:
		return "smart"
	case SourceAdhoc:
		return "adhoc"
	default:
		return "unknown"
	}
}

// Source produces the track list a queue plays. Resolve must be pure: same
// snapshot in, same list out, no retained references.
type Source interface {
	Name() string
	Kind() SourceKind
	// Resolve maps a library snapshot to the ordered track list.
	Resolve(ctx context.Context, snap library.Snapshot) ([]track.Track, error)
	// Volatile reports whether library changes can alter the resolution.
	Volatile() bool
}

// LibrarySource plays the entire library in catalog order.
type LibrarySource struct{}

func NewLibrarySource() *LibrarySource { return &LibrarySource{} }

func (*LibrarySource) Name() string     { return "Library" }
func (*LibrarySource) Kind() SourceKind { return SourceLibrary }
func (*LibrarySource) Volatile() bool   { return true }

func (*LibrarySource) Resolve(_ context.Context, snap library.Snapshot) ([]track.Track, error) {
	return snap.Tracks, nil
}

// StaticSource resolves a static playlist's track references against the
// library, silently skipping references the library no longer has.
type StaticSource struct {
	name     string
	trackIDs []string
}

func NewStaticSource(name string, trackIDs []string) *StaticSource {
	return &StaticSource{name: name, trackIDs: append([]string(nil), trackIDs...)}
}

func (s *StaticSource) Name() string   { return s.name }
func (*StaticSource) Kind() SourceKind { return SourceStatic }
func (*StaticSource) Volatile() bool   { return true }

func (s *StaticSource) Resolve(_ context.Context, snap library.Snapshot) ([]track.Track, error) {
	byID := make(map[string]track.Track, len(snap.Tracks))
	for _, t := range snap.Tracks {
		byID[t.ID] = t
	}
	out := make([]track.Track, 0, len(s.trackIDs))
	for _, id := range s.trackIDs {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// SmartSource resolves a rule set through the evaluator on every refresh.
type SmartSource struct {
	name  string
	rules *playlist.RuleSet
	eval  *rules.Evaluator
}

func NewSmartSource(name string, set *playlist.RuleSet, eval *rules.Evaluator) *SmartSource {
	return &SmartSource{name: name, rules: set, eval: eval}
}

func (s *SmartSource) Name() string   { return s.name }
func (*SmartSource) Kind() SourceKind { return SourceSmart }
func (*SmartSource) Volatile() bool   { return true }

func (s *SmartSource) Resolve(ctx context.Context, snap library.Snapshot) ([]track.Track, error) {
	return s.eval.Evaluate(ctx, s.rules, snap.Tracks)
}

// AdhocSource is a fixed track list, for example files named on the
// command line. It never re-resolves.
type AdhocSource struct {
	name   string
	tracks []track.Track
}

func NewAdhocSource(name string, tracks []track.Track) *AdhocSource {
	return &AdhocSource{name: name, tracks: append([]track.Track(nil), tracks...)}
}

func (s *AdhocSource) Name() string   { return s.name }
func (*AdhocSource) Kind() SourceKind { return SourceAdhoc }
func (*AdhocSource) Volatile() bool   { return false }

func (s *AdhocSource) Resolve(context.Context, library.Snapshot) ([]track.Track, error) {
	return append([]track.Track(nil), s.tracks...), nil
}
