// Package playlist provides the Playlist domain entity and the rule set
// shapes backing smart playlists.
package playlist

// Kind distinguishes static playlists from rule-driven smart playlists.
type Kind int

const (
	KindStatic Kind = iota // Explicit ordered track references
	KindSmart              // Membership recomputed from a rule set
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindStatic:
		return "static"
	case KindSmart:
		return "smart"
	default:
		return "unknown"
	}
}

// Combinator joins a rule set's conditions.
type Combinator string

const (
	CombinatorAll Combinator = "all" // Every condition must match
	CombinatorAny Combinator = "any" // At least one condition must match
)

// Condition is a single (field, operator, value) comparison.
type Condition struct {
	Field    string `json:"field" mapstructure:"field" validate:"required"`
	Operator string `json:"operator" mapstructure:"operator" validate:"required"`
	Value    string `json:"value" mapstructure:"value"`
}

// SortSpec orders a smart playlist's resolved tracks.
type SortSpec struct {
	Field      string `json:"field" mapstructure:"field" default:"title"`
	Descending bool   `json:"descending" mapstructure:"descending"`
}

// RuleSet is the declarative definition backing a smart playlist.
// An empty condition list matches every track under CombinatorAll
// (vacuous truth) and no track under CombinatorAny.
type RuleSet struct {
	Combinator Combinator  `json:"combinator" mapstructure:"combinator" default:"all" validate:"oneof=all any"`
	Conditions []Condition `json:"conditions" mapstructure:"conditions" validate:"dive"`
	Sort       SortSpec    `json:"sort" mapstructure:"sort"`
	Limit      int         `json:"limit" mapstructure:"limit" validate:"gte=0"` // 0 = unlimited
}

// Playlist is either a static ordered sequence of track references or a
// smart playlist defined by a rule set. Static track references are weak:
// they are resolved against the library at use time and pruned when the
// underlying track vanishes.
type Playlist struct {
	ID       string   // UUID
	Name     string   // Unique display name
	Kind     Kind     // static or smart
	TrackIDs []string // Static only: ordered track ids
	Rules    *RuleSet // Smart only
	Builtin  bool     // Seeded playlists that cannot be renamed or deleted
}

// IsSmart reports whether membership is rule-derived.
func (p *Playlist) IsSmart() bool {
	return p.Kind == KindSmart
}

// Contains reports whether the static playlist references the track.
func (p *Playlist) Contains(trackID string) bool {
	for _, id := range p.TrackIDs {
		if id == trackID {
			return true
		}
	}
	return false
}

// Append adds a track reference unless it is already present.
func (p *Playlist) Append(trackID string) bool {
	if p.Contains(trackID) {
		return false
	}
	p.TrackIDs = append(p.TrackIDs, trackID)
	return true
}

// Remove drops a track reference. Reports whether anything changed.
func (p *Playlist) Remove(trackID string) bool {
	for i, id := range p.TrackIDs {
		if id == trackID {
			p.TrackIDs = append(p.TrackIDs[:i], p.TrackIDs[i+1:]...)
			return true
		}
	}
	return false
}

// Prune drops references the exists check rejects, returning how many
// were removed. Deleting a library track must never corrupt a playlist,
// only shrink it.
func (p *Playlist) Prune(exists func(trackID string) bool) int {
	kept := p.TrackIDs[:0]
	for _, id := range p.TrackIDs {
		if exists(id) {
			kept = append(kept, id)
		}
	}
	removed := len(p.TrackIDs) - len(kept)
	p.TrackIDs = kept
	return removed
}

// Clone returns a deep copy so registry callers can hand playlists out
// without sharing mutable slices.
func (p *Playlist) Clone() *Playlist {
	cp := *p
	cp.TrackIDs = append([]string(nil), p.TrackIDs...)
	if p.Rules != nil {
		rules := *p.Rules
		rules.Conditions = append([]Condition(nil), p.Rules.Conditions...)
		cp.Rules = &rules
	}
	return &cp
}
