package rules

import (
	"time"

	"github.com/aklyne/cadenza/internal/domain/track"
)

func init() {
	Register(GreaterThanOperator{})
	Register(LessThanOperator{})
}

// GreaterThanOperator matches when a numeric field exceeds the value, or a
// date field falls after it.
type GreaterThanOperator struct{}

func (GreaterThanOperator) Name() string {
	return "greater-than"
}

func (GreaterThanOperator) Description() string {
	return "Field is greater than the value (after, for dates)"
}

func (GreaterThanOperator) AppliesTo(kind track.Kind) bool {
	return kind == track.KindNumber || kind == track.KindDate
}

func (GreaterThanOperator) Compile(kind track.Kind, value string, _ time.Time) (Arg, error) {
	return compileScalar(kind, value)
}

func (GreaterThanOperator) Match(v track.FieldValue, arg Arg) bool {
	if v.Kind == track.KindDate {
		return v.Date.After(arg.Date)
	}
	return v.Number > arg.Number
}

// LessThanOperator matches when a numeric field is below the value, or a
// date field falls before it.
type LessThanOperator struct{}

func (LessThanOperator) Name() string {
	return "less-than"
}

func (LessThanOperator) Description() string {
	return "Field is less than the value (before, for dates)"
}

func (LessThanOperator) AppliesTo(kind track.Kind) bool {
	return kind == track.KindNumber || kind == track.KindDate
}

func (LessThanOperator) Compile(kind track.Kind, value string, _ time.Time) (Arg, error) {
	return compileScalar(kind, value)
}

func (LessThanOperator) Match(v track.FieldValue, arg Arg) bool {
	if v.Kind == track.KindDate {
		return v.Date.Before(arg.Date)
	}
	return v.Number < arg.Number
}
