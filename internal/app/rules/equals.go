package rules

import (
	"strings"
	"time"

	"github.com/aklyne/cadenza/internal/domain/track"
)

func init() {
	Register(EqualsOperator{})
	Register(NotEqualsOperator{})
}

// EqualsOperator matches when the field equals the comparison value.
// Text comparison is case-insensitive, numeric comparison is exact.
type EqualsOperator struct{}

func (EqualsOperator) Name() string {
	return "equals"
}

func (EqualsOperator) Description() string {
	return "Field equals the value (case-insensitive for text)"
}

func (EqualsOperator) AppliesTo(kind track.Kind) bool {
	return kind == track.KindText || kind == track.KindNumber
}

func (EqualsOperator) Compile(kind track.Kind, value string, _ time.Time) (Arg, error) {
	return compileScalar(kind, value)
}

func (EqualsOperator) Match(v track.FieldValue, arg Arg) bool {
	if v.Kind == track.KindNumber {
		return v.Number == arg.Number
	}
	return strings.ToLower(v.Text) == arg.Text
}

// NotEqualsOperator matches when the field differs from the comparison
// value. A track missing the field does not match; absence is handled by
// the evaluator, not the operator.
type NotEqualsOperator struct{}

func (NotEqualsOperator) Name() string {
	return "not-equals"
}

func (NotEqualsOperator) Description() string {
	return "Field differs from the value (case-insensitive for text)"
}

func (NotEqualsOperator) AppliesTo(kind track.Kind) bool {
	return kind == track.KindText || kind == track.KindNumber
}

func (NotEqualsOperator) Compile(kind track.Kind, value string, _ time.Time) (Arg, error) {
	return compileScalar(kind, value)
}

func (NotEqualsOperator) Match(v track.FieldValue, arg Arg) bool {
	return !EqualsOperator{}.Match(v, arg)
}
