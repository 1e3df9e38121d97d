package rules

import (
	"strings"
	"time"

	"github.com/aklyne/cadenza/internal/domain/track"
)

func init() {
	Register(ContainsOperator{})
}

// ContainsOperator matches when the field contains the comparison value as
// a case-insensitive substring. Text fields only.
type ContainsOperator struct{}

func (ContainsOperator) Name() string {
	return "contains"
}

func (ContainsOperator) Description() string {
	return "Field contains the value as a case-insensitive substring"
}

func (ContainsOperator) AppliesTo(kind track.Kind) bool {
	return kind == track.KindText
}

func (ContainsOperator) Compile(kind track.Kind, value string, _ time.Time) (Arg, error) {
	return compileScalar(kind, value)
}

func (ContainsOperator) Match(v track.FieldValue, arg Arg) bool {
	return strings.Contains(strings.ToLower(v.Text), arg.Text)
}
