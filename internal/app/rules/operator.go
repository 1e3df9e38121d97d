// Package rules evaluates smart playlist rule sets against library snapshots.
package rules

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/aklyne/cadenza/internal/domain/track"
)

var (
	ErrUnknownField      = errors.New("unknown field")
	ErrUnknownOperator   = errors.New("unknown operator")
	ErrKindMismatch      = errors.New("operator does not apply to field kind")
	ErrBadValue          = errors.New("invalid comparison value")
	ErrEvaluationTimeout = errors.New("rule set evaluation timed out")

	// ErrEvaluationFailed marks every malformed-rule-set error, so callers
	// can classify without enumerating the specific sentinels above.
	ErrEvaluationFailed = errors.New("rule set evaluation failed")
)

// Arg is a comparison value compiled once per evaluation and reused for
// every track. Only the slot matching the condition's field kind is set.
type Arg struct {
	Text   string    // lowercased text value
	Number float64   // numeric value
	Date   time.Time // absolute date, or the cutoff for relative conditions
	Days   int       // window size for relative date conditions
}

// Operator compares one track field against a condition value.
type Operator interface {
	// Name returns the operator name used in rule sets.
	Name() string
	// Description returns a human-readable description.
	Description() string
	// AppliesTo reports whether the operator is valid for the field kind.
	AppliesTo(kind track.Kind) bool
	// Compile parses the comparison value for the given field kind.
	// now is the evaluation wall clock, captured once per evaluation.
	Compile(kind track.Kind, value string, now time.Time) (Arg, error)
	// Match compares a present field value against the compiled argument.
	Match(v track.FieldValue, arg Arg) bool
}

// registry holds registered operators by name.
var registry = make(map[string]Operator)

// Register registers an operator. Operators are stateless, so instances
// are registered directly rather than through factories.
func Register(op Operator) {
	registry[op.Name()] = op
}

// Lookup returns the named operator.
func Lookup(name string) (Operator, bool) {
	op, ok := registry[name]
	return op, ok
}

// Registered returns all registered operators.
func Registered() map[string]Operator {
	return registry
}

// compileScalar parses a plain comparison value according to the field kind.
func compileScalar(kind track.Kind, value string) (Arg, error) {
	switch kind {
	case track.KindText:
		return Arg{Text: strings.ToLower(strings.TrimSpace(value))}, nil
	case track.KindNumber:
		n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return Arg{}, errors.Wrapf(ErrBadValue, "%q is not a number", value)
		}
		return Arg{Number: n}, nil
	case track.KindDate:
		t, err := parseDate(strings.TrimSpace(value))
		if err != nil {
			return Arg{}, err
		}
		return Arg{Date: t}, nil
	default:
		return Arg{}, errors.Wrapf(ErrBadValue, "unsupported field kind %s", kind)
	}
}

// parseDate accepts RFC3339 or a plain calendar date.
func parseDate(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	return time.Time{}, errors.Wrapf(ErrBadValue, "%q is not a date", value)
}
