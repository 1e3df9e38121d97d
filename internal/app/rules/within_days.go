package rules

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/aklyne/cadenza/internal/domain/track"
)

func init() {
	Register(WithinLastDaysOperator{})
}

// WithinLastDaysOperator matches when a date field falls at or after
// now minus N days, where N is the condition value. The cutoff is computed
// once per evaluation so every track sees the same window.
type WithinLastDaysOperator struct{}

func (WithinLastDaysOperator) Name() string {
	return "within-last-days"
}

func (WithinLastDaysOperator) Description() string {
	return "Date field falls within the last N days"
}

func (WithinLastDaysOperator) AppliesTo(kind track.Kind) bool {
	return kind == track.KindDate
}

func (WithinLastDaysOperator) Compile(kind track.Kind, value string, now time.Time) (Arg, error) {
	if kind != track.KindDate {
		return Arg{}, errors.Wrapf(ErrKindMismatch, "within-last-days needs a date field, got %s", kind)
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return Arg{}, errors.Wrapf(ErrBadValue, "%q is not a day count", value)
	}
	if n <= 0 {
		return Arg{}, errors.Wrapf(ErrBadValue, "day count must be positive, got %d", n)
	}
	return Arg{Days: n, Date: now.AddDate(0, 0, -n)}, nil
}

func (WithinLastDaysOperator) Match(v track.FieldValue, arg Arg) bool {
	return !v.Date.Before(arg.Date)
}
