package rules

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/aklyne/cadenza/internal/domain/playlist"
	"github.com/aklyne/cadenza/internal/domain/track"
)

// cancelCheckStride is how many tracks are matched between context checks.
const cancelCheckStride = 256

// Evaluator resolves smart playlist rule sets against library snapshots.
// Evaluation is pure: it never mutates the snapshot and returns a fresh
// slice, so concurrent evaluations over the same snapshot are safe.
type Evaluator struct {
	timeout time.Duration
}

// NewEvaluator returns an evaluator that aborts any single evaluation
// running longer than timeout. A zero timeout disables the cap.
func NewEvaluator(timeout time.Duration) *Evaluator {
	return &Evaluator{timeout: timeout}
}

// compiled is a condition bound to its operator and parsed argument.
type compiled struct {
	field string
	op    Operator
	arg   Arg
}

func (c compiled) match(t *track.Track) bool {
	v, ok := t.Field(c.field)
	if !ok || !v.Present {
		// Missing fields never match, not even for not-equals.
		return false
	}
	return c.op.Match(v, c.arg)
}

// compileConditions resolves operators and parses comparison values once,
// before any track is examined. Every failure is marked ErrEvaluationFailed
// on top of its specific sentinel.
func compileConditions(set *playlist.RuleSet, now time.Time) ([]compiled, error) {
	out := make([]compiled, 0, len(set.Conditions))
	for i, cond := range set.Conditions {
		kind, ok := track.FieldKinds[cond.Field]
		if !ok {
			return nil, errors.Mark(errors.Wrapf(ErrUnknownField, "condition %d: %q", i, cond.Field), ErrEvaluationFailed)
		}
		op, ok := Lookup(cond.Operator)
		if !ok {
			return nil, errors.Mark(errors.Wrapf(ErrUnknownOperator, "condition %d: %q", i, cond.Operator), ErrEvaluationFailed)
		}
		if !op.AppliesTo(kind) {
			return nil, errors.Mark(errors.Wrapf(ErrKindMismatch, "condition %d: %q on %s field %q", i, cond.Operator, kind, cond.Field), ErrEvaluationFailed)
		}
		arg, err := op.Compile(kind, cond.Value, now)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "condition %d", i), ErrEvaluationFailed)
		}
		out = append(out, compiled{field: cond.Field, op: op, arg: arg})
	}
	return out, nil
}

// Evaluate filters the snapshot through the rule set, sorts the matches and
// applies the limit. The wall clock is captured once so relative date
// conditions see a single cutoff for the whole pass. Results are
// deterministic: equal sort keys fall back to track ID order.
func (e *Evaluator) Evaluate(ctx context.Context, set *playlist.RuleSet, snapshot []track.Track) ([]track.Track, error) {
	if set == nil {
		return nil, errors.New("nil rule set")
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	now := time.Now()
	conds, err := compileConditions(set, now)
	if err != nil {
		return nil, err
	}

	matched := make([]track.Track, 0, len(snapshot))
	for i := range snapshot {
		if i%cancelCheckStride == 0 {
			if err := ctx.Err(); err != nil {
				return nil, evaluationErr(err)
			}
		}
		if matchTrack(&snapshot[i], set.Combinator, conds) {
			matched = append(matched, snapshot[i])
		}
	}

	sortTracks(matched, set.Sort)
	if set.Limit > 0 && len(matched) > set.Limit {
		matched = matched[:set.Limit]
	}
	return matched, nil
}

func evaluationErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(ErrEvaluationTimeout, "evaluation aborted")
	}
	return errors.Wrap(err, "evaluation aborted")
}

// matchTrack applies the combinator over the compiled conditions. An empty
// ALL set matches every track; an empty ANY set matches none.
func matchTrack(t *track.Track, comb playlist.Combinator, conds []compiled) bool {
	if comb == playlist.CombinatorAny {
		for _, c := range conds {
			if c.match(t) {
				return true
			}
		}
		return false
	}
	for _, c := range conds {
		if !c.match(t) {
			return false
		}
	}
	return true
}

// sortTracks orders matches by the sort field with track ID as the
// tiebreaker. Tracks missing the sort field sort before those that have it.
// The ID tiebreaker stays ascending regardless of direction, so reversing
// the sort never reshuffles ties.
func sortTracks(items []track.Track, spec playlist.SortSpec) {
	field := spec.Field
	if field == "" {
		field = track.FieldTitle
	}
	sort.Slice(items, func(i, j int) bool {
		c := compareField(&items[i], &items[j], field)
		if c == 0 {
			return items[i].ID < items[j].ID
		}
		if spec.Descending {
			return c > 0
		}
		return c < 0
	})
}

func compareField(a, b *track.Track, field string) int {
	av, aok := a.Field(field)
	bv, bok := b.Field(field)
	if !aok || !av.Present {
		if !bok || !bv.Present {
			return 0
		}
		return -1
	}
	if !bok || !bv.Present {
		return 1
	}
	switch av.Kind {
	case track.KindNumber:
		switch {
		case av.Number < bv.Number:
			return -1
		case av.Number > bv.Number:
			return 1
		}
		return 0
	case track.KindDate:
		switch {
		case av.Date.Before(bv.Date):
			return -1
		case av.Date.After(bv.Date):
			return 1
		}
		return 0
	default:
		return strings.Compare(strings.ToLower(av.Text), strings.ToLower(bv.Text))
	}
}
