package rules

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/aklyne/cadenza/internal/domain/playlist"
	"github.com/aklyne/cadenza/internal/domain/track"
)

// ParseSet decodes a raw rule set, as persisted or as submitted by a
// caller, into its typed form. Defaults are applied before validation, and
// every condition is checked against the operator registry so a set that
// parses is guaranteed to evaluate.
func ParseSet(raw map[string]interface{}) (*playlist.RuleSet, error) {
	set := playlist.RuleSet{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &set,
		TagName: "mapstructure",
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create rule set decoder")
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode rule set")
	}
	if err := defaults.Set(&set); err != nil {
		return nil, errors.Wrap(err, "failed to set default values")
	}
	if err := ValidateSet(&set); err != nil {
		return nil, err
	}
	return &set, nil
}

// ValidateSet checks a typed rule set without evaluating it: struct
// constraints, operator existence, field kinds, and value parseability.
func ValidateSet(set *playlist.RuleSet) error {
	if err := validator.New().Struct(set); err != nil {
		return errors.Wrap(err, "invalid rule set")
	}
	if _, err := compileConditions(set, time.Now()); err != nil {
		return err
	}
	if set.Sort.Field != "" {
		if _, ok := track.FieldKinds[set.Sort.Field]; !ok {
			return errors.Wrapf(ErrUnknownField, "sort field %q", set.Sort.Field)
		}
	}
	return nil
}
