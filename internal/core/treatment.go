package core

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"

	"hcilab.org/persona-chat/internal/tables"
)

// hashModulus bounds the running participant hash.
const hashModulus = 1_000_000_007

var (
	ErrNoTreatmentGroups  = errors.New("no treatment groups configured")
	ErrConfigInconsistent = errors.New("user config filter inconsistent with treatment group")
	ErrInvalidChoice      = errors.New("invalid property choice")
)

// Resolver maps participants to treatment groups and treatment groups to the
// configuration rows that make up their hidden prompt.
type Resolver struct {
	tables *tables.Store
}

func NewResolver(t *tables.Store) *Resolver {
	return &Resolver{tables: t}
}

// ParticipantHash folds the character codes of id into a bounded integer. It only
// depends on id, never on time or order of session creation.
func ParticipantHash(id string) uint64 {
	var h uint64
	for _, r := range id {
		h = (h*31 + uint64(r)) % hashModulus
	}
	return h
}

// GroupIDFor returns the participant's treatment group. Groups are taken in
// ascending order so the mapping is stable while the group set is unchanged.
func (r *Resolver) GroupIDFor(participantID string) (int, error) {
	groups := r.tables.TreatmentGroups()
	if len(groups) == 0 {
		return 0, ErrNoTreatmentGroups
	}
	return groups[ParticipantHash(participantID)%uint64(len(groups))], nil
}

// GroupRows returns every configuration row of a treatment group in table order.
func (r *Resolver) GroupRows(groupID int) []tables.Row {
	var out []tables.Row
	for _, row := range r.tables.Rows(tables.TreatmentConfig) {
		if g, err := row.Int(tables.ColTreatmentGroup); err == nil && g == groupID {
			out = append(out, row)
		}
	}
	return out
}

// SelectedRows applies the participant's filter to the group's rows. A row is
// kept unless its property is in the filter with a different chosen value;
// properties the participant was not asked about pass through.
func (r *Resolver) SelectedRows(groupID int, filter map[string]string) []tables.Row {
	return FilterRows(r.GroupRows(groupID), filter)
}

func FilterRows(rows []tables.Row, filter map[string]string) []tables.Row {
	var out []tables.Row
	for _, row := range rows {
		chosen, asked := filter[row.Get(tables.ColPropertyName)]
		if asked && row.Get(tables.ColPropertyValue) != chosen {
			continue
		}
		out = append(out, row)
	}
	return out
}

// PropertiesRequiringChoice returns the properties with two or more distinct
// values among rows, each with its values in first-seen order.
func PropertiesRequiringChoice(rows []tables.Row) map[string][]string {
	values := map[string][]string{}
	for _, row := range rows {
		name := row.Get(tables.ColPropertyName)
		if name == "" {
			continue
		}
		v := row.Get(tables.ColPropertyValue)
		if !slices.Contains(values[name], v) {
			values[name] = append(values[name], v)
		}
	}
	out := map[string][]string{}
	for name, vs := range values {
		if len(vs) > 1 {
			out[name] = vs
		}
	}
	return out
}

// RequiredChoices is PropertiesRequiringChoice over the unfiltered group rows.
func (r *Resolver) RequiredChoices(groupID int) map[string][]string {
	return PropertiesRequiringChoice(r.GroupRows(groupID))
}

// ChoosePersona reports whether the group asks participants to pick the
// assistant's name and avatar themselves.
func (r *Resolver) ChoosePersona(groupID int) bool {
	for _, row := range r.GroupRows(groupID) {
		if row.Bool(tables.ColChoosePersona) {
			return true
		}
	}
	return false
}

// ValidateChoices checks a complete set of posted choices against the group.
func (r *Resolver) ValidateChoices(groupID int, choices map[string]string) error {
	required := r.RequiredChoices(groupID)
	for name, value := range choices {
		allowed, ok := required[name]
		if !ok {
			return fmt.Errorf("%w: property %q is not selectable", ErrInvalidChoice, name)
		}
		if !slices.Contains(allowed, value) {
			return fmt.Errorf("%w: %q is not a value of %q", ErrInvalidChoice, value, name)
		}
	}
	for name := range required {
		if _, ok := choices[name]; !ok {
			return fmt.Errorf("%w: missing choice for %q", ErrInvalidChoice, name)
		}
	}
	return nil
}

// CheckFilter reports ErrConfigInconsistent when a stored filter is non-empty
// but does not cover exactly the group's selectable properties with allowed values.
func (r *Resolver) CheckFilter(groupID int, filter map[string]string) error {
	if len(filter) == 0 {
		return nil
	}
	if err := r.ValidateChoices(groupID, filter); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInconsistent, err)
	}
	return nil
}

// SortedKeys returns the map's keys in order, for deterministic page params and logs.
func SortedKeys[V any](m map[string]V) []string {
	keys := slices.Collect(maps.Keys(m))
	sort.Strings(keys)
	return keys
}
