// Package rubric defines evaluation rubrics: named sets of weighted criteria a
// transcript is scored against.
//
// A caller selects either a built-in rubric by id or supplies an inline custom
// rubric. Custom rubrics are a coach-plan feature; [Selection.Authorize]
// enforces that against resolved capabilities.
package rubric

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/pitchpractice/internal/entitlement"
	"github.com/MrWong99/pitchpractice/internal/kvstore"
)

var (
	// ErrNoSelection is returned when neither a rubric id nor a custom rubric
	// was chosen.
	ErrNoSelection = errors.New("rubric: no rubric selected")

	// ErrAmbiguousSelection is returned when both a rubric id and a custom
	// rubric were supplied.
	ErrAmbiguousSelection = errors.New("rubric: both rubric id and custom rubric set")

	// ErrCustomNotAllowed is returned when the current plan cannot use custom
	// rubrics.
	ErrCustomNotAllowed = errors.New("rubric: custom rubrics require the coach plan")
)

// Criterion is one scored dimension of a rubric.
type Criterion struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Weight      float64 `json:"weight" yaml:"weight"`
}

// Rubric is a named, weighted set of criteria.
type Rubric struct {
	ID          string      `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Criteria    []Criterion `json:"criteria" yaml:"criteria"`
}

// Validate checks the rubric for structural errors. All problems are returned
// together via errors.Join.
func (r Rubric) Validate() error {
	var errs []error
	if strings.TrimSpace(r.Name) == "" {
		errs = append(errs, errors.New("rubric: name is required"))
	}
	if len(r.Criteria) == 0 {
		errs = append(errs, errors.New("rubric: at least one criterion is required"))
	}
	seen := make(map[string]bool, len(r.Criteria))
	for i, c := range r.Criteria {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("rubric: criteria[%d]: name is required", i))
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			errs = append(errs, fmt.Errorf("rubric: criteria[%d]: duplicate name %q", i, name))
		}
		seen[key] = true
		if c.Weight < 0 {
			errs = append(errs, fmt.Errorf("rubric: criteria[%d]: weight must be >= 0, got %v", i, c.Weight))
		}
	}
	return errors.Join(errs...)
}

// TotalWeight returns the sum of criterion weights, treating a zero weight as 1.
func (r Rubric) TotalWeight() float64 {
	var total float64
	for _, c := range r.Criteria {
		total += c.EffectiveWeight()
	}
	return total
}

// EffectiveWeight returns the criterion weight, defaulting to 1 when unset.
func (c Criterion) EffectiveWeight() float64 {
	if c.Weight == 0 {
		return 1
	}
	return c.Weight
}

// Parse decodes a rubric from YAML or JSON (JSON is valid YAML) and validates
// it. Unknown fields are rejected.
func Parse(data []byte) (Rubric, error) {
	var r Rubric
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return Rubric{}, fmt.Errorf("rubric: decode: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Rubric{}, err
	}
	return r, nil
}

// ParseFile reads and parses a rubric definition from path.
func ParseFile(path string) (Rubric, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rubric{}, fmt.Errorf("rubric: read %q: %w", path, err)
	}
	return Parse(data)
}

// Selection is the caller's rubric choice for one run: exactly one of
// RubricID or Custom is set.
type Selection struct {
	RubricID string  `json:"rubric_id,omitempty"`
	Custom   *Rubric `json:"custom,omitempty"`
}

// ByID selects a built-in or server-side rubric.
func ByID(id string) Selection { return Selection{RubricID: id} }

// CustomRubric selects an inline rubric definition.
func CustomRubric(r Rubric) Selection { return Selection{Custom: &r} }

// IsCustom reports whether the selection carries an inline rubric.
func (s Selection) IsCustom() bool { return s.Custom != nil }

// Validate reports whether the selection is usable.
func (s Selection) Validate() error {
	hasID := strings.TrimSpace(s.RubricID) != ""
	switch {
	case hasID && s.Custom != nil:
		return ErrAmbiguousSelection
	case !hasID && s.Custom == nil:
		return ErrNoSelection
	case s.Custom != nil:
		return s.Custom.Validate()
	}
	return nil
}

// Authorize checks that the selection is legal for caps.
func (s Selection) Authorize(caps entitlement.Capabilities) error {
	if s.Custom != nil && !caps.AllowCustomRubric() {
		return ErrCustomNotAllowed
	}
	return nil
}

// Resolve returns the rubric a selection refers to. Ids are looked up among
// the built-in rubrics.
func (s Selection) Resolve() (Rubric, error) {
	if err := s.Validate(); err != nil {
		return Rubric{}, err
	}
	if s.Custom != nil {
		return *s.Custom, nil
	}
	r, ok := Builtin(s.RubricID)
	if !ok {
		return Rubric{}, fmt.Errorf("rubric: unknown rubric id %q", s.RubricID)
	}
	return r, nil
}

// String returns a short label for logs.
func (s Selection) String() string {
	if s.Custom != nil {
		return "custom:" + s.Custom.Name
	}
	return s.RubricID
}

// SaveLastCustom caches r as the most recently used custom rubric.
func SaveLastCustom(ctx context.Context, kv kvstore.Store, r Rubric) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("rubric: encode: %w", err)
	}
	return kv.Set(ctx, kvstore.KeyLastCustomRubric, data)
}

// LoadLastCustom returns the cached custom rubric, or nil when none is stored.
func LoadLastCustom(ctx context.Context, kv kvstore.Store) (*Rubric, error) {
	data, err := kv.Get(ctx, kvstore.KeyLastCustomRubric)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r Rubric
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("rubric: decode cached rubric: %w", err)
	}
	return &r, nil
}
