package params

import (
	"errors"
	"fmt"
	"sort"

	"github.com/g960059/cwe/internal/schema"
)

var (
	ErrUnknownVariable = errors.New("unknown variable")
	ErrInvalidValue    = errors.New("invalid value")
)

// Result reports what a BulkUpdate did.
type Result struct {
	Applied []string
	Ignored []Rejection
}

// Rejection is one skipped entry of a BulkUpdate.
type Rejection struct {
	Name string
	Err  error
}

// Store holds the current parameter values of one case. Values are
// always keyed by variable names of the case's analysis type.
type Store struct {
	typ    *schema.AnalysisType
	values map[string]string
}

// New returns a store seeded with the defaults of t.
func New(t *schema.AnalysisType) *Store {
	return &Store{typ: t, values: t.Defaults()}
}

func (s *Store) check(name, value string) error {
	v, ok := s.typ.VariableInfo(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVariable, name)
	}
	if !v.Accepts(value) {
		return fmt.Errorf("%w: %s=%q", ErrInvalidValue, name, value)
	}
	return nil
}

func (s *Store) Set(name, value string) error {
	if err := s.check(name, value); err != nil {
		return err
	}
	s.values[name] = value
	return nil
}

func (s *Store) Get(name string) (string, bool) {
	v, ok := s.values[name]
	return v, ok
}

// BulkUpdate validates and applies every entry on its own. Entries that
// name unknown variables or carry invalid values are skipped and listed
// in Result.Ignored; backend echoes may carry keys from other schema
// versions. Both lists are sorted by name.
func (s *Store) BulkUpdate(values map[string]string) Result {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var res Result
	for _, name := range names {
		if err := s.check(name, values[name]); err != nil {
			res.Ignored = append(res.Ignored, Rejection{Name: name, Err: err})
			continue
		}
		s.values[name] = values[name]
		res.Applied = append(res.Applied, name)
	}
	return res
}

// Validate checks every entry without applying anything. All failures
// are joined in name order.
func (s *Store) Validate(values map[string]string) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		if err := s.check(name, values[name]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Changed reports whether applying values would modify the store.
func (s *Store) Changed(values map[string]string) bool {
	for name, v := range values {
		if cur, ok := s.values[name]; !ok || cur != v {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of every value.
func (s *Store) Snapshot() map[string]string {
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
