// Package typeresolve maps symbolic names to exact Go types.
//
// A Resolver is built once from a closed set of candidates and is a pure
// lookup afterwards. Every name must resolve to exactly one candidate; zero or
// several matches are configuration errors reported to the caller.
package typeresolve

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	platformerrors "github.com/louisbranch/identity.space/internal/platform/errors"
)

var (
	// ErrNameRequired indicates an empty symbolic name was requested.
	ErrNameRequired = platformerrors.New(platformerrors.CodeArgumentRequired, "symbolic name is required")
	// ErrNotFound indicates no candidate carries the requested name.
	ErrNotFound = platformerrors.New(platformerrors.CodeTypeNotFound, "no type registered for name")
	// ErrAmbiguous indicates more than one candidate carries the requested name.
	ErrAmbiguous = platformerrors.New(platformerrors.CodeConfigurationAmbiguity, "ambiguous type configuration")
	// ErrServiceTypeMissing indicates the single candidate has no service type.
	ErrServiceTypeMissing = platformerrors.New(platformerrors.CodeTypeNotFound, "no service type registered for name")
)

// Candidate tags one concrete type with a symbolic name and, optionally, the
// service type that handles it.
type Candidate struct {
	Name    string
	Type    reflect.Type
	Service reflect.Type
}

// Of returns a candidate for T without a service type.
func Of[T any](name string) Candidate {
	return Candidate{Name: name, Type: reflect.TypeFor[T]()}
}

// OfService returns a candidate for T handled by service type S.
func OfService[T, S any](name string) Candidate {
	return Candidate{Name: name, Type: reflect.TypeFor[T](), Service: reflect.TypeFor[S]()}
}

// Resolver indexes candidates by symbolic name.
type Resolver struct {
	byName map[string][]Candidate
}

// New indexes the candidates. Names are trimmed; candidates with an empty
// name or nil type are ignored.
func New(candidates ...Candidate) *Resolver {
	r := &Resolver{byName: make(map[string][]Candidate, len(candidates))}
	for _, c := range candidates {
		name := strings.TrimSpace(c.Name)
		if name == "" || c.Type == nil {
			continue
		}
		c.Name = name
		r.byName[name] = append(r.byName[name], c)
	}
	return r
}

// ResolveType returns the exact type registered under name.
func (r *Resolver) ResolveType(name string) (reflect.Type, error) {
	c, err := r.resolve(name)
	if err != nil {
		return nil, err
	}
	return c.Type, nil
}

// ResolveServiceType returns the service type registered under name.
func (r *Resolver) ResolveServiceType(name string) (reflect.Type, error) {
	c, err := r.resolve(name)
	if err != nil {
		return nil, err
	}
	if c.Service == nil {
		return nil, fmt.Errorf("%w: %q", ErrServiceTypeMissing, c.Name)
	}
	return c.Service, nil
}

func (r *Resolver) resolve(name string) (Candidate, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Candidate{}, ErrNameRequired
	}
	var matches []Candidate
	if r != nil {
		matches = r.byName[name]
	}
	switch len(matches) {
	case 0:
		return Candidate{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	case 1:
		return matches[0], nil
	default:
		return Candidate{}, fmt.Errorf("%w: %q matches %s", ErrAmbiguous, name, describe(matches))
	}
}

// Validate reports every ambiguous name at once.
func (r *Resolver) Validate() error {
	if r == nil {
		return nil
	}
	var problems []string
	for _, name := range r.Names() {
		if matches := r.byName[name]; len(matches) > 1 {
			problems = append(problems, fmt.Sprintf("%q matches %s", name, describe(matches)))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrAmbiguous, strings.Join(problems, "; "))
}

// Names returns the registered names in sorted order.
func (r *Resolver) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func describe(matches []Candidate) string {
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = m.Type.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
