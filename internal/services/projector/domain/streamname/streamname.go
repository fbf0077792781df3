// Package streamname formats and parses entity stream names.
//
// A stream name is "<EntityType>#<EntityID>", for example "User#1".
package streamname

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	platformerrors "github.com/louisbranch/identity.space/internal/platform/errors"
)

// Separator splits the entity type from the entity id.
const Separator = "#"

// ErrInvalidStreamName reports a name that does not match the resolver pattern.
var ErrInvalidStreamName = platformerrors.New(platformerrors.CodeArgumentRequired, "invalid stream name")

// Format builds the stream name for an entity.
func Format(entityType, entityID string) string {
	return entityType + Separator + entityID
}

// Resolver recognizes stream names for a fixed set of entity types.
type Resolver struct {
	types   map[string]struct{}
	pattern *regexp.Regexp
}

// NewResolver builds a resolver for the given entity types.
func NewResolver(entityTypes ...string) (*Resolver, error) {
	if len(entityTypes) == 0 {
		return nil, fmt.Errorf("at least one entity type is required")
	}
	types := make(map[string]struct{}, len(entityTypes))
	quoted := make([]string, 0, len(entityTypes))
	for _, t := range entityTypes {
		t = strings.TrimSpace(t)
		if t == "" || strings.Contains(t, Separator) {
			return nil, fmt.Errorf("invalid entity type %q", t)
		}
		if _, ok := types[t]; ok {
			continue
		}
		types[t] = struct{}{}
		quoted = append(quoted, regexp.QuoteMeta(t))
	}
	sort.Strings(quoted)
	pattern, err := regexp.Compile("^(" + strings.Join(quoted, "|") + ")" + regexp.QuoteMeta(Separator) + "(.+)$")
	if err != nil {
		return nil, fmt.Errorf("compile stream pattern: %w", err)
	}
	return &Resolver{types: types, pattern: pattern}, nil
}

// Pattern returns the expression matching every recognized stream.
func (r *Resolver) Pattern() *regexp.Regexp {
	return r.pattern
}

// Resolve splits a stream name into entity id and entity type.
func (r *Resolver) Resolve(stream string) (entityID, entityType string, err error) {
	m := r.pattern.FindStringSubmatch(stream)
	if m == nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidStreamName, stream)
	}
	return m[2], m[1], nil
}
