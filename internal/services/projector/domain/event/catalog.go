package event

import (
	"fmt"
	"reflect"

	platformerrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/projector/domain/typeresolve"
)

// ErrPayloadInvalid reports a payload that does not decode into its
// registered type.
var ErrPayloadInvalid = platformerrors.New(platformerrors.CodeEventPayloadInvalid, "event payload invalid")

// Definition registers the payload type for one event type.
func Definition[P any](t Type) typeresolve.Candidate {
	return typeresolve.Of[P](string(t))
}

// Catalog maps event types to payload types.
type Catalog struct {
	resolver *typeresolve.Resolver
	codec    Codec
}

// NewCatalog builds a catalog and fails when any type is ambiguous.
func NewCatalog(codec Codec, defs ...typeresolve.Candidate) (*Catalog, error) {
	resolver := typeresolve.New(defs...)
	if err := resolver.Validate(); err != nil {
		return nil, fmt.Errorf("event catalog: %w", err)
	}
	return &Catalog{resolver: resolver, codec: codec}, nil
}

// Codec returns the catalog serialization settings.
func (c *Catalog) Codec() Codec {
	return c.codec
}

// PayloadType returns the payload type registered for t.
func (c *Catalog) PayloadType(t Type) (reflect.Type, error) {
	return c.resolver.ResolveType(string(t))
}

// Types returns the registered event types in sorted order.
func (c *Catalog) Types() []Type {
	names := c.resolver.Names()
	out := make([]Type, len(names))
	for i, name := range names {
		out[i] = Type(name)
	}
	return out
}

// New builds an event with an encoded payload.
func (c *Catalog) New(id string, t Type, payload any, meta Metadata) (Event, error) {
	if _, err := c.PayloadType(t); err != nil {
		return Event{}, err
	}
	data, err := c.codec.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{ID: id, Type: t, Metadata: meta, PayloadJSON: data}, nil
}
